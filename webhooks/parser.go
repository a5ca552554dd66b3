package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/goliatone/go-fulfillment/core"
)

// Parser turns a verified delivery into the canonical event. A payload that
// violates the provider envelope returns a malformed event error.
type Parser interface {
	Parse(ctx context.Context, req core.InboundRequest) (core.OrderEvent, error)
}

func validateJSONSchema(schemaLoader gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformedEvent, err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return fmt.Errorf("%w: %s", core.ErrMalformedEvent, sb.String())
	}
	return nil
}

func malformed(req core.InboundRequest, cause error) error {
	return core.NewMalformedEventError(cause, map[string]any{"provider": req.Provider})
}

// bodyDigest is the fallback event id for providers that send none: identical
// payloads collapse to one ledger entry.
func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
