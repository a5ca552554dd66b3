package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	EncodingHex    = "hex"
	EncodingBase64 = "base64"

	StripeSignatureHeader = "Stripe-Signature"
)

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

// HMACVerifier checks an HMAC-SHA256 of the raw body carried in Header.
// An empty Secret puts the verifier in permissive mode: every request is
// accepted and a warning is logged for each one.
type HMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string
	Logger   core.Logger
}

func NewHMACVerifier(header string, secret string, encoding string, logger core.Logger) *HMACVerifier {
	verifier := &HMACVerifier{
		Header:   header,
		Secret:   secret,
		Encoding: encoding,
		Logger:   glog.Ensure(logger),
	}
	if strings.TrimSpace(secret) == "" {
		warnPermissive(context.Background(), verifier.Logger, "hmac", header, "")
	}
	return verifier
}

func (v *HMACVerifier) Verify(ctx context.Context, req core.InboundRequest) error {
	if v == nil {
		return fmt.Errorf("webhooks: hmac verifier is nil")
	}
	header := strings.TrimSpace(v.Header)
	if header == "" {
		header = core.DefaultPrintSignatureHeader
	}
	if strings.TrimSpace(v.Secret) == "" {
		warnPermissive(ctx, v.Logger, "hmac", header, req.Provider)
		return nil
	}

	provided := headerValue(req.Headers, header)
	if prefix := strings.TrimSpace(v.Prefix); prefix != "" {
		provided = strings.TrimSpace(strings.TrimPrefix(provided, prefix))
	}
	if provided == "" {
		return core.NewAuthenticationError(
			fmt.Errorf("%w: missing %s header", core.ErrSignatureInvalid, header),
			map[string]any{"provider": req.Provider},
		)
	}

	encoding := strings.ToLower(strings.TrimSpace(v.Encoding))
	expected, err := SignHMAC(v.Secret, req.Body, encoding)
	if err != nil {
		return err
	}
	if encoding != EncodingBase64 {
		provided = strings.ToLower(provided)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return core.NewAuthenticationError(core.ErrSignatureInvalid, map[string]any{"provider": req.Provider})
	}
	return nil
}

// SignHMAC returns the encoded HMAC-SHA256 of body under secret.
func SignHMAC(secret string, body []byte, encoding string) (string, error) {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingHex:
		return hex.EncodeToString(sum), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(sum), nil
	default:
		return "", fmt.Errorf("webhooks: unsupported signature encoding %q", encoding)
	}
}

// StripeVerifier validates the Stripe-Signature header, including its
// timestamp tolerance, without decoding the event.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
	Logger    core.Logger
}

func NewStripeVerifier(secret string, logger core.Logger) *StripeVerifier {
	verifier := &StripeVerifier{
		Secret:    secret,
		Tolerance: webhook.DefaultTolerance,
		Logger:    glog.Ensure(logger),
	}
	if strings.TrimSpace(secret) == "" {
		warnPermissive(context.Background(), verifier.Logger, "stripe", StripeSignatureHeader, "")
	}
	return verifier
}

func (v *StripeVerifier) Verify(ctx context.Context, req core.InboundRequest) error {
	if v == nil {
		return fmt.Errorf("webhooks: stripe verifier is nil")
	}
	if strings.TrimSpace(v.Secret) == "" {
		warnPermissive(ctx, v.Logger, "stripe", StripeSignatureHeader, req.Provider)
		return nil
	}
	header := headerValue(req.Headers, StripeSignatureHeader)
	if header == "" {
		return core.NewAuthenticationError(
			fmt.Errorf("%w: missing %s header", core.ErrSignatureInvalid, StripeSignatureHeader),
			map[string]any{"provider": req.Provider},
		)
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(req.Body, header, v.Secret, tolerance); err != nil {
		return core.NewAuthenticationError(
			fmt.Errorf("%w: %v", core.ErrSignatureInvalid, err),
			map[string]any{"provider": req.Provider},
		)
	}
	return nil
}

func warnPermissive(ctx context.Context, logger core.Logger, scheme string, header string, provider string) {
	logger = glog.Ensure(logger)
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Warn("webhook signature verification is DISABLED: no secret configured, accepting unsigned payload",
		"scheme", scheme,
		"header", header,
		"provider", provider,
	)
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
