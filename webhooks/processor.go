package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	metricDeliveries       = "fulfillment.webhooks.deliveries"
	metricDeliveryDuration = "fulfillment.webhooks.delivery_duration_ms"
)

// Applier is the part of the engine the processor drives.
type Applier interface {
	Apply(ctx context.Context, event core.OrderEvent) (core.ApplyResult, error)
}

// Source binds a provider name to its verifier and parser.
type Source struct {
	Provider string
	Verifier Verifier
	Parser   Parser
}

type Processor struct {
	Engine  Applier
	Ledger  core.EventLedger
	Logger  core.Logger
	Metrics core.MetricsRecorder
	Now     func() time.Time

	mu      sync.RWMutex
	sources map[string]Source
}

func NewProcessor(engine Applier, ledger core.EventLedger, logger core.Logger, sources ...Source) (*Processor, error) {
	processor := &Processor{
		Engine:  engine,
		Ledger:  ledger,
		Logger:  glog.Ensure(logger),
		Metrics: core.NopMetricsRecorder{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
		sources: map[string]Source{},
	}
	for _, source := range sources {
		if err := processor.Register(source); err != nil {
			return nil, err
		}
	}
	return processor, nil
}

func (p *Processor) Register(source Source) error {
	if p == nil {
		return fmt.Errorf("webhooks: processor is nil")
	}
	provider := normalizeProvider(source.Provider)
	if provider == "" {
		return fmt.Errorf("webhooks: source provider is required")
	}
	if source.Verifier == nil || source.Parser == nil {
		return fmt.Errorf("webhooks: source %q requires verifier and parser", provider)
	}
	source.Provider = provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources == nil {
		p.sources = map[string]Source{}
	}
	if _, exists := p.sources[provider]; exists {
		return fmt.Errorf("webhooks: source %q already registered", provider)
	}
	p.sources[provider] = source
	return nil
}

func (p *Processor) Providers() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sources))
	for provider := range p.sources {
		out = append(out, provider)
	}
	return out
}

// Process runs one delivery through verify, parse, dedupe, apply and record.
// The returned result always carries the status code to answer with; err is
// non-nil for every non-2xx result.
func (p *Processor) Process(ctx context.Context, req core.InboundRequest) (result core.InboundResult, err error) {
	if p == nil || p.Engine == nil || p.Ledger == nil {
		return core.InboundResult{StatusCode: http.StatusInternalServerError}, fmt.Errorf("webhooks: processor requires engine and ledger")
	}
	startedAt := time.Now()
	req.Provider = normalizeProvider(req.Provider)
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = p.now()
	}
	defer func() {
		p.observe(ctx, req, result, err, startedAt)
	}()

	source, ok := p.source(req.Provider)
	if !ok {
		return reject(http.StatusNotFound, req, "", core.NewBadInputError("webhooks: unknown webhook provider "+req.Provider))
	}

	if err := source.Verifier.Verify(ctx, req); err != nil {
		return reject(http.StatusUnauthorized, req, "", err)
	}

	event, err := source.Parser.Parse(ctx, req)
	if err != nil {
		return reject(statusForError(err), req, "", err)
	}
	if strings.TrimSpace(event.EventID) == "" {
		return reject(http.StatusBadRequest, req, "", core.NewMalformedEventError(
			fmt.Errorf("%w: event id is missing", core.ErrMalformedEvent),
			map[string]any{"provider": req.Provider},
		))
	}
	if strings.TrimSpace(event.Provider) == "" {
		event.Provider = req.Provider
	}

	if existing, found, err := p.Ledger.Lookup(ctx, event.Provider, event.EventID); err != nil {
		return reject(http.StatusInternalServerError, req, event.EventID, err)
	} else if found {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Outcome:    core.EventOutcomeDuplicate,
			EventID:    event.EventID,
			Metadata: map[string]any{
				"provider":      event.Provider,
				"first_outcome": string(existing.Outcome),
				"deduped":       true,
			},
		}, nil
	}

	applied, err := p.Engine.Apply(ctx, event)
	if err != nil {
		return reject(statusForError(err), req, event.EventID, err)
	}

	inserted, err := p.Ledger.Record(ctx, core.WebhookEventRecord{
		Provider:    event.Provider,
		EventID:     event.EventID,
		Outcome:     applied.Outcome,
		OrderID:     applied.Order.ID,
		FirstSeenAt: req.ReceivedAt,
	})
	if err != nil {
		return reject(http.StatusInternalServerError, req, event.EventID, err)
	}

	metadata := map[string]any{
		"provider": event.Provider,
		"kind":     string(event.Kind),
	}
	if applied.Order.ID != "" {
		metadata["order_id"] = applied.Order.ID
		metadata["order_status"] = string(applied.Order.Status)
	}
	if !inserted {
		metadata["deduped"] = true
	}
	return core.InboundResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Outcome:    applied.Outcome,
		EventID:    event.EventID,
		Metadata:   metadata,
	}, nil
}

func (p *Processor) source(provider string) (Source, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	source, ok := p.sources[provider]
	return source, ok
}

func (p *Processor) observe(ctx context.Context, req core.InboundRequest, result core.InboundResult, err error, startedAt time.Time) {
	duration := time.Since(startedAt)
	tags := map[string]string{
		"provider": req.Provider,
		"status":   strconv.Itoa(result.StatusCode),
		"outcome":  string(result.Outcome),
	}
	if p.Metrics != nil {
		p.Metrics.IncCounter(ctx, metricDeliveries, 1, tags)
		p.Metrics.ObserveHistogram(ctx, metricDeliveryDuration, float64(duration.Milliseconds()), tags)
	}

	logger := glog.Ensure(p.Logger)
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	args := []any{
		"provider", req.Provider,
		"event_id", result.EventID,
		"status", result.StatusCode,
		"outcome", string(result.Outcome),
		"duration_ms", duration.Milliseconds(),
	}
	switch {
	case err == nil:
		logger.Info("webhook delivery handled", args...)
	case result.StatusCode >= http.StatusInternalServerError:
		logger.Error("webhook delivery failed, provider will retry", append(args, "error", err.Error())...)
	default:
		logger.Warn("webhook delivery rejected", append(args, "error", err.Error())...)
	}
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func reject(status int, req core.InboundRequest, eventID string, err error) (core.InboundResult, error) {
	return core.InboundResult{
		Accepted:   false,
		StatusCode: status,
		EventID:    eventID,
		Metadata: map[string]any{
			"provider": req.Provider,
			"rejected": true,
		},
	}, err
}

// statusForError keeps 400 for payloads the provider must not resend. Every
// other failure is answered 500 so the provider retries.
func statusForError(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == core.ErrorMalformedEvent {
		return http.StatusBadRequest
	}
	if goerrors.Is(err, core.ErrMalformedEvent) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
