package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	PaymentsPath = "/webhooks/payments"
	PrintPath    = "/webhooks/print"
)

type RouterConfig struct {
	MaxBodyBytes    int64
	PaymentProvider string
	PrintProvider   string
}

type Handlers struct {
	processor *Processor
	config    RouterConfig
}

func NewHandlers(processor *Processor, config RouterConfig) *Handlers {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = core.DefaultMaxBodyBytes
	}
	if strings.TrimSpace(config.PaymentProvider) == "" {
		config.PaymentProvider = PaymentProvider
	}
	if strings.TrimSpace(config.PrintProvider) == "" {
		config.PrintProvider = PrintProvider
	}
	return &Handlers{processor: processor, config: config}
}

// NewRouter mounts both provider endpoints on a fresh chi router.
func NewRouter(processor *Processor, config RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	NewHandlers(processor, config).Routes(r)
	return r
}

func (h *Handlers) Routes(r chi.Router) {
	r.Post(PaymentsPath, h.handle(h.config.PaymentProvider))
	r.Post(PrintPath, h.handle(h.config.PrintProvider))
}

func (h *Handlers) handle(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, core.NewMalformedEventError(err, map[string]any{"provider": provider}))
				return
			}
			writeError(w, http.StatusBadRequest, core.NewMalformedEventError(err, map[string]any{"provider": provider}))
			return
		}

		result, err := h.processor.Process(r.Context(), core.InboundRequest{
			Provider: provider,
			Headers:  flattenHeaders(r.Header),
			Body:     body,
		})
		if err != nil {
			status := result.StatusCode
			if status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}
			writeError(w, status, err)
			return
		}
		writeJSONResponse(w, result.StatusCode, deliveryResponse{
			Status:  "ok",
			Outcome: string(result.Outcome),
			EventID: result.EventID,
		})
	}
}

type deliveryResponse struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

type errorResponse struct {
	Status string      `json:"status"`
	Error  errorDetail `json:"error"`
}

type errorDetail struct {
	Code     int    `json:"code"`
	TextCode string `json:"text_code"`
	Message  string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	detail := errorDetail{Code: status, Message: http.StatusText(status)}
	if mapped := core.MapError(err); mapped != nil {
		detail.TextCode = mapped.TextCode
		if status < http.StatusInternalServerError && strings.TrimSpace(mapped.Message) != "" {
			detail.Message = mapped.Message
		}
	}
	writeJSONResponse(w, status, errorResponse{Status: "error", Error: detail})
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}
