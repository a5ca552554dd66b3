package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/goliatone/go-fulfillment/core"
)

type checkoutSessionGetter interface {
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeSessionRetriever re-fetches checkout sessions with its own API key so
// no process-wide stripe.Key is required.
type StripeSessionRetriever struct {
	sessions checkoutSessionGetter
}

// NewStripeSessionRetriever uses the default API backend when backend is nil.
func NewStripeSessionRetriever(apiKey string, backend stripe.Backend) *StripeSessionRetriever {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeSessionRetriever{sessions: &session.Client{B: backend, Key: strings.TrimSpace(apiKey)}}
}

func (r *StripeSessionRetriever) RetrieveSession(ctx context.Context, sessionID string) (core.PaymentSession, error) {
	if r == nil || r.sessions == nil {
		return core.PaymentSession{}, fmt.Errorf("transport: stripe session retriever is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return core.PaymentSession{}, core.NewBadInputError("transport: checkout session id is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return core.PaymentSession{}, err
		}
	}
	checkout, err := r.sessions.Get(sessionID, &stripe.CheckoutSessionParams{})
	if err != nil {
		return core.PaymentSession{}, fmt.Errorf("transport: retrieve checkout session %s: %w", sessionID, err)
	}
	return toPaymentSession(checkout), nil
}

func toPaymentSession(checkout *stripe.CheckoutSession) core.PaymentSession {
	if checkout == nil {
		return core.PaymentSession{}
	}
	out := core.PaymentSession{
		ID:          checkout.ID,
		Paid:        checkout.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal: decimal.New(checkout.AmountTotal, -2),
		Currency:    strings.ToUpper(string(checkout.Currency)),
		Metadata:    map[string]string{},
	}
	if checkout.PaymentIntent != nil {
		out.PaymentIntentID = checkout.PaymentIntent.ID
	}
	for key, value := range checkout.Metadata {
		out.Metadata[key] = value
	}
	return out
}

var _ core.PaymentSessionRetriever = (*StripeSessionRetriever)(nil)
