package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/xeipuuv/gojsonschema"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	PaymentProvider = "payments"

	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"

	MetadataKind         = "kind"
	MetadataOrderID      = "order_id"
	MetadataUserID       = "user_id"
	MetadataCredits      = "credits"
	MetadataKindOrder    = "print_order"
	MetadataKindCredits  = "credits"
	paymentStatusPaid    = "paid"
	minorUnitsMultiplier = -2
)

const schemaPaymentEnvelope = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type", "data"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "type": { "type": "string", "minLength": 1 },
    "data": {
      "type": "object",
      "required": ["object"],
      "properties": {
        "object": { "type": "object" }
      }
    }
  }
}`

const schemaCheckoutSession = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "payment_status": { "type": ["string", "null"] },
    "client_reference_id": { "type": ["string", "null"] },
    "amount_total": { "type": ["integer", "null"] },
    "currency": { "type": ["string", "null"] },
    "metadata": { "type": ["object", "null"] }
  }
}`

var (
	paymentEnvelopeLoader = gojsonschema.NewStringLoader(schemaPaymentEnvelope)
	checkoutSessionLoader = gojsonschema.NewStringLoader(schemaCheckoutSession)
)

type checkoutSession struct {
	ID                string            `json:"id"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentIntent     json.RawMessage   `json:"payment_intent"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// PaymentEventParser reads Stripe checkout events. Sessions tagged
// kind=print_order confirm an order payment; kind=credits buys credits.
// When Sessions is set the session is fetched again and the fetched status
// and metadata win over the delivered copy.
type PaymentEventParser struct {
	Provider string
	Sessions core.PaymentSessionRetriever
}

func NewPaymentEventParser(sessions core.PaymentSessionRetriever) *PaymentEventParser {
	return &PaymentEventParser{Provider: PaymentProvider, Sessions: sessions}
}

func (p *PaymentEventParser) Parse(ctx context.Context, req core.InboundRequest) (core.OrderEvent, error) {
	if err := validateJSONSchema(paymentEnvelopeLoader, req.Body); err != nil {
		return core.OrderEvent{}, malformed(req, err)
	}
	var envelope stripe.Event
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: %v", core.ErrMalformedEvent, err))
	}

	eventType := strings.TrimSpace(string(envelope.Type))
	event := core.OrderEvent{
		Provider:   p.provider(req),
		EventID:    strings.TrimSpace(envelope.ID),
		Topic:      eventType,
		Kind:       core.EventKindIgnored,
		OccurredAt: req.ReceivedAt,
	}
	if envelope.Created > 0 {
		event.OccurredAt = time.Unix(envelope.Created, 0).UTC()
	}
	if eventType != EventCheckoutSessionCompleted && eventType != EventCheckoutAsyncPaymentSucceeded {
		return event, nil
	}
	if envelope.Data == nil || len(envelope.Data.Raw) == 0 {
		return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: checkout session object is missing", core.ErrMalformedEvent))
	}
	if err := validateJSONSchema(checkoutSessionLoader, envelope.Data.Raw); err != nil {
		return core.OrderEvent{}, malformed(req, err)
	}
	var session checkoutSession
	if err := json.Unmarshal(envelope.Data.Raw, &session); err != nil {
		return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: decode checkout session: %v", core.ErrMalformedEvent, err))
	}

	details := core.PaymentDetails{
		SessionID:       strings.TrimSpace(session.ID),
		PaymentIntentID: paymentIntentID(session.PaymentIntent),
		Amount:          decimal.New(session.AmountTotal, minorUnitsMultiplier),
		Currency:        strings.ToUpper(strings.TrimSpace(session.Currency)),
		Metadata:        copyStrings(session.Metadata),
	}
	paid := strings.EqualFold(strings.TrimSpace(session.PaymentStatus), paymentStatusPaid)

	if p != nil && p.Sessions != nil {
		fetched, err := p.Sessions.RetrieveSession(ctx, details.SessionID)
		if err != nil {
			return core.OrderEvent{}, fmt.Errorf("webhooks: retrieve checkout session %s: %w", details.SessionID, err)
		}
		paid = fetched.Paid
		if id := strings.TrimSpace(fetched.PaymentIntentID); id != "" {
			details.PaymentIntentID = id
		}
		if !fetched.AmountTotal.IsZero() {
			details.Amount = fetched.AmountTotal
		}
		if currency := strings.TrimSpace(fetched.Currency); currency != "" {
			details.Currency = strings.ToUpper(currency)
		}
		if len(fetched.Metadata) > 0 {
			details.Metadata = copyStrings(fetched.Metadata)
		}
	}
	if !paid {
		return event, nil
	}

	switch strings.ToLower(strings.TrimSpace(details.Metadata[MetadataKind])) {
	case MetadataKindOrder:
		details.OrderID = firstNonEmpty(details.Metadata[MetadataOrderID], session.ClientReferenceID)
		details.UserID = strings.TrimSpace(details.Metadata[MetadataUserID])
		if details.OrderID == "" {
			return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: print order session %s has no order id", core.ErrMalformedEvent, details.SessionID))
		}
		event.Kind = core.EventKindPaymentConfirmed
		event.OrderRef = details.OrderID
		event.ProviderObjectID = details.SessionID
	case MetadataKindCredits:
		details.UserID = firstNonEmpty(details.Metadata[MetadataUserID], session.ClientReferenceID)
		credits, err := strconv.ParseInt(strings.TrimSpace(details.Metadata[MetadataCredits]), 10, 64)
		if err != nil || credits <= 0 || details.UserID == "" {
			return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: credit session %s needs user_id and positive credits", core.ErrMalformedEvent, details.SessionID))
		}
		details.Credits = credits
		event.Kind = core.EventKindCreditPurchase
		event.ProviderObjectID = details.SessionID
	default:
		return event, nil
	}
	event.Payment = &details
	return event, nil
}

func (p *PaymentEventParser) provider(req core.InboundRequest) string {
	if provider := strings.TrimSpace(req.Provider); provider != "" {
		return provider
	}
	if p != nil && strings.TrimSpace(p.Provider) != "" {
		return strings.TrimSpace(p.Provider)
	}
	return PaymentProvider
}

// paymentIntentID accepts the expanded object or the bare id.
func paymentIntentID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.ID)
	}
	return ""
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
