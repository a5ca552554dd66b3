package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	PrintProvider           = "print"
	TopicPrintStatusChanged = "PRINT_JOB_STATUS_CHANGED"
)

const schemaPrintEnvelope = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["topic", "data"],
  "properties": {
    "topic": { "type": "string", "minLength": 1 },
    "data": { "type": "object" }
  }
}`

// schemaPrintStatusChanged requires an order locator in data: the provider
// job id (id or providerObjectId) or our order id (external_id). A status
// callback carrying none of them cannot be routed and is rejected as malformed.
const schemaPrintStatusChanged = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {
      "type": "object",
      "required": ["status"],
      "anyOf": [
        { "required": ["id"] },
        { "required": ["providerObjectId"] },
        { "required": ["external_id"] }
      ],
      "properties": {
        "id": { "type": ["string", "integer"] },
        "providerObjectId": { "type": ["string", "integer"] },
        "external_id": { "type": ["string", "null"] },
        "status": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": { "type": "string", "minLength": 1 },
            "message": { "type": ["string", "null"] },
            "messages": { "type": ["object", "null"] }
          }
        },
        "line_item_statuses": { "type": ["array", "null"] }
      }
    }
  }
}`

var (
	printEnvelopeLoader      = gojsonschema.NewStringLoader(schemaPrintEnvelope)
	printStatusChangedLoader = gojsonschema.NewStringLoader(schemaPrintStatusChanged)
)

type printEnvelope struct {
	Topic string    `json:"topic"`
	Data  printData `json:"data"`
}

type printData struct {
	ID               flexibleID         `json:"id"`
	ProviderObjectID flexibleID         `json:"providerObjectId"`
	ExternalID       string             `json:"external_id"`
	Status           printStatus        `json:"status"`
	LineItemStatuses []printLineItemMsg `json:"line_item_statuses"`
}

// flexibleID accepts provider ids sent as JSON strings or integers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(raw []byte) error {
	value := strings.TrimSpace(string(raw))
	if value == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(value, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		*id = flexibleID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return err
	}
	*id = flexibleID(number.String())
	return nil
}

type printStatus struct {
	Name     string         `json:"name"`
	Message  string         `json:"message"`
	Messages map[string]any `json:"messages"`
}

type printLineItemMsg struct {
	Messages printTrackingMessages `json:"messages"`
}

type printTrackingMessages struct {
	TrackingID   string   `json:"tracking_id"`
	CarrierName  string   `json:"carrier_name"`
	TrackingURLs []string `json:"tracking_urls"`
}

// PrintEventParser reads print provider status callbacks. The event id comes
// from EventIDHeader when present and from the body digest otherwise.
// Every status callback must name the job or order it is about.
type PrintEventParser struct {
	Provider      string
	EventIDHeader string
}

func NewPrintEventParser(eventIDHeader string) *PrintEventParser {
	return &PrintEventParser{Provider: PrintProvider, EventIDHeader: eventIDHeader}
}

func (p *PrintEventParser) Parse(_ context.Context, req core.InboundRequest) (core.OrderEvent, error) {
	if err := validateJSONSchema(printEnvelopeLoader, req.Body); err != nil {
		return core.OrderEvent{}, malformed(req, err)
	}
	var envelope struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: %v", core.ErrMalformedEvent, err))
	}

	event := core.OrderEvent{
		Provider:   p.provider(req),
		EventID:    p.eventID(req),
		Topic:      strings.TrimSpace(envelope.Topic),
		Kind:       core.EventKindIgnored,
		OccurredAt: req.ReceivedAt,
	}
	if !strings.EqualFold(event.Topic, TopicPrintStatusChanged) {
		return event, nil
	}

	if err := validateJSONSchema(printStatusChangedLoader, req.Body); err != nil {
		return core.OrderEvent{}, malformed(req, err)
	}
	var payload printEnvelope
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return core.OrderEvent{}, malformed(req, fmt.Errorf("%w: %v", core.ErrMalformedEvent, err))
	}

	data := payload.Data
	event.Kind = core.EventKindPrintJobStatus
	event.ProviderObjectID = firstNonEmpty(string(data.ID), string(data.ProviderObjectID))
	event.OrderRef = strings.TrimSpace(data.ExternalID)
	event.Status = core.PrintJobStatus{
		Name:    strings.TrimSpace(data.Status.Name),
		Message: statusMessage(data.Status),
	}
	event.Tracking = trackingFromLineItems(data.LineItemStatuses)
	return event, nil
}

func (p *PrintEventParser) provider(req core.InboundRequest) string {
	if provider := strings.TrimSpace(req.Provider); provider != "" {
		return provider
	}
	if p != nil && strings.TrimSpace(p.Provider) != "" {
		return strings.TrimSpace(p.Provider)
	}
	return PrintProvider
}

func (p *PrintEventParser) eventID(req core.InboundRequest) string {
	header := core.DefaultPrintEventIDHeader
	if p != nil && strings.TrimSpace(p.EventIDHeader) != "" {
		header = p.EventIDHeader
	}
	if value := headerValue(req.Headers, header); value != "" {
		return value
	}
	return bodyDigest(req.Body)
}

func statusMessage(status printStatus) string {
	if message := strings.TrimSpace(status.Message); message != "" {
		return message
	}
	for _, key := range []string{"info", "error", "message"} {
		if value, ok := status.Messages[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// trackingFromLineItems uses the first line item that carries a tracking id.
func trackingFromLineItems(items []printLineItemMsg) *core.Tracking {
	for _, item := range items {
		messages := item.Messages
		if strings.TrimSpace(messages.TrackingID) == "" {
			continue
		}
		urls := make([]string, 0, len(messages.TrackingURLs))
		for _, url := range messages.TrackingURLs {
			if url = strings.TrimSpace(url); url != "" {
				urls = append(urls, url)
			}
		}
		return &core.Tracking{
			TrackingID: strings.TrimSpace(messages.TrackingID),
			Carrier:    strings.TrimSpace(messages.CarrierName),
			URLs:       urls,
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
