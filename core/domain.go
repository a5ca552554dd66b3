package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound        = errors.New("core: order not found")
	ErrOrderStatusConflict  = errors.New("core: order status changed concurrently")
	ErrUserNotFound         = errors.New("core: user not found")
	ErrRefundNotAllowed     = errors.New("core: refund not allowed for order status")
	ErrSignatureInvalid     = errors.New("core: webhook signature invalid")
	ErrMalformedEvent       = errors.New("core: malformed webhook event")
	ErrSubmissionInProgress = errors.New("core: print job submission already in progress")
)

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusPrinting  OrderStatus = "printing"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Known() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusPrinting, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further provider-driven transition is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

type ShippingAddress struct {
	Name        string `json:"name"`
	Street1     string `json:"street1"`
	Street2     string `json:"street2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	PostCode    string `json:"postcode"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
}

type CostBreakdown struct {
	Manufacturing decimal.Decimal `json:"manufacturing"`
	Shipping      decimal.Decimal `json:"shipping"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
}

type Tracking struct {
	TrackingID string   `json:"tracking_id"`
	Carrier    string   `json:"carrier_name"`
	URLs       []string `json:"tracking_urls"`
}

func (t *Tracking) Clone() *Tracking {
	if t == nil {
		return nil
	}
	return &Tracking{
		TrackingID: t.TrackingID,
		Carrier:    t.Carrier,
		URLs:       append([]string(nil), t.URLs...),
	}
}

func (t *Tracking) Empty() bool {
	return t == nil || (strings.TrimSpace(t.TrackingID) == "" && strings.TrimSpace(t.Carrier) == "" && len(t.URLs) == 0)
}

type PrintOrder struct {
	ID             string
	UserID         string
	BookID         string
	Quantity       int
	Shipping       ShippingAddress
	ShippingLevel  string
	ProviderJobID  string
	PaymentRef     string
	Cost           CostBreakdown
	CreditCost     int64
	Status         OrderStatus
	ProviderStatus string
	StatusMessage  string
	Tracking       *Tracking
	Refunded       bool
	RefundedAt     *time.Time
	LastError      string
	RetryCount     int
	// SubmissionClaimedAt is set while one caller is submitting the print job.
	SubmissionClaimedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type CreateOrderInput struct {
	ID            string
	UserID        string
	BookID        string
	Quantity      int
	Shipping      ShippingAddress
	ShippingLevel string
	Cost          CostBreakdown
	CreditCost    int64
	PaymentRef    string
}

func (in CreateOrderInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return NewBadInputError("core: order user id is required")
	}
	if strings.TrimSpace(in.BookID) == "" {
		return NewBadInputError("core: order book id is required")
	}
	if in.Quantity <= 0 {
		return NewBadInputError("core: order quantity must be positive")
	}
	if in.CreditCost < 0 {
		return NewBadInputError("core: order credit cost must not be negative")
	}
	return nil
}

// StatusUpdate is applied only when the stored status equals Expected.
type StatusUpdate struct {
	OrderID        string
	Expected       OrderStatus
	Next           OrderStatus
	ProviderStatus string
	StatusMessage  string
	Tracking       *Tracking
}

type CreditReason string

const (
	CreditReasonPurchase   CreditReason = "purchase"
	CreditReasonRefund     CreditReason = "refund"
	CreditReasonAdjustment CreditReason = "adjustment"
)

type CreditTransaction struct {
	ID            string
	UserID        string
	OrderID       string
	Delta         int64
	Reason        CreditReason
	CorrelationID string
	Note          string
	CreatedAt     time.Time
}

type AppendCreditInput struct {
	UserID        string
	OrderID       string
	Delta         int64
	Reason        CreditReason
	CorrelationID string
	Note          string
}

func (in AppendCreditInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return NewBadInputError("core: credit user id is required")
	}
	if in.Delta == 0 {
		return NewBadInputError("core: credit delta must not be zero")
	}
	switch in.Reason {
	case CreditReasonPurchase, CreditReasonRefund, CreditReasonAdjustment:
	default:
		return NewBadInputError("core: credit reason is invalid")
	}
	return nil
}

type EventOutcome string

const (
	EventOutcomeProcessed    EventOutcome = "processed"
	EventOutcomeNoop         EventOutcome = "noop"
	EventOutcomeUnknownOrder EventOutcome = "unknown_order"
	EventOutcomeIgnored      EventOutcome = "ignored"
	EventOutcomeDuplicate    EventOutcome = "duplicate"
)

type WebhookEventRecord struct {
	Provider    string
	EventID     string
	Outcome     EventOutcome
	OrderID     string
	FirstSeenAt time.Time
}

type User struct {
	ID          string
	Email       string
	DisplayName string
	Language    string
}

type EventKind string

const (
	EventKindPaymentConfirmed EventKind = "payment_confirmed"
	EventKindPrintJobStatus   EventKind = "print_job_status"
	EventKindCreditPurchase   EventKind = "credit_purchase"
	EventKindIgnored          EventKind = "ignored"
)

type PrintJobStatus struct {
	Name    string
	Message string
}

type PaymentDetails struct {
	SessionID       string
	PaymentIntentID string
	UserID          string
	OrderID         string
	Credits         int64
	Amount          decimal.Decimal
	Currency        string
	Metadata        map[string]string
}

// OrderEvent is the canonical form of a verified provider webhook.
type OrderEvent struct {
	Provider         string
	EventID          string
	Topic            string
	Kind             EventKind
	ProviderObjectID string
	OrderRef         string
	Status           PrintJobStatus
	Tracking         *Tracking
	Payment          *PaymentDetails
	OccurredAt       time.Time
}

type PrintJobRequest struct {
	Order          PrintOrder
	Files          BookFiles
	IdempotencyKey string
}

type BookFiles struct {
	Title       string
	InteriorURL string
	CoverURL    string
	PageCount   int
	PodPackage  string
}

type PrintJobReceipt struct {
	JobID  string
	Status string
}

type PaymentSession struct {
	ID              string
	Paid            bool
	PaymentIntentID string
	AmountTotal     decimal.Decimal
	Currency        string
	Metadata        map[string]string
}

type EmailMessage struct {
	To         string
	Name       string
	TemplateID string
	Language   string
	Params     map[string]any
}

func copyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
