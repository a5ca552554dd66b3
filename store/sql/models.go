package sqlstore

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-fulfillment/core"
)

type printOrderRecord struct {
	bun.BaseModel `bun:"table:print_orders,alias:po"`

	ID                string               `bun:"id,pk"`
	UserID            string               `bun:"user_id,notnull"`
	BookID            string               `bun:"book_id,notnull"`
	Quantity          int                  `bun:"quantity,notnull"`
	ShippingAddress   core.ShippingAddress `bun:"shipping_address,type:jsonb,notnull"`
	ShippingLevel     string               `bun:"shipping_level,notnull"`
	ProviderJobID     *string              `bun:"provider_job_id"`
	SubmissionClaimed *time.Time           `bun:"submission_claimed_at,nullzero"`
	PaymentRef        string               `bun:"payment_ref,notnull"`
	ManufacturingCost decimal.Decimal      `bun:"manufacturing_cost,notnull"`
	ShippingCost      decimal.Decimal      `bun:"shipping_cost,notnull"`
	TotalCost         decimal.Decimal      `bun:"total_cost,notnull"`
	Currency          string               `bun:"currency,notnull"`
	CreditCost        int64                `bun:"credit_cost,notnull"`
	Status            string               `bun:"status,notnull"`
	ProviderStatus    string               `bun:"provider_status,notnull"`
	StatusMessage     string               `bun:"status_message,notnull"`
	TrackingID        string               `bun:"tracking_id,notnull"`
	Carrier           string               `bun:"carrier,notnull"`
	TrackingURLs      []string             `bun:"tracking_urls,type:jsonb"`
	Refunded          bool                 `bun:"refunded,notnull"`
	RefundedAt        *time.Time           `bun:"refunded_at,nullzero"`
	LastError         string               `bun:"last_error,notnull"`
	RetryCount        int                  `bun:"retry_count,notnull"`
	CreatedAt         time.Time            `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time            `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type creditTransactionRecord struct {
	bun.BaseModel `bun:"table:credit_transactions,alias:ct"`

	ID            string    `bun:"id,pk"`
	UserID        string    `bun:"user_id,notnull"`
	OrderID       *string   `bun:"order_id"`
	Delta         int64     `bun:"delta,notnull"`
	Reason        string    `bun:"reason,notnull"`
	CorrelationID *string   `bun:"correlation_id"`
	Note          string    `bun:"note,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:webhook_events,alias:we"`

	ID          string    `bun:"id,pk"`
	Provider    string    `bun:"provider,notnull"`
	EventID     string    `bun:"event_id,notnull"`
	Outcome     string    `bun:"outcome,notnull"`
	OrderID     string    `bun:"order_id,notnull"`
	FirstSeenAt time.Time `bun:"first_seen_at,nullzero,notnull,default:current_timestamp"`
}

type userRecord struct {
	bun.BaseModel `bun:"table:fulfillment_users,alias:fu"`

	ID            string    `bun:"id,pk"`
	Email         string    `bun:"email,notnull"`
	DisplayName   string    `bun:"display_name,notnull"`
	Language      string    `bun:"language,notnull"`
	CreditBalance int64     `bun:"credit_balance,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type notificationDispatchRecord struct {
	bun.BaseModel `bun:"table:notification_dispatches,alias:nd"`

	ID           string         `bun:"id,pk"`
	EventID      string         `bun:"event_id,notnull"`
	OrderID      string         `bun:"order_id,notnull"`
	Category     string         `bun:"category,notnull"`
	TemplateID   string         `bun:"template_id,notnull"`
	RecipientKey string         `bun:"recipient_key,notnull"`
	Idempotency  string         `bun:"idempotency_key,notnull"`
	Status       string         `bun:"status,notnull"`
	Error        string         `bun:"error,notnull"`
	Metadata     map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt    time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newPrintOrderRecord(id string, in core.CreateOrderInput, now time.Time) *printOrderRecord {
	return &printOrderRecord{
		ID:                id,
		UserID:            strings.TrimSpace(in.UserID),
		BookID:            strings.TrimSpace(in.BookID),
		Quantity:          in.Quantity,
		ShippingAddress:   in.Shipping,
		ShippingLevel:     strings.TrimSpace(in.ShippingLevel),
		PaymentRef:        strings.TrimSpace(in.PaymentRef),
		ManufacturingCost: in.Cost.Manufacturing,
		ShippingCost:      in.Cost.Shipping,
		TotalCost:         in.Cost.Total,
		Currency:          strings.ToUpper(strings.TrimSpace(in.Cost.Currency)),
		CreditCost:        in.CreditCost,
		Status:            string(core.OrderStatusCreated),
		TrackingURLs:      []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (r *printOrderRecord) toDomain() core.PrintOrder {
	if r == nil {
		return core.PrintOrder{}
	}
	order := core.PrintOrder{
		ID:            r.ID,
		UserID:        r.UserID,
		BookID:        r.BookID,
		Quantity:      r.Quantity,
		Shipping:      r.ShippingAddress,
		ShippingLevel: r.ShippingLevel,
		PaymentRef:    r.PaymentRef,
		Cost: core.CostBreakdown{
			Manufacturing: r.ManufacturingCost,
			Shipping:      r.ShippingCost,
			Total:         r.TotalCost,
			Currency:      r.Currency,
		},
		CreditCost:     r.CreditCost,
		Status:         core.OrderStatus(r.Status),
		ProviderStatus: r.ProviderStatus,
		StatusMessage:  r.StatusMessage,
		Refunded:       r.Refunded,
		LastError:      r.LastError,
		RetryCount:     r.RetryCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ProviderJobID != nil {
		order.ProviderJobID = *r.ProviderJobID
	}
	if r.RefundedAt != nil {
		at := r.RefundedAt.UTC()
		order.RefundedAt = &at
	}
	if r.SubmissionClaimed != nil {
		at := r.SubmissionClaimed.UTC()
		order.SubmissionClaimedAt = &at
	}
	tracking := &core.Tracking{
		TrackingID: r.TrackingID,
		Carrier:    r.Carrier,
		URLs:       append([]string(nil), r.TrackingURLs...),
	}
	if !tracking.Empty() {
		order.Tracking = tracking
	}
	return order
}

func (r *creditTransactionRecord) toDomain() core.CreditTransaction {
	if r == nil {
		return core.CreditTransaction{}
	}
	return core.CreditTransaction{
		ID:            r.ID,
		UserID:        r.UserID,
		OrderID:       derefString(r.OrderID),
		Delta:         r.Delta,
		Reason:        core.CreditReason(r.Reason),
		CorrelationID: derefString(r.CorrelationID),
		Note:          r.Note,
		CreatedAt:     r.CreatedAt,
	}
}

func (r *webhookEventRecord) toDomain() core.WebhookEventRecord {
	if r == nil {
		return core.WebhookEventRecord{}
	}
	return core.WebhookEventRecord{
		Provider:    r.Provider,
		EventID:     r.EventID,
		Outcome:     core.EventOutcome(r.Outcome),
		OrderID:     r.OrderID,
		FirstSeenAt: r.FirstSeenAt,
	}
}

func (r *userRecord) toDomain() core.User {
	if r == nil {
		return core.User{}
	}
	return core.User{
		ID:          r.ID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		Language:    r.Language,
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
