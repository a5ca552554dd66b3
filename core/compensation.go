package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type RefundResult struct {
	OrderID         string
	Amount          int64
	RefundedTotal   int64
	Remaining       int64
	Transaction     *CreditTransaction
	AlreadyRefunded bool
	MarkedRefunded  bool
}

// Compensator returns an order's credits to its owner. Every refund entry uses
// the correlation id refund:<order>:<credits refunded before it>, so two
// concurrent attempts computed from the same ledger state collide on the
// unique correlation id and at most one of them is recorded.
type Compensator struct {
	observer
	orders  OrderStore
	credits CreditLedger
	now     func() time.Time
}

func NewCompensator(orders OrderStore, credits CreditLedger, logger Logger, metrics MetricsRecorder) *Compensator {
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Compensator{
		observer: observer{logger: logger, metrics: metrics},
		orders:   orders,
		credits:  credits,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func RefundCorrelationID(orderID string, refundedBefore int64) string {
	return fmt.Sprintf("refund:%s:%d", strings.TrimSpace(orderID), refundedBefore)
}

func RefundAllowed(status OrderStatus) bool {
	switch status {
	case OrderStatusPaid, OrderStatusPrinting, OrderStatusDelivered, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Refund credits back amount, or the whole remainder when amount is nil.
// Amounts above the remainder are capped.
func (c *Compensator) Refund(ctx context.Context, orderID string, amount *int64, reason string) (result RefundResult, err error) {
	if c == nil {
		return RefundResult{}, NewCompensationError(fmt.Errorf("core: compensator is not configured"), nil)
	}
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"order_id": orderID,
		"reason":   reason,
	}
	defer func() {
		fields["amount"] = result.Amount
		fields["already_refunded"] = result.AlreadyRefunded
		c.observeOperation(ctx, startedAt, "refund", err, fields)
	}()
	return c.refund(ctx, orderID, amount, reason)
}

func (c *Compensator) refund(ctx context.Context, orderID string, amount *int64, reason string) (RefundResult, error) {
	if c == nil || c.orders == nil || c.credits == nil {
		return RefundResult{}, NewCompensationError(fmt.Errorf("core: compensator is not configured"), nil)
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return RefundResult{}, NewBadInputError("core: refund order id is required")
	}
	if amount != nil && *amount <= 0 {
		return RefundResult{}, NewBadInputError("core: refund amount must be positive")
	}
	meta := map[string]any{"order_id": orderID}

	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return RefundResult{}, err
		}
		return RefundResult{}, NewCompensationError(err, meta)
	}
	result := RefundResult{OrderID: order.ID}
	if order.Refunded {
		result.AlreadyRefunded = true
		result.RefundedTotal = order.CreditCost
		return result, nil
	}
	if !RefundAllowed(order.Status) {
		return RefundResult{}, fmt.Errorf("%w: %s", ErrRefundNotAllowed, order.Status)
	}

	refunded, err := c.refundedCredits(ctx, order.ID)
	if err != nil {
		return RefundResult{}, NewCompensationError(err, meta)
	}
	remaining := order.CreditCost - refunded
	if remaining <= 0 {
		result.AlreadyRefunded = true
		result.RefundedTotal = refunded
		if err := c.markRefunded(ctx, order.ID); err != nil {
			return RefundResult{}, NewCompensationError(err, meta)
		}
		result.MarkedRefunded = true
		return result, nil
	}

	value := remaining
	if amount != nil && *amount < remaining {
		value = *amount
	}
	txn, created, err := c.credits.Append(ctx, AppendCreditInput{
		UserID:        order.UserID,
		OrderID:       order.ID,
		Delta:         value,
		Reason:        CreditReasonRefund,
		CorrelationID: RefundCorrelationID(order.ID, refunded),
		Note:          strings.TrimSpace(reason),
	})
	if err != nil {
		return RefundResult{}, NewCompensationError(err, meta)
	}
	if created {
		result.Amount = value
		result.Transaction = &txn
		refunded += value
	} else {
		// A concurrent refund took this slot; report the ledger as it stands.
		refunded, err = c.refundedCredits(ctx, order.ID)
		if err != nil {
			return RefundResult{}, NewCompensationError(err, meta)
		}
		result.AlreadyRefunded = true
	}
	result.RefundedTotal = refunded
	result.Remaining = order.CreditCost - refunded
	if result.Remaining < 0 {
		result.Remaining = 0
	}

	if refunded >= order.CreditCost {
		if err := c.markRefunded(ctx, order.ID); err != nil {
			return RefundResult{}, NewCompensationError(err, meta)
		}
		result.MarkedRefunded = true
	}
	return result, nil
}

func (c *Compensator) refundedCredits(ctx context.Context, orderID string) (int64, error) {
	entries, err := c.credits.ListForOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range entries {
		if entry.Reason == CreditReasonRefund && entry.Delta > 0 {
			total += entry.Delta
		}
	}
	return total, nil
}

func (c *Compensator) markRefunded(ctx context.Context, orderID string) error {
	now := time.Now().UTC()
	if c.now != nil {
		now = c.now()
	}
	return c.orders.MarkRefunded(ctx, orderID, now)
}
