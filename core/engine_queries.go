package core

import (
	"context"
	"fmt"
	"strings"
)

func (e *Engine) GetOrder(ctx context.Context, orderID string) (PrintOrder, error) {
	if e == nil || e.orders == nil {
		return PrintOrder{}, fmt.Errorf("core: order store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PrintOrder{}, NewBadInputError("core: order id is required")
	}
	return e.orders.Get(ctx, orderID)
}

func (e *Engine) CreditBalance(ctx context.Context, userID string) (int64, error) {
	if e == nil || e.credits == nil {
		return 0, fmt.Errorf("core: credit ledger is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, NewBadInputError("core: user id is required")
	}
	return e.credits.Balance(ctx, userID)
}

func (e *Engine) ListOrderCredits(ctx context.Context, orderID string) ([]CreditTransaction, error) {
	if e == nil || e.credits == nil {
		return nil, fmt.Errorf("core: credit ledger is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, NewBadInputError("core: order id is required")
	}
	return e.credits.ListForOrder(ctx, orderID)
}

// RefundOrder is the operator entry point for a manual refund. A nil amount
// refunds whatever is still owed.
func (e *Engine) RefundOrder(ctx context.Context, orderID string, amount *int64, reason string) (RefundResult, error) {
	if e == nil || e.compensator == nil {
		return RefundResult{}, fmt.Errorf("core: compensator is not configured")
	}
	return e.compensator.Refund(ctx, orderID, amount, reason)
}

func (e *Engine) Reconcile(ctx context.Context) (SweepReport, error) {
	return NewReconciler(e).Sweep(ctx)
}
