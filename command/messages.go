package command

import (
	"strings"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	TypeCreateOrder     = "fulfillment.command.order.create"
	TypeApplyOrderEvent = "fulfillment.command.event.apply"
	TypeSubmitPrintJob  = "fulfillment.command.order.submit"
	TypeRefundOrder     = "fulfillment.command.order.refund"
	TypeReconcileOrders = "fulfillment.command.orders.reconcile"
)

type CreateOrderMessage struct {
	Input core.CreateOrderInput
}

func (CreateOrderMessage) Type() string { return TypeCreateOrder }

func (m CreateOrderMessage) Validate() error {
	if strings.TrimSpace(m.Input.UserID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	if strings.TrimSpace(m.Input.BookID) == "" {
		return commandValidationError("book_id", "book id is required")
	}
	if m.Input.Quantity <= 0 {
		return commandValidationError("quantity", "quantity must be positive")
	}
	if m.Input.CreditCost < 0 {
		return commandValidationError("credit_cost", "credit cost must not be negative")
	}
	return nil
}

type ApplyOrderEventMessage struct {
	Event core.OrderEvent
}

func (ApplyOrderEventMessage) Type() string { return TypeApplyOrderEvent }

func (m ApplyOrderEventMessage) Validate() error {
	if strings.TrimSpace(m.Event.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	if strings.TrimSpace(m.Event.EventID) == "" {
		return commandValidationError("event_id", "event id is required")
	}
	return nil
}

type SubmitPrintJobMessage struct {
	OrderID string
}

func (SubmitPrintJobMessage) Type() string { return TypeSubmitPrintJob }

func (m SubmitPrintJobMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return commandValidationError("order_id", "order id is required")
	}
	return nil
}

type RefundOrderMessage struct {
	OrderID string
	// Amount caps the refund. Nil refunds the remaining balance.
	Amount *int64
	Reason string
}

func (RefundOrderMessage) Type() string { return TypeRefundOrder }

func (m RefundOrderMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return commandValidationError("order_id", "order id is required")
	}
	if m.Amount != nil && *m.Amount <= 0 {
		return commandValidationError("amount", "amount must be positive")
	}
	return nil
}

type ReconcileOrdersMessage struct{}

func (ReconcileOrdersMessage) Type() string { return TypeReconcileOrders }

func (ReconcileOrdersMessage) Validate() error { return nil }
