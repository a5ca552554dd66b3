package query

import "strings"

const (
	TypeGetOrder         = "fulfillment.query.order.get"
	TypeGetCreditBalance = "fulfillment.query.credits.balance"
	TypeListOrderCredits = "fulfillment.query.credits.list_for_order"
)

type GetOrderMessage struct {
	OrderID string
}

func (GetOrderMessage) Type() string { return TypeGetOrder }

func (m GetOrderMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return queryValidationError("order_id", "order id is required")
	}
	return nil
}

type GetCreditBalanceMessage struct {
	UserID string
}

func (GetCreditBalanceMessage) Type() string { return TypeGetCreditBalance }

func (m GetCreditBalanceMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return queryValidationError("user_id", "user id is required")
	}
	return nil
}

type ListOrderCreditsMessage struct {
	OrderID string
}

func (ListOrderCreditsMessage) Type() string { return TypeListOrderCredits }

func (m ListOrderCreditsMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return queryValidationError("order_id", "order id is required")
	}
	return nil
}
