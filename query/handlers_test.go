package query

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-fulfillment/core"
)

func TestGetOrderQuery_DelegatesToReader(t *testing.T) {
	reader := stubReader{
		orders: map[string]core.PrintOrder{
			"order_1": {ID: "order_1", Status: core.OrderStatusShipped},
		},
	}
	order, err := NewGetOrderQuery(reader).Query(context.Background(), GetOrderMessage{OrderID: "order_1"})
	if err != nil {
		t.Fatalf("query order: %v", err)
	}
	if order.Status != core.OrderStatusShipped {
		t.Fatalf("unexpected order %#v", order)
	}
	if _, err := NewGetOrderQuery(reader).Query(context.Background(), GetOrderMessage{OrderID: "missing"}); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreditQueries_DelegateToReader(t *testing.T) {
	reader := stubReader{
		balance: 42,
		credits: []core.CreditTransaction{{OrderID: "order_1", Delta: 10, Reason: core.CreditReasonRefund}},
	}
	balance, err := NewGetCreditBalanceQuery(reader).Query(context.Background(), GetCreditBalanceMessage{UserID: "u1"})
	if err != nil || balance != 42 {
		t.Fatalf("expected balance 42, got %d %v", balance, err)
	}
	entries, err := NewListOrderCreditsQuery(reader).Query(context.Background(), ListOrderCreditsMessage{OrderID: "order_1"})
	if err != nil || len(entries) != 1 || entries[0].Delta != 10 {
		t.Fatalf("unexpected credits %#v %v", entries, err)
	}
}

func TestQueries_ValidationAndDependencyErrors(t *testing.T) {
	var rich *goerrors.Error
	if err := (GetCreditBalanceMessage{}).Validate(); !goerrors.As(err, &rich) || rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected bad input envelope, got %v", err)
	}
	var q *ListOrderCreditsQuery
	_, err := q.Query(context.Background(), ListOrderCreditsMessage{OrderID: "order_1"})
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal envelope, got %v", err)
	}
}

type stubReader struct {
	orders  map[string]core.PrintOrder
	balance int64
	credits []core.CreditTransaction
}

func (s stubReader) GetOrder(_ context.Context, orderID string) (core.PrintOrder, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return core.PrintOrder{}, core.ErrOrderNotFound
	}
	return order, nil
}

func (s stubReader) CreditBalance(context.Context, string) (int64, error) {
	return s.balance, nil
}

func (s stubReader) ListOrderCredits(context.Context, string) ([]core.CreditTransaction, error) {
	return append([]core.CreditTransaction(nil), s.credits...), nil
}
