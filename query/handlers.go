package query

import (
	"context"

	"github.com/goliatone/go-fulfillment/core"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (core.PrintOrder, error)
}

type CreditReader interface {
	CreditBalance(ctx context.Context, userID string) (int64, error)
	ListOrderCredits(ctx context.Context, orderID string) ([]core.CreditTransaction, error)
}

type GetOrderQuery struct {
	reader OrderReader
}

func NewGetOrderQuery(reader OrderReader) *GetOrderQuery {
	return &GetOrderQuery{reader: reader}
}

func (q *GetOrderQuery) Query(ctx context.Context, msg GetOrderMessage) (core.PrintOrder, error) {
	if q == nil || q.reader == nil {
		return core.PrintOrder{}, queryDependencyError("query: order reader is required")
	}
	return q.reader.GetOrder(ctx, msg.OrderID)
}

type GetCreditBalanceQuery struct {
	reader CreditReader
}

func NewGetCreditBalanceQuery(reader CreditReader) *GetCreditBalanceQuery {
	return &GetCreditBalanceQuery{reader: reader}
}

func (q *GetCreditBalanceQuery) Query(ctx context.Context, msg GetCreditBalanceMessage) (int64, error) {
	if q == nil || q.reader == nil {
		return 0, queryDependencyError("query: credit reader is required")
	}
	return q.reader.CreditBalance(ctx, msg.UserID)
}

type ListOrderCreditsQuery struct {
	reader CreditReader
}

func NewListOrderCreditsQuery(reader CreditReader) *ListOrderCreditsQuery {
	return &ListOrderCreditsQuery{reader: reader}
}

func (q *ListOrderCreditsQuery) Query(ctx context.Context, msg ListOrderCreditsMessage) ([]core.CreditTransaction, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: credit reader is required")
	}
	return q.reader.ListOrderCredits(ctx, msg.OrderID)
}
