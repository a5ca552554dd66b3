package fulfillment

import (
	"fmt"

	fulfillmentcommand "github.com/goliatone/go-fulfillment/command"
	fulfillmentquery "github.com/goliatone/go-fulfillment/query"
)

type CommandQueryService interface {
	fulfillmentcommand.MutatingService
	fulfillmentquery.OrderReader
	fulfillmentquery.CreditReader
}

type Commands struct {
	CreateOrder     *fulfillmentcommand.CreateOrderCommand
	ApplyOrderEvent *fulfillmentcommand.ApplyOrderEventCommand
	SubmitPrintJob  *fulfillmentcommand.SubmitPrintJobCommand
	RefundOrder     *fulfillmentcommand.RefundOrderCommand
	ReconcileOrders *fulfillmentcommand.ReconcileOrdersCommand
}

type Queries struct {
	GetOrder         *fulfillmentquery.GetOrderQuery
	GetCreditBalance *fulfillmentquery.GetCreditBalanceQuery
	ListOrderCredits *fulfillmentquery.ListOrderCreditsQuery
}

// Facade exposes the engine through go-command handlers so hosts can register
// them on a dispatcher or call them directly.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("fulfillment: command/query service is required")
	}
	facade := &Facade{service: service}
	facade.commands = Commands{
		CreateOrder:     fulfillmentcommand.NewCreateOrderCommand(service),
		ApplyOrderEvent: fulfillmentcommand.NewApplyOrderEventCommand(service),
		SubmitPrintJob:  fulfillmentcommand.NewSubmitPrintJobCommand(service),
		RefundOrder:     fulfillmentcommand.NewRefundOrderCommand(service),
		ReconcileOrders: fulfillmentcommand.NewReconcileOrdersCommand(service),
	}
	facade.queries = Queries{
		GetOrder:         fulfillmentquery.NewGetOrderQuery(service),
		GetCreditBalance: fulfillmentquery.NewGetCreditBalanceQuery(service),
		ListOrderCredits: fulfillmentquery.NewListOrderCreditsQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Engine)(nil)
