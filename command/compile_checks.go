package command

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-fulfillment/core"
)

var (
	_ gocmd.Commander[CreateOrderMessage]     = (*CreateOrderCommand)(nil)
	_ gocmd.Commander[ApplyOrderEventMessage] = (*ApplyOrderEventCommand)(nil)
	_ gocmd.Commander[SubmitPrintJobMessage]  = (*SubmitPrintJobCommand)(nil)
	_ gocmd.Commander[RefundOrderMessage]     = (*RefundOrderCommand)(nil)
	_ gocmd.Commander[ReconcileOrdersMessage] = (*ReconcileOrdersCommand)(nil)

	_ MutatingService = (*core.Engine)(nil)
)
