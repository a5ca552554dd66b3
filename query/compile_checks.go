package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-fulfillment/core"
)

var (
	_ gocmd.Querier[GetOrderMessage, core.PrintOrder]                  = (*GetOrderQuery)(nil)
	_ gocmd.Querier[GetCreditBalanceMessage, int64]                    = (*GetCreditBalanceQuery)(nil)
	_ gocmd.Querier[ListOrderCreditsMessage, []core.CreditTransaction] = (*ListOrderCreditsQuery)(nil)

	_ OrderReader  = (*core.Engine)(nil)
	_ CreditReader = (*core.Engine)(nil)
)
