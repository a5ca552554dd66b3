package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-fulfillment/core"
)

type MutatingService interface {
	CreateOrder(ctx context.Context, in core.CreateOrderInput) (core.PrintOrder, error)
	Apply(ctx context.Context, event core.OrderEvent) (core.ApplyResult, error)
	SubmitPrintJob(ctx context.Context, orderID string) (core.PrintOrder, error)
	RefundOrder(ctx context.Context, orderID string, amount *int64, reason string) (core.RefundResult, error)
	Reconcile(ctx context.Context) (core.SweepReport, error)
}

type CreateOrderCommand struct {
	service MutatingService
}

func NewCreateOrderCommand(service MutatingService) *CreateOrderCommand {
	return &CreateOrderCommand{service: service}
}

func (c *CreateOrderCommand) Execute(ctx context.Context, msg CreateOrderMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: create order service is required")
	}
	out, err := c.service.CreateOrder(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

// ApplyOrderEventCommand feeds an already verified event into the engine.
// Operators use it to replay events captured outside the webhook ingress.
type ApplyOrderEventCommand struct {
	service MutatingService
}

func NewApplyOrderEventCommand(service MutatingService) *ApplyOrderEventCommand {
	return &ApplyOrderEventCommand{service: service}
}

func (c *ApplyOrderEventCommand) Execute(ctx context.Context, msg ApplyOrderEventMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: apply event service is required")
	}
	out, err := c.service.Apply(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SubmitPrintJobCommand struct {
	service MutatingService
}

func NewSubmitPrintJobCommand(service MutatingService) *SubmitPrintJobCommand {
	return &SubmitPrintJobCommand{service: service}
}

func (c *SubmitPrintJobCommand) Execute(ctx context.Context, msg SubmitPrintJobMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: submit print job service is required")
	}
	out, err := c.service.SubmitPrintJob(ctx, msg.OrderID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefundOrderCommand struct {
	service MutatingService
}

func NewRefundOrderCommand(service MutatingService) *RefundOrderCommand {
	return &RefundOrderCommand{service: service}
}

func (c *RefundOrderCommand) Execute(ctx context.Context, msg RefundOrderMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refund service is required")
	}
	out, err := c.service.RefundOrder(ctx, msg.OrderID, msg.Amount, msg.Reason)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReconcileOrdersCommand struct {
	service MutatingService
}

func NewReconcileOrdersCommand(service MutatingService) *ReconcileOrdersCommand {
	return &ReconcileOrdersCommand{service: service}
}

func (c *ReconcileOrdersCommand) Execute(ctx context.Context, _ ReconcileOrdersMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reconcile service is required")
	}
	out, err := c.service.Reconcile(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
