package fulfillment_test

import (
	"context"
	"sync"
	"testing"

	gocmd "github.com/goliatone/go-command"

	fulfillment "github.com/goliatone/go-fulfillment"
	fulfillmentcommand "github.com/goliatone/go-fulfillment/command"
	"github.com/goliatone/go-fulfillment/core"
	fulfillmentquery "github.com/goliatone/go-fulfillment/query"
	memorystore "github.com/goliatone/go-fulfillment/store/memory"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	calls int
}

func (s *recordingSubmitter) Submit(_ context.Context, _ core.PrintJobRequest) (core.PrintJobReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return core.PrintJobReceipt{JobID: "job_1", Status: "CREATED"}, nil
}

type discardSender struct{}

func (discardSender) Send(context.Context, core.EmailMessage) error { return nil }

func newFacadeFixture(t *testing.T) (*fulfillment.Facade, *fulfillment.Engine, *recordingSubmitter) {
	t.Helper()
	store := memorystore.New()
	if err := store.UpsertUser(context.Background(), core.User{ID: "user_1", Email: "reader@example.com", Language: "en"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	submitter := &recordingSubmitter{}
	engine, err := fulfillment.NewEngine(fulfillment.DefaultConfig(),
		fulfillment.WithRepositoryFactory(store),
		fulfillment.WithPrintJobSubmitter(submitter),
		fulfillment.WithEmailSender(discardSender{}),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	facade, err := fulfillment.NewFacade(engine)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return facade, engine, submitter
}

func TestNewFacade_RequiresService(t *testing.T) {
	if _, err := fulfillment.NewFacade(nil); err == nil {
		t.Fatalf("expected error for nil service")
	}
	var facade *fulfillment.Facade
	if facade.Service() != nil || facade.Commands().CreateOrder != nil || facade.Queries().GetOrder != nil {
		t.Fatalf("expected zero values from nil facade")
	}
}

func TestFacade_OrderLifecycleThroughCommandsAndQueries(t *testing.T) {
	facade, engine, submitter := newFacadeFixture(t)
	ctx := context.Background()
	commands := facade.Commands()
	queries := facade.Queries()

	created := gocmd.NewResult[core.PrintOrder]()
	createMsg := fulfillmentcommand.CreateOrderMessage{Input: core.CreateOrderInput{
		ID:         "order_1",
		UserID:     "user_1",
		BookID:     "book_1",
		Quantity:   1,
		CreditCost: 10,
	}}
	if err := commands.CreateOrder.Execute(gocmd.ContextWithResult(ctx, created), createMsg); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order, ok := created.Load(); !ok || order.Status != core.OrderStatusCreated {
		t.Fatalf("unexpected created order %#v", order)
	}

	applied := gocmd.NewResult[core.ApplyResult]()
	applyMsg := fulfillmentcommand.ApplyOrderEventMessage{Event: core.OrderEvent{
		Provider: "payments",
		EventID:  "evt_paid_1",
		Kind:     core.EventKindPaymentConfirmed,
		OrderRef: "order_1",
		Payment:  &core.PaymentDetails{OrderID: "order_1", UserID: "user_1"},
	}}
	if err := commands.ApplyOrderEvent.Execute(gocmd.ContextWithResult(ctx, applied), applyMsg); err != nil {
		t.Fatalf("apply payment: %v", err)
	}
	result, ok := applied.Load()
	if !ok || result.Outcome != core.EventOutcomeProcessed {
		t.Fatalf("unexpected apply result %#v", result)
	}
	if submitter.calls != 1 {
		t.Fatalf("expected one print job submission, got %d", submitter.calls)
	}

	order, err := queries.GetOrder.Query(ctx, fulfillmentquery.GetOrderMessage{OrderID: "order_1"})
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != core.OrderStatusPaid || order.ProviderJobID != "job_1" {
		t.Fatalf("expected paid order with job id, got %#v", order)
	}

	balance, err := queries.GetCreditBalance.Query(ctx, fulfillmentquery.GetCreditBalanceMessage{UserID: "user_1"})
	if err != nil {
		t.Fatalf("credit balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected empty balance before any refund, got %d", balance)
	}

	engine.Wait()
}

func TestFacade_ReconcileCommandStoresReport(t *testing.T) {
	facade, engine, _ := newFacadeFixture(t)
	collector := gocmd.NewResult[core.SweepReport]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().ReconcileOrders.Execute(ctx, fulfillmentcommand.ReconcileOrdersMessage{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := collector.Load(); !ok {
		t.Fatalf("expected sweep report in result collector")
	}
	engine.Wait()
}
