package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-fulfillment/core"
	fulfillmentmigrations "github.com/goliatone/go-fulfillment/migrations"
	sqlstore "github.com/goliatone/go-fulfillment/store/sql"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-fulfillment-tests"
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:fulfillment-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(testPersistenceConfig{driver: "sqlite3", server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = fulfillmentmigrations.Register(ctx, func(_ context.Context, dialect string, fsys fs.FS) error {
		if dialect != fulfillmentmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, fulfillmentmigrations.WithValidationTargets(fulfillmentmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

func newFactory(t *testing.T) (*sqlstore.RepositoryFactory, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		cleanup()
		t.Fatalf("new repository factory: %v", err)
	}
	if err := factory.UpsertUser(context.Background(), core.User{ID: "user_1", Email: "reader@example.com", DisplayName: "Reader", Language: "EN"}); err != nil {
		cleanup()
		t.Fatalf("upsert user: %v", err)
	}
	return factory, cleanup
}

func createOrder(t *testing.T, orders core.OrderStore, id string, creditCost int64) core.PrintOrder {
	t.Helper()
	order, err := orders.Create(context.Background(), core.CreateOrderInput{
		ID:       id,
		UserID:   "user_1",
		BookID:   "book_1",
		Quantity: 2,
		Shipping: core.ShippingAddress{Name: "Reader", City: "Lisbon", CountryCode: "PT"},
		Cost: core.CostBreakdown{
			Manufacturing: decimal.RequireFromString("12.50"),
			Shipping:      decimal.RequireFromString("4.99"),
			Total:         decimal.RequireFromString("17.49"),
			Currency:      "EUR",
		},
		CreditCost: creditCost,
		PaymentRef: "cs_" + id,
	})
	if err != nil {
		t.Fatalf("create order %s: %v", id, err)
	}
	return order
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"print_orders",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query migrated table: %v", err)
	}
	if tableName != "print_orders" {
		t.Fatalf("expected print_orders table, got %q", tableName)
	}
}

func TestOrderStore_CreateAndCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	orders := factory.OrderStore()

	order := createOrder(t, orders, "order_1", 30)
	if order.Status != core.OrderStatusCreated || order.CreditCost != 30 {
		t.Fatalf("unexpected created order %+v", order)
	}
	if _, err := orders.Create(ctx, core.CreateOrderInput{ID: "order_1", UserID: "user_1", BookID: "book_1", Quantity: 1}); err == nil {
		t.Fatalf("expected duplicate order id to fail")
	}

	loaded, err := orders.Get(ctx, "order_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Shipping.City != "Lisbon" || !loaded.Cost.Total.Equal(decimal.RequireFromString("17.49")) || loaded.Cost.Currency != "EUR" {
		t.Fatalf("unexpected round trip %+v", loaded)
	}

	if _, err := orders.UpdateStatus(ctx, core.StatusUpdate{OrderID: "order_1", Expected: core.OrderStatusCreated, Next: core.OrderStatusPaid}); err != nil {
		t.Fatalf("update created->paid: %v", err)
	}
	_, err = orders.UpdateStatus(ctx, core.StatusUpdate{OrderID: "order_1", Expected: core.OrderStatusCreated, Next: core.OrderStatusPaid})
	if !errors.Is(err, core.ErrOrderStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	_, err = orders.UpdateStatus(ctx, core.StatusUpdate{OrderID: "missing", Expected: core.OrderStatusCreated, Next: core.OrderStatusPaid})
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	withJob, err := orders.SetProviderJob(ctx, "order_1", "job_77")
	if err != nil || withJob.ProviderJobID != "job_77" {
		t.Fatalf("set provider job: %+v %v", withJob, err)
	}
	byJob, err := orders.GetByProviderJobID(ctx, "job_77")
	if err != nil || byJob.ID != "order_1" {
		t.Fatalf("get by job: %+v %v", byJob, err)
	}

	shipped, err := orders.UpdateStatus(ctx, core.StatusUpdate{
		OrderID:        "order_1",
		Expected:       core.OrderStatusPaid,
		Next:           core.OrderStatusShipped,
		ProviderStatus: "SHIPPED",
		Tracking:       &core.Tracking{TrackingID: "T1", Carrier: "UPS", URLs: []string{"https://x"}},
	})
	if err != nil {
		t.Fatalf("update paid->shipped: %v", err)
	}
	if shipped.Tracking == nil || shipped.Tracking.TrackingID != "T1" || len(shipped.Tracking.URLs) != 1 || shipped.ProviderStatus != "SHIPPED" {
		t.Fatalf("unexpected shipped order %+v", shipped)
	}
}

func TestOrderStore_SubmissionClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	orders := factory.OrderStore()

	createOrder(t, orders, "order_1", 30)
	now := time.Now().UTC()
	if claimed, err := orders.ClaimSubmission(ctx, "order_1", now, now.Add(-time.Minute)); err != nil || claimed {
		t.Fatalf("expected created order to refuse a claim, got %v %v", claimed, err)
	}
	if _, err := orders.UpdateStatus(ctx, core.StatusUpdate{OrderID: "order_1", Expected: core.OrderStatusCreated, Next: core.OrderStatusPaid}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	if claimed, err := orders.ClaimSubmission(ctx, "order_1", now, now.Add(-time.Minute)); err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got %v %v", claimed, err)
	}
	if claimed, err := orders.ClaimSubmission(ctx, "order_1", now, now.Add(-time.Minute)); err != nil || claimed {
		t.Fatalf("expected held claim to block a second caller, got %v %v", claimed, err)
	}
	later := now.Add(10 * time.Minute)
	if claimed, err := orders.ClaimSubmission(ctx, "order_1", later, later.Add(-5*time.Minute)); err != nil || !claimed {
		t.Fatalf("expected expired claim to be taken over, got %v %v", claimed, err)
	}

	if err := orders.ReleaseSubmission(ctx, "order_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if claimed, err := orders.ClaimSubmission(ctx, "order_1", later, later.Add(-5*time.Minute)); err != nil || !claimed {
		t.Fatalf("expected released order to be claimable, got %v %v", claimed, err)
	}

	withJob, err := orders.SetProviderJob(ctx, "order_1", "job_1")
	if err != nil || withJob.SubmissionClaimedAt != nil {
		t.Fatalf("expected job id to clear the claim, got %+v %v", withJob, err)
	}
	if claimed, err := orders.ClaimSubmission(ctx, "order_1", later, later); err != nil || claimed {
		t.Fatalf("expected submitted order to refuse a claim, got %v %v", claimed, err)
	}
	if _, err := orders.ClaimSubmission(ctx, "missing", now, now); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderStore_FailuresAndSweepListings(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	orders := factory.OrderStore()

	createOrder(t, orders, "order_paid", 10)
	createOrder(t, orders, "order_rejected", 20)
	for _, id := range []string{"order_paid", "order_rejected"} {
		if _, err := orders.UpdateStatus(ctx, core.StatusUpdate{OrderID: id, Expected: core.OrderStatusCreated, Next: core.OrderStatusPaid}); err != nil {
			t.Fatalf("pay %s: %v", id, err)
		}
	}
	if _, err := orders.UpdateStatus(ctx, core.StatusUpdate{OrderID: "order_rejected", Expected: core.OrderStatusPaid, Next: core.OrderStatusRejected}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if err := orders.RecordFailure(ctx, "order_paid", "print api unavailable"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := orders.RecordFailure(ctx, "order_paid", "print api unavailable"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	failed, _ := orders.Get(ctx, "order_paid")
	if failed.RetryCount != 2 || failed.LastError != "print api unavailable" {
		t.Fatalf("unexpected failure bookkeeping %+v", failed)
	}

	awaiting, err := orders.ListAwaitingSubmission(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil || len(awaiting) != 1 || awaiting[0].ID != "order_paid" {
		t.Fatalf("expected order_paid awaiting submission, got %+v %v", awaiting, err)
	}
	awaiting, err = orders.ListAwaitingSubmission(ctx, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil || len(awaiting) != 0 {
		t.Fatalf("expected grace window to exclude fresh orders, got %+v %v", awaiting, err)
	}

	pending, err := orders.ListPendingRefunds(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != "order_rejected" {
		t.Fatalf("expected order_rejected pending refund, got %+v %v", pending, err)
	}
	if err := orders.MarkRefunded(ctx, "order_rejected", time.Now().UTC()); err != nil {
		t.Fatalf("mark refunded: %v", err)
	}
	pending, err = orders.ListPendingRefunds(ctx, 10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending refunds, got %+v %v", pending, err)
	}
	refunded, _ := orders.Get(ctx, "order_rejected")
	if !refunded.Refunded || refunded.RefundedAt == nil {
		t.Fatalf("expected refunded marker, got %+v", refunded)
	}
}

func TestCreditLedger_AppendIsIdempotentAndProjectsBalance(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	ledger := factory.CreditLedger()

	purchase := core.AppendCreditInput{UserID: "user_1", Delta: 50, Reason: core.CreditReasonPurchase, CorrelationID: "purchase:cs_1"}
	first, created, err := ledger.Append(ctx, purchase)
	if err != nil || !created {
		t.Fatalf("expected purchase to be created, got %v %v", created, err)
	}
	replay, created, err := ledger.Append(ctx, purchase)
	if err != nil || created || replay.ID != first.ID {
		t.Fatalf("expected replay to return the first entry, got %+v %v %v", replay, created, err)
	}

	if _, _, err := ledger.Append(ctx, core.AppendCreditInput{UserID: "user_1", OrderID: "order_1", Delta: 20, Reason: core.CreditReasonRefund, CorrelationID: "refund:order_1:0"}); err != nil {
		t.Fatalf("append refund: %v", err)
	}
	balance, err := ledger.Balance(ctx, "user_1")
	if err != nil || balance != 70 {
		t.Fatalf("expected balance 70, got %d %v", balance, err)
	}

	entries, err := ledger.ListForOrder(ctx, "order_1")
	if err != nil || len(entries) != 1 || entries[0].Reason != core.CreditReasonRefund {
		t.Fatalf("expected one refund for order_1, got %+v %v", entries, err)
	}

	_, _, err = ledger.Append(ctx, core.AppendCreditInput{UserID: "ghost", Delta: 5, Reason: core.CreditReasonAdjustment})
	if !errors.Is(err, core.ErrUserNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	if _, err := ledger.Balance(ctx, "ghost"); !errors.Is(err, core.ErrUserNotFound) {
		t.Fatalf("expected unknown user balance error, got %v", err)
	}

	if err := factory.UpsertUser(ctx, core.User{ID: "user_1", Email: "new@example.com"}); err != nil {
		t.Fatalf("refresh user: %v", err)
	}
	balance, _ = ledger.Balance(ctx, "user_1")
	if balance != 70 {
		t.Fatalf("expected profile upsert to keep balance, got %d", balance)
	}
}

func TestEventLedger_RecordsOncePerProviderEvent(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	ledger := factory.EventLedger()

	record := core.WebhookEventRecord{Provider: "Print", EventID: "evt_1", Outcome: core.EventOutcomeProcessed, OrderID: "order_1"}
	inserted, err := ledger.Record(ctx, record)
	if err != nil || !inserted {
		t.Fatalf("expected first record to insert, got %v %v", inserted, err)
	}
	inserted, err = ledger.Record(ctx, record)
	if err != nil || inserted {
		t.Fatalf("expected replay to be rejected, got %v %v", inserted, err)
	}

	found, ok, err := ledger.Lookup(ctx, "print", "evt_1")
	if err != nil || !ok || found.Outcome != core.EventOutcomeProcessed || found.OrderID != "order_1" {
		t.Fatalf("unexpected lookup %+v %v %v", found, ok, err)
	}
	if _, ok, err := ledger.Lookup(ctx, "payments", "evt_1"); err != nil || ok {
		t.Fatalf("expected other provider to miss, got %v %v", ok, err)
	}
}

func TestNotificationLedger_SeenOnlyAfterSuccessfulSend(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	ledger := factory.NotificationLedger()

	record := core.NotificationDispatchRecord{
		EventID:        "evt_1",
		OrderID:        "order_1",
		Category:       core.NotificationShipped,
		TemplateID:     "print-order-shipped-en",
		RecipientKey:   "user_1",
		IdempotencyKey: "key_1",
		Status:         "failed",
		Error:          "smtp down",
	}
	if err := ledger.Record(ctx, record); err != nil {
		t.Fatalf("record failed dispatch: %v", err)
	}
	if seen, err := ledger.Seen(ctx, "key_1"); err != nil || seen {
		t.Fatalf("expected failed dispatch to stay unseen, got %v %v", seen, err)
	}

	record.Status = "sent"
	record.Error = ""
	if err := ledger.Record(ctx, record); err != nil {
		t.Fatalf("record sent dispatch: %v", err)
	}
	if seen, err := ledger.Seen(ctx, "key_1"); err != nil || !seen {
		t.Fatalf("expected sent dispatch to be seen, got %v %v", seen, err)
	}
}

func TestCachedUserDirectory_InvalidatesOnUpsert(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	factory := sqlstore.NewRepositoryFactory().WithUserCache(cacheService)
	if _, err := factory.BuildStores(client); err != nil {
		t.Fatalf("build stores: %v", err)
	}
	if err := factory.UpsertUser(ctx, core.User{ID: "user_1", Email: "a@example.com", Language: "en"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	directory := factory.UserDirectory()
	if _, ok := directory.(*sqlstore.CachedUserDirectory); !ok {
		t.Fatalf("expected cached directory, got %T", directory)
	}
	user, err := directory.GetUser(ctx, "user_1")
	if err != nil || user.Email != "a@example.com" {
		t.Fatalf("unexpected user %+v %v", user, err)
	}

	if err := factory.UserStore().Upsert(ctx, core.User{ID: "user_1", Email: "b@example.com", Language: "en"}); err != nil {
		t.Fatalf("direct upsert: %v", err)
	}
	if user, _ := directory.GetUser(ctx, "user_1"); user.Email != "a@example.com" {
		t.Fatalf("expected cached value before invalidation, got %q", user.Email)
	}

	if err := factory.UpsertUser(ctx, core.User{ID: "user_1", Email: "c@example.com", Language: "en"}); err != nil {
		t.Fatalf("upsert through cache: %v", err)
	}
	if user, _ := directory.GetUser(ctx, "user_1"); user.Email != "c@example.com" {
		t.Fatalf("expected invalidated cache to reload, got %q", user.Email)
	}
	if _, err := directory.GetUser(ctx, "ghost"); !errors.Is(err, core.ErrUserNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}

type stubSubmitter struct{}

func (stubSubmitter) Submit(_ context.Context, req core.PrintJobRequest) (core.PrintJobReceipt, error) {
	return core.PrintJobReceipt{JobID: "job_" + req.Order.ID}, nil
}

func TestEngine_RejectedOrderRefundsAgainstSQLStores(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()

	engine, err := core.NewEngine(core.DefaultConfig(),
		core.WithRepositoryFactory(factory),
		core.WithPrintJobSubmitter(stubSubmitter{}),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	createOrder(t, factory.OrderStore(), "order_1", 30)

	paid, err := engine.Apply(ctx, core.OrderEvent{Provider: "payments", EventID: "evt_pay", Kind: core.EventKindPaymentConfirmed, OrderRef: "order_1"})
	if err != nil || paid.Order.ProviderJobID != "job_order_1" {
		t.Fatalf("apply payment: %+v %v", paid.Order, err)
	}
	for _, status := range []string{"in_production", "rejected", "canceled"} {
		if _, err := engine.Apply(ctx, core.OrderEvent{
			Provider:         "print",
			EventID:          "evt_" + status,
			Kind:             core.EventKindPrintJobStatus,
			ProviderObjectID: "job_order_1",
			Status:           core.PrintJobStatus{Name: status, Message: "cover file corrupt"},
		}); err != nil {
			t.Fatalf("apply %s: %v", status, err)
		}
	}

	order, err := engine.GetOrder(ctx, "order_1")
	if err != nil || order.Status != core.OrderStatusRejected || !order.Refunded {
		t.Fatalf("expected refunded rejected order, got %+v %v", order, err)
	}
	entries, err := engine.ListOrderCredits(ctx, "order_1")
	if err != nil {
		t.Fatalf("list credits: %v", err)
	}
	var refunded int64
	for _, entry := range entries {
		refunded += entry.Delta
	}
	if len(entries) != 1 || refunded != 30 {
		t.Fatalf("expected exactly one refund of 30, got %+v", entries)
	}
	balance, err := engine.CreditBalance(ctx, "user_1")
	if err != nil || balance != 30 {
		t.Fatalf("expected balance 30, got %d %v", balance, err)
	}
}
