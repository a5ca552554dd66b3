package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	defaultMaxTransitionAttempts  = 3
	defaultSubmissionClaimSeconds = 300
)

type ApplyResult struct {
	Outcome EventOutcome
	Order   PrintOrder
	Plan    TransitionPlan
	Refund  *RefundResult
}

type EngineDependencies struct {
	Logger             Logger
	LoggerProvider     LoggerProvider
	MetricsRecorder    MetricsRecorder
	ErrorMapper        ErrorMapper
	PersistenceClient  any
	RepositoryFactory  any
	ConfigProvider     ConfigProvider
	OptionsResolver    OptionsResolver
	OrderStore         OrderStore
	CreditLedger       CreditLedger
	EventLedger        EventLedger
	UserDirectory      UserDirectory
	NotificationLedger NotificationLedger
	EmailSender        EmailSender
	PrintJobSubmitter  PrintJobSubmitter
	BookAssetResolver  BookAssetResolver
	SessionRetriever   PaymentSessionRetriever
}

// Engine applies verified provider events to print orders. It owns the
// transition loop and runs the side effects a transition plan asks for.
type Engine struct {
	observer
	config             Config
	loggerProvider     LoggerProvider
	errorMapper        ErrorMapper
	persistenceClient  any
	repositoryFactory  any
	configProvider     ConfigProvider
	optionsResolver    OptionsResolver
	orders             OrderStore
	credits            CreditLedger
	events             EventLedger
	users              UserDirectory
	notificationLedger NotificationLedger
	emailSender        EmailSender
	submitter          PrintJobSubmitter
	assets             BookAssetResolver
	sessions           PaymentSessionRetriever
	compensator        *Compensator
	notifier           *Dispatcher
	now                func() time.Time
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	builder := defaultEngineBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("fulfillment", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time {
			return time.Now().UTC()
		}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.repositoryFactory != nil {
		var stores StoreProvider
		if factory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			built, buildErr := factory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			stores = built
		} else if provided, ok := builder.repositoryFactory.(StoreProvider); ok {
			stores = provided
		}
		if stores != nil {
			if builder.orderStore == nil {
				builder.orderStore = stores.OrderStore()
			}
			if builder.creditLedger == nil {
				builder.creditLedger = stores.CreditLedger()
			}
			if builder.eventLedger == nil {
				builder.eventLedger = stores.EventLedger()
			}
			if builder.userDirectory == nil {
				builder.userDirectory = stores.UserDirectory()
			}
			if builder.notificationLedger == nil {
				builder.notificationLedger = stores.NotificationLedger()
			}
		}
	}
	if builder.orderStore == nil || builder.creditLedger == nil || builder.eventLedger == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: order store, credit ledger and event ledger are required"))
	}

	compensator := NewCompensator(
		builder.orderStore,
		builder.creditLedger,
		namedLogger(provider, logger, "fulfillment.compensation"),
		builder.metricsRecorder,
	)
	compensator.now = builder.now

	notifier := NewDispatcher(DispatcherConfig{
		Users:           builder.userDirectory,
		Sender:          builder.emailSender,
		Templates:       builder.templates,
		Ledger:          builder.notificationLedger,
		DefaultLanguage: finalConfig.Notifications.DefaultLanguage,
		Async:           finalConfig.Notifications.Async,
		Logger:          namedLogger(provider, logger, "fulfillment.notifications"),
		Metrics:         builder.metricsRecorder,
	})

	return &Engine{
		observer:           observer{logger: logger, metrics: builder.metricsRecorder},
		config:             finalConfig,
		loggerProvider:     provider,
		errorMapper:        builder.errorMapper,
		persistenceClient:  builder.persistenceClient,
		repositoryFactory:  builder.repositoryFactory,
		configProvider:     builder.configProvider,
		optionsResolver:    builder.optionsResolver,
		orders:             builder.orderStore,
		credits:            builder.creditLedger,
		events:             builder.eventLedger,
		users:              builder.userDirectory,
		notificationLedger: builder.notificationLedger,
		emailSender:        builder.emailSender,
		submitter:          builder.printSubmitter,
		assets:             builder.assetResolver,
		sessions:           builder.sessionRetriever,
		compensator:        compensator,
		notifier:           notifier,
		now:                builder.now,
	}, nil
}

func namedLogger(provider LoggerProvider, fallback Logger, name string) Logger {
	if provider != nil {
		if named := provider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return fallback
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

func (e *Engine) Dependencies() EngineDependencies {
	if e == nil {
		return EngineDependencies{}
	}
	return EngineDependencies{
		Logger:             e.logger,
		LoggerProvider:     e.loggerProvider,
		MetricsRecorder:    e.metrics,
		ErrorMapper:        e.errorMapper,
		PersistenceClient:  e.persistenceClient,
		RepositoryFactory:  e.repositoryFactory,
		ConfigProvider:     e.configProvider,
		OptionsResolver:    e.optionsResolver,
		OrderStore:         e.orders,
		CreditLedger:       e.credits,
		EventLedger:        e.events,
		UserDirectory:      e.users,
		NotificationLedger: e.notificationLedger,
		EmailSender:        e.emailSender,
		PrintJobSubmitter:  e.submitter,
		BookAssetResolver:  e.assets,
		SessionRetriever:   e.sessions,
	}
}

func (e *Engine) Compensator() *Compensator {
	if e == nil {
		return nil
	}
	return e.compensator
}

func (e *Engine) Notifier() *Dispatcher {
	if e == nil {
		return nil
	}
	return e.notifier
}

// Wait drains asynchronous notifications.
func (e *Engine) Wait() {
	if e == nil {
		return
	}
	e.notifier.Wait()
}

func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (order PrintOrder, err error) {
	if e == nil || e.orders == nil {
		return PrintOrder{}, fmt.Errorf("core: order store is not configured")
	}
	startedAt := time.Now().UTC()
	fields := map[string]any{"user_id": in.UserID, "book_id": in.BookID}
	defer func() {
		fields["order_id"] = order.ID
		e.observeOperation(ctx, startedAt, "create_order", err, fields)
	}()
	if err := in.Validate(); err != nil {
		return PrintOrder{}, err
	}
	return e.orders.Create(ctx, in)
}

// Apply routes one verified event. Errors are fatal for the delivery: the
// caller must not record the event so the provider retries it.
func (e *Engine) Apply(ctx context.Context, event OrderEvent) (result ApplyResult, err error) {
	if e == nil || e.orders == nil {
		return ApplyResult{}, fmt.Errorf("core: engine is not configured")
	}
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"provider":  event.Provider,
		"event_id":  event.EventID,
		"topic":     event.Topic,
		"kind":      string(event.Kind),
		"order_ref": event.OrderRef,
	}
	defer func() {
		fields["outcome"] = string(result.Outcome)
		if result.Order.ID != "" {
			fields["order_id"] = result.Order.ID
			fields["order_status"] = string(result.Order.Status)
		}
		e.observeOperation(ctx, startedAt, "apply_event", err, fields)
	}()

	switch event.Kind {
	case EventKindPaymentConfirmed, EventKindPrintJobStatus:
		return e.applyOrderEvent(ctx, event)
	case EventKindCreditPurchase:
		return e.applyCreditPurchase(ctx, event)
	default:
		return ApplyResult{Outcome: EventOutcomeIgnored}, nil
	}
}

func (e *Engine) applyOrderEvent(ctx context.Context, event OrderEvent) (ApplyResult, error) {
	order, found, err := e.resolveOrder(ctx, event)
	if err != nil {
		return ApplyResult{}, NewTransitionPersistenceError(err, map[string]any{"order_ref": event.OrderRef})
	}
	if !found {
		e.log(ctx, "warn", "event references unknown order", map[string]any{
			"provider":           event.Provider,
			"event_id":           event.EventID,
			"order_ref":          event.OrderRef,
			"provider_object_id": event.ProviderObjectID,
		})
		return ApplyResult{Outcome: EventOutcomeUnknownOrder}, nil
	}

	maxAttempts := e.config.Lifecycle.MaxTransitionAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxTransitionAttempts
	}
	meta := map[string]any{"order_id": order.ID, "event_id": event.EventID}

	var plan TransitionPlan
	persisted := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		plan, err = Transition(order, event)
		if err != nil {
			return ApplyResult{Order: order}, NewTransitionPersistenceError(err, meta)
		}
		if !plan.Applicable || !planHasWork(order, plan) {
			return ApplyResult{Outcome: EventOutcomeNoop, Order: order, Plan: plan}, nil
		}
		if !planNeedsUpdate(order, plan) {
			persisted = true
			break
		}
		updated, updateErr := e.orders.UpdateStatus(ctx, plan.StatusUpdate(order.ID))
		if updateErr == nil {
			order = updated
			persisted = true
			break
		}
		if !errors.Is(updateErr, ErrOrderStatusConflict) {
			return ApplyResult{Order: order}, NewTransitionPersistenceError(updateErr, meta)
		}
		e.log(ctx, "debug", "order status changed concurrently, reloading", map[string]any{
			"order_id": order.ID,
			"attempt":  attempt,
		})
		order, err = e.orders.Get(ctx, order.ID)
		if err != nil {
			return ApplyResult{}, NewTransitionPersistenceError(err, meta)
		}
	}
	if !persisted {
		return ApplyResult{Order: order}, NewTransitionPersistenceError(ErrOrderStatusConflict, meta)
	}

	result := ApplyResult{Outcome: EventOutcomeProcessed, Order: order, Plan: plan}
	for _, effect := range plan.Effects {
		switch effect.Kind {
		case EffectSubmitPrintJob:
			submitted, err := e.submitPrintJob(ctx, result.Order)
			if err != nil {
				return result, err
			}
			result.Order = submitted
		case EffectRefund:
			refund, err := e.compensator.Refund(ctx, result.Order.ID, nil, effect.Reason)
			if err != nil {
				return result, err
			}
			result.Refund = &refund
			if refund.MarkedRefunded || refund.AlreadyRefunded {
				result.Order.Refunded = true
			}
		case EffectNotify:
			e.notifier.Dispatch(ctx, NotificationRequest{
				Order:    result.Order,
				Category: effect.Category,
				EventID:  event.EventID,
				Message:  effect.Reason,
			})
		}
	}
	return result, nil
}

// planHasWork filters self-transitions that would repeat what is already
// stored, such as a duplicate provider status under a new event id.
func planHasWork(order PrintOrder, plan TransitionPlan) bool {
	if plan.Changed() || plan.Has(EffectSubmitPrintJob) || plan.Has(EffectRefund) {
		return true
	}
	return planNeedsUpdate(order, plan)
}

func planNeedsUpdate(order PrintOrder, plan TransitionPlan) bool {
	if plan.Changed() {
		return true
	}
	if plan.ProviderStatus != order.ProviderStatus || plan.StatusMessage != order.StatusMessage {
		return true
	}
	return plan.Tracking != nil && !plan.Tracking.Empty()
}

func (e *Engine) resolveOrder(ctx context.Context, event OrderEvent) (PrintOrder, bool, error) {
	if event.Kind == EventKindPrintJobStatus {
		if jobID := strings.TrimSpace(event.ProviderObjectID); jobID != "" {
			order, err := e.orders.GetByProviderJobID(ctx, jobID)
			if err == nil {
				return order, true, nil
			}
			if !errors.Is(err, ErrOrderNotFound) {
				return PrintOrder{}, false, err
			}
		}
	}

	ref := strings.TrimSpace(event.OrderRef)
	if ref == "" && event.Payment != nil {
		ref = strings.TrimSpace(event.Payment.OrderID)
	}
	if ref == "" {
		return PrintOrder{}, false, nil
	}
	order, err := e.orders.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return PrintOrder{}, false, nil
		}
		return PrintOrder{}, false, err
	}
	return order, true, nil
}

// SubmitPrintJob submits a paid order that has no provider job yet. It is the
// entry point used by reconciliation.
func (e *Engine) SubmitPrintJob(ctx context.Context, orderID string) (PrintOrder, error) {
	if e == nil || e.orders == nil {
		return PrintOrder{}, fmt.Errorf("core: order store is not configured")
	}
	order, err := e.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return PrintOrder{}, err
	}
	if order.Status != OrderStatusPaid {
		return order, nil
	}
	return e.submitPrintJob(ctx, order)
}

func (e *Engine) submitPrintJob(ctx context.Context, order PrintOrder) (updated PrintOrder, err error) {
	if strings.TrimSpace(order.ProviderJobID) != "" {
		return order, nil
	}
	startedAt := time.Now().UTC()
	fields := map[string]any{"order_id": order.ID, "order_status": string(order.Status)}
	defer func() {
		if updated.ProviderJobID != "" {
			fields["provider_job_id"] = updated.ProviderJobID
		}
		e.observeOperation(ctx, startedAt, "submit_print_job", err, fields)
	}()
	meta := map[string]any{"order_id": order.ID}

	if e.submitter == nil {
		return order, NewSubmissionError(fmt.Errorf("core: print job submitter is not configured"), meta)
	}

	now := e.now()
	claimed, err := e.orders.ClaimSubmission(ctx, order.ID, now, now.Add(-e.submissionClaimTTL()))
	if err != nil {
		return order, NewTransitionPersistenceError(err, meta)
	}
	if !claimed {
		current, getErr := e.orders.Get(ctx, order.ID)
		if getErr == nil && strings.TrimSpace(current.ProviderJobID) != "" {
			return current, nil
		}
		return order, NewSubmissionInProgressError(meta)
	}

	var files BookFiles
	if e.assets != nil {
		files, err = e.assets.Resolve(ctx, order)
		if err != nil {
			e.abandonSubmission(ctx, order.ID, err)
			return order, NewSubmissionError(err, meta)
		}
	}
	receipt, err := e.submitter.Submit(ctx, PrintJobRequest{
		Order:          order,
		Files:          files,
		IdempotencyKey: order.ID,
	})
	if err != nil {
		e.abandonSubmission(ctx, order.ID, err)
		return order, NewSubmissionError(err, meta)
	}
	if strings.TrimSpace(receipt.JobID) == "" {
		err = fmt.Errorf("core: print provider returned an empty job id")
		e.abandonSubmission(ctx, order.ID, err)
		return order, NewSubmissionError(err, meta)
	}
	updated, err = e.orders.SetProviderJob(ctx, order.ID, receipt.JobID)
	if err != nil {
		return order, NewTransitionPersistenceError(err, meta)
	}
	return updated, nil
}

func (e *Engine) submissionClaimTTL() time.Duration {
	seconds := e.config.Lifecycle.SubmissionClaimSeconds
	if seconds <= 0 {
		seconds = defaultSubmissionClaimSeconds
	}
	return time.Duration(seconds) * time.Second
}

// abandonSubmission records the failure and frees the claim so a provider
// retry can submit again without waiting for the claim to expire.
func (e *Engine) abandonSubmission(ctx context.Context, orderID string, cause error) {
	e.recordFailure(ctx, orderID, cause)
	if err := e.orders.ReleaseSubmission(ctx, orderID); err != nil {
		e.log(ctx, "warn", "submission claim could not be released", map[string]any{
			"order_id": orderID,
			"error":    err.Error(),
		})
	}
}

func (e *Engine) recordFailure(ctx context.Context, orderID string, cause error) {
	if err := e.orders.RecordFailure(ctx, orderID, cause.Error()); err != nil {
		e.log(ctx, "warn", "order failure could not be recorded", map[string]any{
			"order_id": orderID,
			"error":    err.Error(),
		})
	}
}

// PurchaseCorrelationID keys a credit purchase to its checkout session.
func PurchaseCorrelationID(sessionID string) string {
	return "purchase:" + strings.TrimSpace(sessionID)
}

func (e *Engine) applyCreditPurchase(ctx context.Context, event OrderEvent) (ApplyResult, error) {
	payment := event.Payment
	if payment == nil || strings.TrimSpace(payment.UserID) == "" || payment.Credits <= 0 || strings.TrimSpace(payment.SessionID) == "" {
		return ApplyResult{}, NewMalformedEventError(fmt.Errorf("core: credit purchase requires session, user and credits"), map[string]any{
			"event_id": event.EventID,
		})
	}
	_, created, err := e.credits.Append(ctx, AppendCreditInput{
		UserID:        payment.UserID,
		Delta:         payment.Credits,
		Reason:        CreditReasonPurchase,
		CorrelationID: PurchaseCorrelationID(payment.SessionID),
		Note:          "checkout session " + payment.SessionID,
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.log(ctx, "warn", "credit purchase references unknown user", map[string]any{
				"event_id": event.EventID,
				"user_id":  payment.UserID,
			})
			return ApplyResult{Outcome: EventOutcomeIgnored}, nil
		}
		return ApplyResult{}, NewTransitionPersistenceError(err, map[string]any{
			"event_id": event.EventID,
			"user_id":  payment.UserID,
		})
	}
	if !created {
		return ApplyResult{Outcome: EventOutcomeNoop}, nil
	}
	return ApplyResult{Outcome: EventOutcomeProcessed}, nil
}
