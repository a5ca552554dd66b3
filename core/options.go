package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type engineBuilder struct {
	runtimeConfig      Config
	logger             Logger
	loggerProvider     LoggerProvider
	metricsRecorder    MetricsRecorder
	errorMapper        ErrorMapper
	persistenceClient  any
	repositoryFactory  any
	configProvider     ConfigProvider
	optionsResolver    OptionsResolver
	orderStore         OrderStore
	creditLedger       CreditLedger
	eventLedger        EventLedger
	userDirectory      UserDirectory
	notificationLedger NotificationLedger
	emailSender        EmailSender
	templates          TemplateCatalog
	printSubmitter     PrintJobSubmitter
	assetResolver      BookAssetResolver
	sessionRetriever   PaymentSessionRetriever
	now                func() time.Time
}

type Option func(*engineBuilder)

func WithLogger(logger Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *engineBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *engineBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *engineBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithOrderStore(store OrderStore) Option {
	return func(b *engineBuilder) {
		b.orderStore = store
	}
}

func WithCreditLedger(ledger CreditLedger) Option {
	return func(b *engineBuilder) {
		b.creditLedger = ledger
	}
}

func WithEventLedger(ledger EventLedger) Option {
	return func(b *engineBuilder) {
		b.eventLedger = ledger
	}
}

func WithUserDirectory(directory UserDirectory) Option {
	return func(b *engineBuilder) {
		b.userDirectory = directory
	}
}

func WithNotificationLedger(ledger NotificationLedger) Option {
	return func(b *engineBuilder) {
		b.notificationLedger = ledger
	}
}

func WithEmailSender(sender EmailSender) Option {
	return func(b *engineBuilder) {
		b.emailSender = sender
	}
}

func WithTemplateCatalog(catalog TemplateCatalog) Option {
	return func(b *engineBuilder) {
		b.templates = catalog
	}
}

func WithPrintJobSubmitter(submitter PrintJobSubmitter) Option {
	return func(b *engineBuilder) {
		b.printSubmitter = submitter
	}
}

func WithBookAssetResolver(resolver BookAssetResolver) Option {
	return func(b *engineBuilder) {
		b.assetResolver = resolver
	}
}

func WithPaymentSessionRetriever(retriever PaymentSessionRetriever) Option {
	return func(b *engineBuilder) {
		b.sessionRetriever = retriever
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *engineBuilder) {
		b.now = now
	}
}

func defaultEngineBuilder(runtime Config) engineBuilder {
	loggerProvider, logger := glog.Resolve("fulfillment", nil, nil)
	return engineBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     MapError,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		templates:       DefaultTemplateCatalog(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyMap(l.Values), nil
}

// StaticConfigLoader serves an already decoded configuration map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap drops zero values from non-default layers so they do not
// shadow lower layers.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	webhooks := map[string]any{}
	putString(webhooks, "payment_secret", cfg.Webhooks.PaymentSecret, includeZero)
	putString(webhooks, "print_secret", cfg.Webhooks.PrintSecret, includeZero)
	putString(webhooks, "print_signature_header", cfg.Webhooks.PrintSignatureHeader, includeZero)
	putString(webhooks, "print_signature_encoding", cfg.Webhooks.PrintSignatureEncoding, includeZero)
	putString(webhooks, "print_event_id_header", cfg.Webhooks.PrintEventIDHeader, includeZero)
	if includeZero || cfg.Webhooks.MaxBodyBytes > 0 {
		webhooks["max_body_bytes"] = cfg.Webhooks.MaxBodyBytes
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}

	lifecycle := map[string]any{}
	putInt(lifecycle, "max_transition_attempts", cfg.Lifecycle.MaxTransitionAttempts, includeZero)
	putInt(lifecycle, "reconcile_grace_seconds", cfg.Lifecycle.ReconcileGraceSeconds, includeZero)
	putInt(lifecycle, "reconcile_batch_size", cfg.Lifecycle.ReconcileBatchSize, includeZero)
	putInt(lifecycle, "submission_claim_seconds", cfg.Lifecycle.SubmissionClaimSeconds, includeZero)
	if len(lifecycle) > 0 {
		layer["lifecycle"] = lifecycle
	}

	notifications := map[string]any{}
	putString(notifications, "default_language", cfg.Notifications.DefaultLanguage, includeZero)
	if includeZero || cfg.Notifications.Async {
		notifications["async"] = cfg.Notifications.Async
	}
	if len(notifications) > 0 {
		layer["notifications"] = notifications
	}
	return layer
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value > 0 {
		layer[key] = value
	}
}
