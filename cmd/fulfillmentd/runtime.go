package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	fulfillment "github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/adapters/gocommand"
	"github.com/goliatone/go-fulfillment/adapters/gologger"
	"github.com/goliatone/go-fulfillment/core"
	fulfillmentmigrations "github.com/goliatone/go-fulfillment/migrations"
	sqlstore "github.com/goliatone/go-fulfillment/store/sql"
	"github.com/goliatone/go-fulfillment/transport"
	"github.com/goliatone/go-fulfillment/webhooks"
)

type runtime struct {
	config    AppConfig
	logger    core.Logger
	provider  core.LoggerProvider
	client    *persistence.Client
	factory   *sqlstore.RepositoryFactory
	engine    *fulfillment.Engine
	bus       *gocommand.Bus
	processor *webhooks.Processor
	closers   []func() error
}

// newLogger returns the root JSON logger. It is both the engine logger and
// the provider for named child loggers.
func newLogger(w io.Writer, debug bool) *glog.BaseLogger {
	level := glog.Info
	if debug {
		level = glog.Debug
	}
	return glog.NewLogger(
		glog.WithName("fulfillmentd"),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
		glog.WithWriter(w),
	)
}

func openPersistence(ctx context.Context, cfg DatabaseConfig) (*persistence.Client, error) {
	driver := cfg.GetDriver()
	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("fulfillmentd: open %s database: %w", driver, err)
	}
	var client *persistence.Client
	migrationDialect := fulfillmentmigrations.NormalizeDialect(driver)
	if migrationDialect == fulfillmentmigrations.DialectPostgres {
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
	} else {
		sqlDB.SetMaxOpenConns(1)
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("fulfillmentd: new persistence client: %w", err)
	}
	_, err = fulfillmentmigrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, fulfillmentmigrations.WithValidationTargets(migrationDialect))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildRuntime(ctx context.Context, cfg AppConfig, logger core.Logger) (*runtime, error) {
	rt := &runtime{config: cfg, logger: logger}
	if provider, ok := logger.(core.LoggerProvider); ok {
		rt.provider = provider
	}

	client, err := openPersistence(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.client = client
	rt.closers = append(rt.closers, client.Close)

	cacheConfig := repositorycache.DefaultConfig()
	if cfg.Cache.UserTTLSeconds > 0 {
		cacheConfig.TTL = seconds(cfg.Cache.UserTTLSeconds)
	}
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("fulfillmentd: new cache service: %w", err)
	}
	factory := sqlstore.NewRepositoryFactory().WithUserCache(cacheService)
	if _, err := factory.BuildStores(client); err != nil {
		rt.Close()
		return nil, err
	}
	rt.factory = factory

	opts := []fulfillment.Option{
		fulfillment.WithLogger(logger),
		fulfillment.WithRepositoryFactory(factory),
		fulfillment.WithEmailSender(rt.emailSender()),
	}
	if rt.provider != nil {
		opts = append(opts, fulfillment.WithLoggerProvider(rt.provider))
	}
	if strings.TrimSpace(cfg.PrintAPI.BaseURL) != "" {
		opts = append(opts, fulfillment.WithPrintJobSubmitter(transport.NewPrintAPIClient(transport.PrintAPIConfig{
			BaseURL:      cfg.PrintAPI.BaseURL,
			APIKey:       cfg.PrintAPI.APIKey,
			ContactEmail: cfg.PrintAPI.ContactEmail,
			Timeout:      seconds(cfg.PrintAPI.TimeoutSeconds),
		}, nil, logger)))
	} else {
		logger.Warn("print_api.base_url is not configured, paid orders will wait for reconciliation")
	}
	var sessions core.PaymentSessionRetriever
	if key := strings.TrimSpace(cfg.Stripe.APIKey); key != "" {
		retriever := transport.NewStripeSessionRetriever(key, nil)
		sessions = retriever
		opts = append(opts, fulfillment.WithPaymentSessionRetriever(retriever))
	}

	engine, err := fulfillment.NewEngine(cfg.Fulfillment, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine

	facade, err := fulfillment.NewFacade(engine)
	if err != nil {
		rt.Close()
		return nil, err
	}
	bus := gocommand.NewBus(nil)
	if err := bus.Register(facade); err != nil {
		rt.Close()
		return nil, err
	}
	rt.bus = bus
	rt.closers = append(rt.closers, bus.Close)
	if err := bus.Initialize(); err != nil {
		rt.Close()
		return nil, err
	}

	processor, err := webhooks.NewProcessor(engine, factory.EventLedger(), logger,
		webhooks.DefaultSources(engine.Config().Webhooks, sessions, logger)...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.processor = processor
	return rt, nil
}

// namedLogger resolves a child logger through the provider when one is set.
func (rt *runtime) namedLogger(name string) core.Logger {
	_, logger := gologger.Resolve(name, rt.provider, rt.logger)
	return logger
}

func (rt *runtime) emailSender() core.EmailSender {
	url := strings.TrimSpace(rt.config.AMQP.URL)
	if url == "" {
		return transport.NewLogEmailSender(rt.logger)
	}
	sender, err := transport.DialAMQPEmailSender(url, rt.config.AMQP.Queue, rt.logger)
	if err != nil {
		rt.logger.Error("amqp email sender unavailable, falling back to log sender", "error", err)
		return transport.NewLogEmailSender(rt.logger)
	}
	rt.closers = append(rt.closers, sender.Close)
	return sender
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.engine != nil {
		rt.engine.Wait()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close runtime resource", "error", err)
		}
	}
	rt.closers = nil
}
