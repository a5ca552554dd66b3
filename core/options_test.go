package core

import (
	"context"
	"testing"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

func TestNewEngine_DefaultDependencies(t *testing.T) {
	fx, err := newEngineFixture()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	deps := fx.engine.Dependencies()
	if deps.Logger == nil || deps.LoggerProvider == nil {
		t.Fatalf("expected default logger and provider")
	}
	if deps.ErrorMapper == nil || deps.ConfigProvider == nil || deps.OptionsResolver == nil {
		t.Fatalf("expected default error mapper, config provider and options resolver")
	}
	cfg := fx.engine.Config()
	if cfg.ServiceName != "fulfillment" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Webhooks.PrintSignatureHeader != DefaultPrintSignatureHeader {
		t.Fatalf("expected default signature header, got %q", cfg.Webhooks.PrintSignatureHeader)
	}
	if cfg.Lifecycle.MaxTransitionAttempts != 3 {
		t.Fatalf("expected default transition attempts, got %d", cfg.Lifecycle.MaxTransitionAttempts)
	}
}

func TestNewEngine_RequiresStores(t *testing.T) {
	if _, err := NewEngine(Config{}, WithLogger(stubLogger{})); err == nil {
		t.Fatalf("expected error without stores")
	}
}

func TestNewEngine_ConfigLayering(t *testing.T) {
	loader := mapRawLoader{values: map[string]any{
		"service_name": "print-orders",
		"webhooks": map[string]any{
			"print_secret":   "from-file",
			"max_body_bytes": 2048,
		},
		"lifecycle": map[string]any{
			"reconcile_batch_size": 25,
		},
	}}
	fx, err := newEngineFixture(
		WithConfigProvider(NewCfgxConfigProvider(loader)),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg := fx.engine.Config()
	if cfg.ServiceName != "print-orders" || cfg.Webhooks.PrintSecret != "from-file" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.Webhooks.MaxBodyBytes != 2048 || cfg.Lifecycle.ReconcileBatchSize != 25 {
		t.Fatalf("expected numeric overrides, got %+v", cfg)
	}
	if cfg.Webhooks.PrintEventIDHeader != DefaultPrintEventIDHeader {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Webhooks.PrintEventIDHeader)
	}

	runtime := Config{Webhooks: WebhookConfig{PrintSecret: "from-runtime"}}
	resolved, err := GoOptionsResolver{}.Resolve(DefaultConfig(), cfg, runtime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Webhooks.PrintSecret != "from-runtime" || resolved.ServiceName != "print-orders" {
		t.Fatalf("expected runtime layer to win, got %+v", resolved)
	}
}

func TestNewEngine_InvalidConfigFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhooks.PrintSignatureEncoding = "rot13"
	_, err := newEngineFixture(WithConfigProvider(&fixedConfigProvider{cfg: cfg}))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
