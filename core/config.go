package core

import (
	"fmt"
	"strings"
)

const (
	DefaultPrintSignatureHeader = "X-Print-Hmac-Sha256"
	DefaultPrintEventIDHeader   = "X-Print-Event-Id"
	DefaultMaxBodyBytes         = int64(1 << 20)
)

type WebhookConfig struct {
	PaymentSecret          string `koanf:"payment_secret" mapstructure:"payment_secret"`
	PrintSecret            string `koanf:"print_secret" mapstructure:"print_secret"`
	PrintSignatureHeader   string `koanf:"print_signature_header" mapstructure:"print_signature_header"`
	PrintSignatureEncoding string `koanf:"print_signature_encoding" mapstructure:"print_signature_encoding"`
	PrintEventIDHeader     string `koanf:"print_event_id_header" mapstructure:"print_event_id_header"`
	MaxBodyBytes           int64  `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
}

type LifecycleConfig struct {
	MaxTransitionAttempts int `koanf:"max_transition_attempts" mapstructure:"max_transition_attempts"`
	ReconcileGraceSeconds int `koanf:"reconcile_grace_seconds" mapstructure:"reconcile_grace_seconds"`
	ReconcileBatchSize    int `koanf:"reconcile_batch_size" mapstructure:"reconcile_batch_size"`
	// SubmissionClaimSeconds bounds how long a crashed submitter blocks others.
	SubmissionClaimSeconds int `koanf:"submission_claim_seconds" mapstructure:"submission_claim_seconds"`
}

type NotificationConfig struct {
	DefaultLanguage string `koanf:"default_language" mapstructure:"default_language"`
	Async           bool   `koanf:"async" mapstructure:"async"`
}

type Config struct {
	ServiceName   string             `koanf:"service_name" mapstructure:"service_name"`
	Webhooks      WebhookConfig      `koanf:"webhooks" mapstructure:"webhooks"`
	Lifecycle     LifecycleConfig    `koanf:"lifecycle" mapstructure:"lifecycle"`
	Notifications NotificationConfig `koanf:"notifications" mapstructure:"notifications"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "fulfillment",
		Webhooks: WebhookConfig{
			PrintSignatureHeader:   DefaultPrintSignatureHeader,
			PrintSignatureEncoding: "hex",
			PrintEventIDHeader:     DefaultPrintEventIDHeader,
			MaxBodyBytes:           DefaultMaxBodyBytes,
		},
		Lifecycle: LifecycleConfig{
			MaxTransitionAttempts:  3,
			ReconcileGraceSeconds:  900,
			ReconcileBatchSize:     100,
			SubmissionClaimSeconds: 300,
		},
		Notifications: NotificationConfig{
			DefaultLanguage: "en",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Webhooks.PrintSignatureEncoding)) {
	case "", "hex", "base64":
	default:
		return fmt.Errorf("core: webhooks.print_signature_encoding must be hex or base64")
	}
	if c.Webhooks.MaxBodyBytes < 0 {
		return fmt.Errorf("core: webhooks.max_body_bytes must not be negative")
	}
	if c.Lifecycle.MaxTransitionAttempts < 0 {
		return fmt.Errorf("core: lifecycle.max_transition_attempts must not be negative")
	}
	if c.Lifecycle.ReconcileGraceSeconds < 0 {
		return fmt.Errorf("core: lifecycle.reconcile_grace_seconds must not be negative")
	}
	if c.Lifecycle.SubmissionClaimSeconds < 0 {
		return fmt.Errorf("core: lifecycle.submission_claim_seconds must not be negative")
	}
	if c.Lifecycle.ReconcileBatchSize < 0 {
		return fmt.Errorf("core: lifecycle.reconcile_batch_size must not be negative")
	}
	return nil
}
