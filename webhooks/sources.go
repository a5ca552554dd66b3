package webhooks

import "github.com/goliatone/go-fulfillment/core"

// DefaultSources wires the payment and print providers from webhook config.
// sessions may be nil, in which case checkout payloads are trusted as signed.
func DefaultSources(cfg core.WebhookConfig, sessions core.PaymentSessionRetriever, logger core.Logger) []Source {
	return []Source{
		{
			Provider: PaymentProvider,
			Verifier: NewStripeVerifier(cfg.PaymentSecret, logger),
			Parser:   NewPaymentEventParser(sessions),
		},
		{
			Provider: PrintProvider,
			Verifier: NewHMACVerifier(cfg.PrintSignatureHeader, cfg.PrintSecret, cfg.PrintSignatureEncoding, logger),
			Parser:   NewPrintEventParser(cfg.PrintEventIDHeader),
		},
	}
}
