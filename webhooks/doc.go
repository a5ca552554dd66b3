// Package webhooks turns signed provider deliveries into engine events.
//
// A delivery is verified over its raw body, parsed into a core.OrderEvent,
// checked against the event ledger, applied, and only then recorded. Anything
// that fails after verification and parsing answers 500 so the provider
// retries it.
package webhooks
