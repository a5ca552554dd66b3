// Package core contains the print order lifecycle: domain types, the store
// contracts, the pure state machine and the engine that applies verified
// provider events. Storage and transport adapters depend on this package;
// core must not depend on them.
package core
