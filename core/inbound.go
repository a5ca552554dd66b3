package core

import "time"

// InboundRequest is one raw webhook delivery. Body is the unparsed payload as
// received; signatures are computed over these exact bytes.
type InboundRequest struct {
	Provider   string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Outcome    EventOutcome
	EventID    string
	Metadata   map[string]any
}
