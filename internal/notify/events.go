package notify

// Event classifies an operator alert. The configured allow-list filters on
// these names.
type Event string

const (
	// EventArbDetected fires when the background quote sweep finds a
	// cross-exchange spread above the configured threshold.
	EventArbDetected Event = "arb_detected"
	// EventSyncFailed fires when a portfolio resync fails on every
	// connected exchange.
	EventSyncFailed Event = "sync_failed"
	// EventConnectionLost fires when a user's exchange connection drops to
	// unreachable.
	EventConnectionLost Event = "connection_lost"
)
