package types

import "time"

// WakeMessage is the payload the trigger gateway sends on the wake queue to
// ask the worker to drain pending jobs immediately instead of waiting for
// its poll interval. Losing one of these is harmless: the worker's next
// poll picks the jobs up anyway.
type WakeMessage struct {
	// TraceID correlates the wake with the API request that produced it.
	TraceID string `json:"trace_id"`
	// BatchLimit caps how many jobs the worker should claim for this wake.
	// Zero means the worker's configured default.
	BatchLimit int `json:"batch_limit,omitempty"`
	// Reason records what produced the wake ("trigger_now", "scheduler").
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}
