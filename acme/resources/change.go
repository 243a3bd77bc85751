package resources

import "time"

// Change is one entry in the append-only change log. Every committed entity
// mutation produces one, identified by a monotonically increasing sequence
// number.
type Change struct {
	// Monotonic sequence number, assigned at commit.
	Seq int64 `json:"seq"`
	// Commit timestamp, UTC.
	Timestamp time.Time `json:"timestamp"`
	// The actor responsible for the mutation; the resolved client IP for
	// request-driven changes, the task name ("validate", "finalize:<mode>",
	// "challenges:proxy") for task-driven ones.
	Actor string `json:"actor"`
	// The kind of entity that changed ("account", "order", ...).
	Entity string `json:"entity"`
	// The changed entity's ID.
	EntityID string `json:"entityID"`
	// The operation: "put" or "delete".
	Op string `json:"op"`
}
