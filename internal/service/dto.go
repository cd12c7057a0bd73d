package service

// Controllers convert their HTTP DTOs to this type.
type AppendEventRequest struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// DispatchResult summarises one dispatcher cycle.
type DispatchResult struct {
	Reclaimed  int
	Claimed    int
	Dispatched int
	// Retried records went back to PENDING; Failed ones exhausted their retries.
	Retried int
	Failed  int
	// StateUpdateFailed counts publishes whose DISPATCHED mark could not be
	// written. Those records are republished after the claim timeout.
	StateUpdateFailed int
	// Expired records were claimed but left unpublished because the claim grew
	// too old to finish a publish before reclaim.
	Expired int
	// ClaimLost counts outcomes dropped because the record was reclaimed first.
	ClaimLost int
}
