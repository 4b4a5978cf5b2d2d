// Tracks engine-wide counters for admission, completion, preemption, and
// cache effectiveness. Useful for evaluating scheduling behavior and
// debugging capacity pressure over time.

package engine

// Metrics aggregates statistics across the engine's lifetime.
type Metrics struct {
	Admitted          int64 // sequences accepted into the wait queue
	Rejected          int64 // admissions refused outright
	Completed         int64 // sequences finished (any reason)
	Cancelled         int64 // sequences finished by client cancellation
	Preemptions       int64 // eviction events (each is a visible retry)
	RetriesExhausted  int64 // sequences failed after too many preemptions
	Steps             int64 // scheduling steps executed
	BatchedSequences  int64 // sequence-steps dispatched to the executor
	PrefixHits        int64 // verified prefix-block matches
	PrefixMisses      int64 // prefix lookups that found nothing
	PrefixCollisions  int64 // hash collisions caught by verification
	PeakBlocksUsed    int64 // max simultaneously used blocks
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// observeBlockUsage updates the peak block usage watermark.
func (m *Metrics) observeBlockUsage(used int64) {
	if used > m.PeakBlocksUsed {
		m.PeakBlocksUsed = used
	}
}
