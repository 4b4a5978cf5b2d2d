package engine

// BatchEntry is one sequence's slot in an execution batch. BlockIDs is
// the block-pointer layout the execution engine indexes its cache memory
// with; InputTokens are the positions to compute this step, the uncached
// prompt span for prefill and the last sampled token for decode.
type BatchEntry struct {
	SequenceID   string
	Phase        Phase
	BlockIDs     []int64
	InputTokens  []int
	CachedTokens int64
}

// Batch is the execution engine's required input shape: which sequences
// run this step, in which phase, against which blocks.
type Batch struct {
	ID      string
	Entries []BatchEntry
}

// NextToken is one sequence's sampled output for a committed batch.
type NextToken struct {
	SequenceID string
	Token      int
}

// StreamUpdate is a group of decoded tokens released to the serving
// layer. Tokens are flushed in stream-interval groups rather than
// per-token; Finished updates always flush regardless of group size.
type StreamUpdate struct {
	SequenceID string
	Tokens     []int
	Finished   bool
	Reason     FinishReason
	Retried    bool // the sequence was preempted and will retry; not an error
}
