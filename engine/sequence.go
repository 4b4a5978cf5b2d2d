// Defines the Sequence struct holding the cache-relevant state of one
// generation request: token history, block chain, phase, and sampling
// parameters. The serving layer owns the externally visible
// request/response fields; everything here is owned by the CacheManager.

package engine

import "fmt"

// Phase is the lifecycle state of a sequence inside the cache state machine.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhasePrefill   Phase = "prefill"
	PhaseDecoding  Phase = "decoding"
	PhaseFinished  Phase = "finished"
	PhasePreempted Phase = "preempted"
)

// FinishReason explains a transition to PhaseFinished.
type FinishReason string

const (
	FinishNone             FinishReason = ""
	FinishMaxTokens        FinishReason = "max_tokens"
	FinishStopSequence     FinishReason = "stop"
	FinishCancelled        FinishReason = "cancelled"
	FinishRetriesExhausted FinishReason = "retries_exhausted"
)

// SamplingParams carries the sampling configuration for a sequence.
// Temperature and TopP pass through to the execution engine untouched;
// MaxTokens and Stop are the only cache-visible bounds.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        [][]int // stop sequences as token ids (tokenizer is external)
}

// Sequence is the per-request mutable cache state.
type Sequence struct {
	ID              string
	PromptTokens    []int
	GeneratedTokens []int   // append-only
	BlockIDs        []int64 // block chain from position 0
	Phase           Phase
	Params          SamplingParams
	ArrivalOrder    int64 // monotonic admission counter, used for tie-breaking
	CachedTokens    int64 // prompt tokens covered by prefix reuse at admission
	SharedBlocks    int   // leading blocks of the chain attached via prefix reuse
	Preemptions     int   // times this sequence was evicted and re-queued
	FinishReason    FinishReason

	// streamed is the high-water mark of tokens already delivered to the
	// serving layer. It survives preemption so a restarted sequence never
	// re-emits tokens the client has seen.
	streamed int

	// indexedBlocks/chainHash track how far along the chain prefix
	// registration has progressed, so each full block is hashed once
	// instead of rehashing the whole sequence on every commit.
	indexedBlocks int
	chainHash     string
}

// NewSequence creates a sequence in PhaseQueued. The prompt slice is
// copied; callers may reuse their buffer. Panics on an empty prompt:
// zero-token prompts cannot enter prefill.
func NewSequence(id string, prompt []int, params SamplingParams) *Sequence {
	if len(prompt) == 0 {
		panic("NewSequence: prompt must not be empty")
	}
	return &Sequence{
		ID:           id,
		PromptTokens: append([]int{}, prompt...),
		Phase:        PhaseQueued,
		Params:       params,
	}
}

// TotalTokens returns the token count the block chain must cover:
// prompt plus everything generated so far.
func (s *Sequence) TotalTokens() int64 {
	return int64(len(s.PromptTokens) + len(s.GeneratedTokens))
}

// AllTokens returns prompt followed by generated tokens as one slice.
func (s *Sequence) AllTokens() []int {
	out := make([]int, 0, s.TotalTokens())
	out = append(out, s.PromptTokens...)
	out = append(out, s.GeneratedTokens...)
	return out
}

// hitMaxTokens reports whether generation reached the MaxTokens bound.
func (s *Sequence) hitMaxTokens() bool {
	return s.Params.MaxTokens > 0 && len(s.GeneratedTokens) >= s.Params.MaxTokens
}

// hitStopSequence reports whether the generated tail ends with any of the
// configured stop sequences.
func (s *Sequence) hitStopSequence() bool {
	for _, stop := range s.Params.Stop {
		if len(stop) == 0 || len(stop) > len(s.GeneratedTokens) {
			continue
		}
		tail := s.GeneratedTokens[len(s.GeneratedTokens)-len(stop):]
		match := true
		for i := range stop {
			if tail[i] != stop[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// resetForRetry discards the cache-internal state after preemption.
// Generated tokens are recomputable (sampling is deterministic for fixed
// parameters); the streamed high-water mark is kept so the serving layer
// sees no duplicates on retry.
func (s *Sequence) resetForRetry() {
	s.GeneratedTokens = nil
	s.BlockIDs = nil
	s.CachedTokens = 0
	s.SharedBlocks = 0
	s.indexedBlocks = 0
	s.chainHash = ""
	s.Phase = PhaseQueued
}

func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence(ID: %s, Phase: %s, Prompt: %d, Generated: %d, Blocks: %d)",
		s.ID, s.Phase, len(s.PromptTokens), len(s.GeneratedTokens), len(s.BlockIDs))
}
