// Package engine implements the request-batching scheduler and paged KV
// cache allocator sitting between a serving layer and a token-generation
// backend. The CacheManager façade composes the block pool, the prefix
// index, and per-sequence state under a single serialized scheduling
// point; the execution engine consumes the batches it assembles.
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ersintarhan/vllm-mlx/engine/internal/hash"
	"github.com/ersintarhan/vllm-mlx/engine/internal/util"
	"github.com/ersintarhan/vllm-mlx/engine/kv"
)

// AdmissionOutcome classifies the result of Admit.
type AdmissionOutcome string

const (
	AdmissionAccepted AdmissionOutcome = "accepted" // will enter prefill at the next step
	AdmissionQueued   AdmissionOutcome = "queued"   // waiting behind capacity or older arrivals
	AdmissionRejected AdmissionOutcome = "rejected"
)

// AdmissionResult is returned by Admit.
type AdmissionResult struct {
	Outcome AdmissionOutcome
	Reason  string // populated for rejections
}

// Status is a point-in-time snapshot of cache and scheduler state,
// mirroring the externally exposed configuration knobs.
type Status struct {
	Config              Config
	TotalBlocks         int64
	FreeBlocks          int64
	UsedBlocks          int64
	ActivePrefixEntries int
	WaitingSequences    int
	RunningSequences    int
	Phases              map[string]Phase
	Metrics             Metrics
}

// CacheManager owns all cache-mutating decisions. It is NOT safe for
// concurrent use: every method must be called from the single scheduling
// goroutine (see Engine). The one concession to concurrency is the block
// pool's internal mutex, which keeps owner counts consistent if a
// completion path releases blocks while the loop allocates.
type CacheManager struct {
	cfg    Config
	pool   *kv.BlockPool
	prefix *kv.PrefixIndex // nil when the prefix cache is disabled
	sched  *Scheduler

	seqs        map[string]*Sequence
	arrival     int64
	outstanding *Batch
	deferred    map[string]bool // release requested while in the outstanding batch
	pending     []StreamUpdate
	metrics     Metrics
}

// NewCacheManager validates the configuration and builds the façade.
func NewCacheManager(cfg Config) (*CacheManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cm := &CacheManager{
		cfg:      cfg,
		pool:     kv.NewBlockPool(cfg.MaxBlocks, cfg.BlockSizeTokens),
		seqs:     make(map[string]*Sequence),
		deferred: make(map[string]bool),
	}
	if cfg.PrefixCacheEnabled {
		cm.prefix = kv.NewPrefixIndex(cm.pool, cfg.PrefixCacheMaxEntries)
	}
	cm.sched = NewScheduler(cfg, cm)
	return cm, nil
}

// Admit registers a new sequence. A prompt that cannot fit in the whole
// pool is rejected outright; everything else enters the wait queue in
// arrival order. The outcome distinguishes sequences that will start
// prefill at the next step from those waiting behind capacity.
func (cm *CacheManager) Admit(id string, prompt []int, params SamplingParams) (AdmissionResult, error) {
	if _, exists := cm.seqs[id]; exists {
		return AdmissionResult{Outcome: AdmissionRejected, Reason: "duplicate sequence id"}, ErrDuplicateSequence
	}
	if len(prompt) == 0 {
		return AdmissionResult{Outcome: AdmissionRejected, Reason: "empty prompt"}, fmt.Errorf("sequence %s: empty prompt", id)
	}
	needed := cm.blocksForPrompt(int64(len(prompt)), 0)
	if needed > cm.pool.TotalBlocks() {
		cm.metrics.Rejected++
		reason := fmt.Sprintf("prompt needs %d blocks, pool holds %d", needed, cm.pool.TotalBlocks())
		return AdmissionResult{Outcome: AdmissionRejected, Reason: reason},
			fmt.Errorf("%w: %s", ErrConfigurationInfeasible, reason)
	}

	seq := NewSequence(id, prompt, params)
	seq.ArrivalOrder = cm.arrival
	cm.arrival++
	cm.seqs[id] = seq
	cm.sched.Enqueue(seq)
	cm.metrics.Admitted++
	cm.metrics.TotalInputTokens += int64(len(prompt))
	logrus.Debugf("engine: admitted sequence %s (%d prompt tokens, arrival %d)", id, len(prompt), seq.ArrivalOrder)

	outcome := AdmissionQueued
	if cm.sched.WaitingCount() == 1 &&
		cm.sched.RunningCount() < cm.cfg.MaxConcurrentSequences &&
		cm.pool.FreeBlocks() >= needed {
		outcome = AdmissionAccepted
	}
	return AdmissionResult{Outcome: outcome}, nil
}

// NextBatch runs one scheduling step and returns the batch the execution
// engine should compute, or nil when there is nothing to run. The
// returned batch's blocks are pinned until Commit.
func (cm *CacheManager) NextBatch() (*Batch, error) {
	if cm.outstanding != nil {
		return nil, ErrBatchInFlight
	}
	plan, err := cm.sched.FormStep()
	if err != nil {
		return nil, err
	}
	cm.notePreemptions(plan)
	if plan.empty() {
		return nil, nil
	}

	batch := &Batch{ID: uuid.NewString()}
	for _, seq := range plan.Prefill {
		uncached := seq.PromptTokens[seq.CachedTokens:]
		batch.Entries = append(batch.Entries, BatchEntry{
			SequenceID:   seq.ID,
			Phase:        PhasePrefill,
			BlockIDs:     append([]int64{}, seq.BlockIDs...),
			InputTokens:  append([]int{}, uncached...),
			CachedTokens: seq.CachedTokens,
		})
	}
	for _, seq := range plan.Decode {
		last := []int{seq.PromptTokens[len(seq.PromptTokens)-1]}
		if len(seq.GeneratedTokens) > 0 {
			last = []int{seq.GeneratedTokens[len(seq.GeneratedTokens)-1]}
		}
		batch.Entries = append(batch.Entries, BatchEntry{
			SequenceID:   seq.ID,
			Phase:        PhaseDecoding,
			BlockIDs:     append([]int64{}, seq.BlockIDs...),
			InputTokens:  last,
			CachedTokens: seq.TotalTokens() - 1,
		})
	}
	for _, entry := range batch.Entries {
		for _, id := range entry.BlockIDs {
			cm.pool.Pin(id)
		}
	}
	cm.outstanding = batch
	cm.metrics.Steps++
	cm.metrics.BatchedSequences += int64(len(batch.Entries))
	cm.metrics.observeBlockUsage(cm.pool.UsedBlocks())
	return batch, nil
}

// Commit applies the execution engine's sampled tokens for the
// outstanding batch: appends tokens, advances phases, registers newly
// full blocks with the prefix index, applies stop conditions, and
// processes releases deferred while the batch was in flight. Results for
// any other batch id are refused: stale results must never mutate state.
func (cm *CacheManager) Commit(batchID string, tokens []NextToken) ([]StreamUpdate, error) {
	if cm.outstanding == nil || cm.outstanding.ID != batchID {
		return nil, fmt.Errorf("%w: %s", ErrStaleBatch, batchID)
	}
	batch := cm.outstanding
	cm.outstanding = nil
	defer func() {
		for _, entry := range batch.Entries {
			for _, id := range entry.BlockIDs {
				cm.pool.Unpin(id)
			}
		}
	}()

	byID := make(map[string]int, len(tokens))
	for _, nt := range tokens {
		byID[nt.SequenceID] = nt.Token
	}

	for _, entry := range batch.Entries {
		seq, ok := cm.seqs[entry.SequenceID]
		if !ok {
			return nil, fmt.Errorf("%w: %s in batch %s", ErrUnknownSequence, entry.SequenceID, batchID)
		}
		tok, ok := byID[entry.SequenceID]
		if !ok {
			return nil, fmt.Errorf("engine: batch %s result missing token for sequence %s", batchID, entry.SequenceID)
		}
		if err := cm.appendToken(seq, tok); err != nil {
			return nil, err
		}
		if seq.Phase == PhasePrefill {
			// prefill complete, first token generated
			seq.Phase = PhaseDecoding
		}
		cm.registerFullBlocks(seq)
		cm.metrics.TotalOutputTokens++

		switch {
		case seq.hitStopSequence():
			cm.finish(seq, FinishStopSequence)
		case seq.hitMaxTokens():
			cm.finish(seq, FinishMaxTokens)
		default:
			cm.flushStream(seq, false)
		}
	}

	// releases requested mid-step land at this tick
	for id := range cm.deferred {
		delete(cm.deferred, id)
		if seq, ok := cm.seqs[id]; ok && seq.Phase != PhaseFinished {
			cm.finish(seq, FinishCancelled)
			cm.metrics.Cancelled++
		}
	}

	cm.metrics.observeBlockUsage(cm.pool.UsedBlocks())
	return cm.DrainUpdates(), nil
}

// Release tears down a sequence. Calling it again after teardown is a
// no-op, never a double-free: the block chain is released exactly once.
// A release while the sequence is in the in-flight batch is deferred to
// the commit tick, not applied mid-step.
func (cm *CacheManager) Release(id string) error {
	seq, ok := cm.seqs[id]
	if !ok {
		return nil // already released
	}
	if cm.inOutstandingBatch(id) {
		cm.deferred[id] = true
		return nil
	}
	if seq.Phase != PhaseFinished {
		cm.sched.removeWaiting(id)
		cm.sched.removeRunning(id)
		cm.finish(seq, FinishCancelled)
		cm.metrics.Cancelled++
	}
	delete(cm.seqs, id)
	return nil
}

// DrainUpdates returns and clears the stream updates accumulated since
// the last drain (flushed token groups, finishes, retry notices).
func (cm *CacheManager) DrainUpdates() []StreamUpdate {
	ups := cm.pending
	cm.pending = nil
	return ups
}

// Status reports cache occupancy, scheduler depth, and per-sequence
// phases alongside the live configuration.
func (cm *CacheManager) Status() Status {
	phases := make(map[string]Phase, len(cm.seqs))
	for id, seq := range cm.seqs {
		phases[id] = seq.Phase
	}
	m := cm.metrics
	if cm.prefix != nil {
		m.PrefixHits = cm.prefix.Hits()
		m.PrefixMisses = cm.prefix.Misses()
		m.PrefixCollisions = cm.prefix.Collisions()
	}
	st := Status{
		Config:           cm.cfg,
		TotalBlocks:      cm.pool.TotalBlocks(),
		FreeBlocks:       cm.pool.FreeBlocks(),
		UsedBlocks:       cm.pool.UsedBlocks(),
		WaitingSequences: cm.sched.WaitingCount(),
		RunningSequences: cm.sched.RunningCount(),
		Phases:           phases,
		Metrics:          m,
	}
	if cm.prefix != nil {
		st.ActivePrefixEntries = cm.prefix.Len()
	}
	return st
}

// Sequence returns the live sequence with the given id, nil if unknown.
// Exposed for introspection and tests; callers must not mutate it.
func (cm *CacheManager) Sequence(id string) *Sequence { return cm.seqs[id] }

// blocksForPrompt returns the blocks a prompt needs beyond matched
// prefix tokens, including the empty tail block reserved for the first
// generated token when the prompt ends exactly on a block boundary.
func (cm *CacheManager) blocksForPrompt(promptLen, matched int64) int64 {
	needed := util.CeilDiv(promptLen-matched, cm.cfg.BlockSizeTokens)
	if promptLen%cm.cfg.BlockSizeTokens == 0 {
		needed++ // first decode token will need a fresh block
	}
	return needed
}

// admitPrefill implements allocator: reserve the whole prompt chain,
// reusing the longest block-aligned cached prefix. All-or-nothing.
func (cm *CacheManager) admitPrefill(seq *Sequence) error {
	promptLen := util.Len64(seq.PromptTokens)

	var matchedIDs []int64
	var matched int64
	if cm.prefix != nil {
		var err error
		matchedIDs, matched, err = cm.prefix.Lookup(seq.PromptTokens)
		if errors.Is(err, kv.ErrPrefixCollision) {
			// verification refused the colliding entry; the blocks matched
			// before the collision point are sound and stay usable
			cm.metrics.PrefixCollisions++
			logrus.Errorf("engine: prefix hash collision while admitting %s; reuse truncated at %d tokens", seq.ID, matched)
		}
		// Never reuse the entire prompt: the execution engine needs at
		// least one position to produce logits from.
		if matched == promptLen {
			matchedIDs = matchedIDs[:len(matchedIDs)-1]
			matched -= cm.cfg.BlockSizeTokens
		}
	}

	needed := cm.blocksForPrompt(promptLen, matched)
	if cm.pool.FreeBlocks() < needed {
		return kv.ErrPoolExhausted
	}

	for _, id := range matchedIDs {
		cm.pool.Retain(id)
	}
	seq.BlockIDs = append([]int64{}, matchedIDs...)
	seq.SharedBlocks = len(matchedIDs)
	seq.CachedTokens = matched

	// copy the uncached prompt span into freshly allocated blocks
	for pos := matched; pos < promptLen; {
		blk, err := cm.pool.Allocate()
		if err != nil {
			// FreeBlocks was checked above; a failure here means blocks
			// vanished outside the scheduling loop
			cm.rollbackAdmission(seq)
			return err
		}
		end := min(pos+cm.cfg.BlockSizeTokens, promptLen)
		blk.Tokens = append([]int{}, seq.PromptTokens[pos:end]...)
		seq.BlockIDs = append(seq.BlockIDs, blk.ID)
		pos = end
	}
	// reserve the decode slot when the prompt ends on a block boundary
	if cm.needsEmptyTail(seq, promptLen) {
		blk, err := cm.pool.Allocate()
		if err != nil {
			cm.rollbackAdmission(seq)
			return err
		}
		seq.BlockIDs = append(seq.BlockIDs, blk.ID)
	}
	return nil
}

// rollbackAdmission undoes a partially applied admitPrefill so a failed
// admission leaves no trace.
func (cm *CacheManager) rollbackAdmission(seq *Sequence) {
	cm.releaseChain(seq)
	cm.resetSharing(seq)
}

// resetSharing clears the prefix-sharing bookkeeping on a sequence.
func (cm *CacheManager) resetSharing(seq *Sequence) {
	seq.SharedBlocks = 0
	seq.CachedTokens = 0
}

// needsEmptyTail reports whether the chain still lacks a writable slot
// for the first generated token.
func (cm *CacheManager) needsEmptyTail(seq *Sequence, promptLen int64) bool {
	if promptLen%cm.cfg.BlockSizeTokens != 0 {
		return false
	}
	// block-aligned prompt: chain must end with a non-full block
	if len(seq.BlockIDs) == 0 {
		return true
	}
	last := cm.pool.Get(seq.BlockIDs[len(seq.BlockIDs)-1])
	return last.IsFull(cm.cfg.BlockSizeTokens)
}

// ensureDecodeRoom implements allocator: make sure the next appended
// token has a slot, allocating a fresh tail block when the last one is
// full.
func (cm *CacheManager) ensureDecodeRoom(seq *Sequence) error {
	if len(seq.BlockIDs) == 0 {
		return fmt.Errorf("engine: decoding sequence %s has no block chain", seq.ID)
	}
	last := cm.pool.Get(seq.BlockIDs[len(seq.BlockIDs)-1])
	if !last.IsFull(cm.cfg.BlockSizeTokens) {
		return nil
	}
	blk, err := cm.pool.Allocate()
	if err != nil {
		return err
	}
	seq.BlockIDs = append(seq.BlockIDs, blk.ID)
	return nil
}

// releaseChain implements allocator: return every block of the chain to
// the pool, last block first (the deepest block hashes the most tokens
// and is the least likely to be reused, so it should be evicted first).
func (cm *CacheManager) releaseChain(seq *Sequence) {
	for i := len(seq.BlockIDs) - 1; i >= 0; i-- {
		if err := cm.pool.Release(seq.BlockIDs[i]); err != nil {
			logrus.Errorf("engine: releasing chain of %s: %v", seq.ID, err)
		}
	}
	seq.BlockIDs = nil
}

// appendToken writes one generated token into the chain. The slot was
// guaranteed by admission or ensureDecodeRoom, and copy-on-write holds
// structurally: shared blocks are always full, so the writable tail is
// always privately owned.
func (cm *CacheManager) appendToken(seq *Sequence, tok int) error {
	if len(seq.BlockIDs) == 0 {
		return fmt.Errorf("engine: append to sequence %s with no block chain", seq.ID)
	}
	last := cm.pool.Get(seq.BlockIDs[len(seq.BlockIDs)-1])
	if last.IsFull(cm.cfg.BlockSizeTokens) {
		return fmt.Errorf("engine: sequence %s has no decode slot (last block full)", seq.ID)
	}
	if last.OwnerCount > 1 {
		// a writable shared block would let one sequence corrupt
		// another's cached state; this must be impossible by construction
		panic(fmt.Sprintf("engine: append would mutate shared block %d (owners=%d)", last.ID, last.OwnerCount))
	}
	last.Tokens = append(last.Tokens, tok)
	seq.GeneratedTokens = append(seq.GeneratedTokens, tok)
	return nil
}

// registerFullBlocks indexes newly filled blocks under their chained
// prefix hashes so later sequences can reuse them. The chain advances
// incrementally from the last registered block; full blocks are
// immutable, so each block of a sequence is hashed exactly once.
func (cm *CacheManager) registerFullBlocks(seq *Sequence) {
	if cm.prefix == nil {
		return
	}
	for i := seq.indexedBlocks; i < len(seq.BlockIDs); i++ {
		blk := cm.pool.Get(seq.BlockIDs[i])
		if !blk.IsFull(cm.cfg.BlockSizeTokens) {
			break // partial tail, picked up once it fills
		}
		seq.chainHash = hash.HashBlock(seq.chainHash, blk.Tokens)
		seq.indexedBlocks = i + 1
		if blk.Hash == "" {
			cm.prefix.Insert(seq.chainHash, blk.ID)
		}
	}
}

// finish transitions a sequence to PhaseFinished, releases its chain,
// and emits the final stream update.
func (cm *CacheManager) finish(seq *Sequence, reason FinishReason) {
	seq.Phase = PhaseFinished
	seq.FinishReason = reason
	cm.releaseChain(seq)
	cm.sched.removeRunning(seq.ID)
	cm.metrics.Completed++
	cm.flushStream(seq, true)
}

// flushStream emits generated tokens past the streamed high-water mark,
// in stream-interval groups. Finished sequences flush unconditionally.
// The high-water mark survives preemption, so a retried sequence never
// re-emits tokens the serving layer already delivered.
func (cm *CacheManager) flushStream(seq *Sequence, finished bool) {
	unstreamed := len(seq.GeneratedTokens) - seq.streamed
	if !finished && unstreamed < cm.cfg.StreamInterval {
		return
	}
	var toks []int
	if unstreamed > 0 {
		toks = append([]int{}, seq.GeneratedTokens[seq.streamed:]...)
		seq.streamed = len(seq.GeneratedTokens)
	}
	if !finished && toks == nil {
		return
	}
	cm.pending = append(cm.pending, StreamUpdate{
		SequenceID: seq.ID,
		Tokens:     toks,
		Finished:   finished,
		Reason:     seq.FinishReason,
	})
}

// notePreemptions records the step's evictions: each one is an
// observable retry event, not silent data loss.
func (cm *CacheManager) notePreemptions(plan *StepPlan) {
	for _, seq := range plan.Preempted {
		if seq.FinishReason == FinishRetriesExhausted {
			cm.metrics.RetriesExhausted++
			cm.metrics.Completed++
			cm.sched.removeRunning(seq.ID)
			cm.flushStream(seq, true)
			continue
		}
		cm.metrics.Preemptions++
		cm.pending = append(cm.pending, StreamUpdate{
			SequenceID: seq.ID,
			Retried:    true,
		})
	}
}

func (cm *CacheManager) inOutstandingBatch(id string) bool {
	if cm.outstanding == nil {
		return false
	}
	for _, entry := range cm.outstanding.Entries {
		if entry.SequenceID == id {
			return true
		}
	}
	return false
}
