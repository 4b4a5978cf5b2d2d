package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ersintarhan/vllm-mlx/engine/kv"
)

// allocator is the subset of cache operations batch formation needs.
// CacheManager implements it; the indirection keeps scheduling policy
// separate from block bookkeeping.
type allocator interface {
	// admitPrefill reserves the full block chain for a sequence's prompt,
	// reusing prefix-shared blocks where possible. All-or-nothing: on
	// ErrPoolExhausted no state changed.
	admitPrefill(seq *Sequence) error
	// ensureDecodeRoom guarantees the chain can absorb one more token,
	// allocating a fresh tail block when the current one is full.
	ensureDecodeRoom(seq *Sequence) error
	// releaseChain returns all of a sequence's blocks to the pool.
	releaseChain(seq *Sequence)
}

// StepPlan is the outcome of one scheduling step: which sequences run
// prefill, which decode, and which were evicted to make room.
type StepPlan struct {
	Prefill   []*Sequence
	Decode    []*Sequence
	Preempted []*Sequence
}

func (p *StepPlan) empty() bool {
	return len(p.Prefill) == 0 && len(p.Decode) == 0
}

// Scheduler decides, per step, which sequences enter prefill, which
// continue decoding, and which get evicted. All decisions happen on the
// single scheduling goroutine; the scheduler holds no locks.
type Scheduler struct {
	cfg     Config
	alloc   allocator
	waitQ   *WaitQueue
	running []*Sequence
}

// NewScheduler creates a scheduler bound to the given allocator.
func NewScheduler(cfg Config, alloc allocator) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		alloc: alloc,
		waitQ: &WaitQueue{},
	}
}

// Enqueue adds an admitted sequence to the wait queue.
func (s *Scheduler) Enqueue(seq *Sequence) {
	s.waitQ.Enqueue(seq)
}

// FormStep assembles the next execution step.
//
// Decode progress for already-admitted sequences takes priority over
// admitting new ones: the decode batch is assembled first, and prefill
// admission is skipped entirely on any step that needed a preemption.
// This bounds tail latency for in-flight requests over new arrivals.
func (s *Scheduler) FormStep() (*StepPlan, error) {
	plan := &StepPlan{}

	// Decode assembly, oldest arrival first. Preemption during the walk
	// can flip later sequences to PhaseQueued, so phase is re-checked per
	// iteration.
	sort.Slice(s.running, func(i, j int) bool {
		return s.running[i].ArrivalOrder < s.running[j].ArrivalOrder
	})
	candidates := append([]*Sequence{}, s.running...)
	for _, seq := range candidates {
		if seq.Phase != PhaseDecoding {
			continue
		}
		if len(plan.Decode) >= s.cfg.CompletionBatchSize {
			// over capacity: the newest-arrival tail waits for a later step
			break
		}
		ok, err := s.ensureRoomWithPreemption(seq, plan)
		if err != nil {
			return nil, err
		}
		if !ok {
			// seq itself was the eviction victim
			continue
		}
		plan.Decode = append(plan.Decode, seq)
	}

	// Admission in arrival order. Skipped when this step already had to
	// evict: admitting new work under that pressure would thrash.
	if len(plan.Preempted) == 0 {
		for s.waitQ.Len() > 0 &&
			len(plan.Prefill) < s.cfg.PrefillBatchSize &&
			len(s.running) < s.cfg.MaxConcurrentSequences {
			next := s.waitQ.Peek()
			if err := s.alloc.admitPrefill(next); err != nil {
				if errors.Is(err, kv.ErrPoolExhausted) {
					// Throttle: arrival order is preserved, so later queued
					// sequences must not jump ahead of a blocked head.
					logrus.Debugf("scheduler: admission throttled, free blocks cannot fit sequence %s", next.ID)
					break
				}
				return nil, err
			}
			s.waitQ.Dequeue()
			next.Phase = PhasePrefill
			s.running = append(s.running, next)
			plan.Prefill = append(plan.Prefill, next)
		}
	}

	// Zero progress with queued work and nothing running means the pool
	// cannot hold even the head sequence: a configuration error, not a
	// retryable condition.
	if plan.empty() && len(plan.Preempted) == 0 && len(s.running) == 0 && s.waitQ.Len() > 0 {
		head := s.waitQ.Peek()
		return nil, fmt.Errorf("%w: sequence %s (prompt %d tokens) cannot fit in an empty pool",
			ErrConfigurationInfeasible, head.ID, len(head.PromptTokens))
	}

	return plan, nil
}

// ensureRoomWithPreemption guarantees decode room for seq, evicting the
// most-recently-arrived decoding sequence while the pool is exhausted.
// Returns false when seq itself became the victim. An exhausted pool
// with no evictable sequence left is a fatal configuration error.
func (s *Scheduler) ensureRoomWithPreemption(seq *Sequence, plan *StepPlan) (bool, error) {
	for {
		err := s.alloc.ensureDecodeRoom(seq)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, kv.ErrPoolExhausted) {
			return false, err
		}

		victim := s.newestDecoding()
		if victim == nil {
			return false, fmt.Errorf("%w: pool exhausted with no evictable sequence (decoding %s)",
				ErrConfigurationInfeasible, seq.ID)
		}
		s.preempt(victim, plan)
		if victim == seq {
			return false, nil
		}
	}
}

// newestDecoding returns the most-recently-arrived decoding sequence,
// the lowest-priority preemption victim.
func (s *Scheduler) newestDecoding() *Sequence {
	var victim *Sequence
	for _, seq := range s.running {
		if seq.Phase != PhaseDecoding {
			continue
		}
		if victim == nil || seq.ArrivalOrder > victim.ArrivalOrder {
			victim = seq
		}
	}
	return victim
}

// preempt evicts a sequence: its blocks are released, its generated
// tokens discarded from the cache (the client-visible partial output is
// the serving layer's copy), and it re-enters the wait queue at the
// front for a retry from scratch. A sequence that exceeds the retry
// budget finishes with a failure reason instead of looping.
func (s *Scheduler) preempt(victim *Sequence, plan *StepPlan) {
	logrus.Warnf("scheduler: preempting sequence %s (arrival %d) to reclaim cache blocks",
		victim.ID, victim.ArrivalOrder)
	victim.Phase = PhasePreempted
	s.alloc.releaseChain(victim)
	s.removeRunning(victim.ID)
	victim.Preemptions++

	if victim.Preemptions > s.cfg.MaxPreemptionRetries {
		victim.Phase = PhaseFinished
		victim.FinishReason = FinishRetriesExhausted
		logrus.Errorf("scheduler: sequence %s exceeded %d preemption retries, failing",
			victim.ID, s.cfg.MaxPreemptionRetries)
	} else {
		victim.resetForRetry()
		s.waitQ.PrependFront(victim)
	}
	plan.Preempted = append(plan.Preempted, victim)
}

// removeRunning deletes a sequence from the running set.
func (s *Scheduler) removeRunning(id string) {
	for i, seq := range s.running {
		if seq.ID == id {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
}

// removeWaiting deletes a sequence from the wait queue.
func (s *Scheduler) removeWaiting(id string) bool {
	return s.waitQ.Remove(id)
}

// RunningCount returns the number of sequences in prefill or decode.
func (s *Scheduler) RunningCount() int { return len(s.running) }

// WaitingCount returns the number of queued sequences.
func (s *Scheduler) WaitingCount() int { return s.waitQ.Len() }
