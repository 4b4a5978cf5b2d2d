package engine

import (
	"errors"
	"testing"

	"github.com/ersintarhan/vllm-mlx/engine/kv"
)

// fakeAlloc models the pool as a bare free-block counter: admission
// costs one block per prompt token, every decode step costs one block.
// Exact enough to exercise scheduling policy without real bookkeeping.
type fakeAlloc struct {
	free int
	held map[string]int
}

func newFakeAlloc(free int) *fakeAlloc {
	return &fakeAlloc{free: free, held: make(map[string]int)}
}

func (f *fakeAlloc) admitPrefill(seq *Sequence) error {
	cost := len(seq.PromptTokens)
	if f.free < cost {
		return kv.ErrPoolExhausted
	}
	f.free -= cost
	f.held[seq.ID] += cost
	return nil
}

func (f *fakeAlloc) ensureDecodeRoom(seq *Sequence) error {
	if f.free < 1 {
		return kv.ErrPoolExhausted
	}
	f.free--
	f.held[seq.ID]++
	return nil
}

func (f *fakeAlloc) releaseChain(seq *Sequence) {
	f.free += f.held[seq.ID]
	f.held[seq.ID] = 0
	seq.BlockIDs = nil
}

// addDecoding seeds a sequence directly into the running set in
// PhaseDecoding, holding the given number of fake blocks.
func addDecoding(s *Scheduler, f *fakeAlloc, id string, arrival int64, held int) *Sequence {
	seq := NewSequence(id, []int{1, 2}, SamplingParams{})
	seq.Phase = PhaseDecoding
	seq.ArrivalOrder = arrival
	f.held[id] = held
	s.running = append(s.running, seq)
	return seq
}

func schedConfig() Config {
	cfg := DefaultConfig()
	cfg.PrefillBatchSize = 4
	cfg.CompletionBatchSize = 4
	cfg.MaxConcurrentSequences = 8
	return cfg
}

func TestFormStep_DecodeBatchCapKeepsOldest(t *testing.T) {
	cfg := schedConfig()
	cfg.CompletionBatchSize = 2
	f := newFakeAlloc(100)
	s := NewScheduler(cfg, f)
	addDecoding(s, f, "a", 0, 2)
	addDecoding(s, f, "b", 1, 2)
	addDecoding(s, f, "c", 2, 2)

	plan, err := s.FormStep()
	if err != nil {
		t.Fatalf("FormStep: %v", err)
	}
	if len(plan.Decode) != 2 {
		t.Fatalf("expected 2 decode entries, got %d", len(plan.Decode))
	}
	if plan.Decode[0].ID != "a" || plan.Decode[1].ID != "b" {
		t.Errorf("expected oldest arrivals a,b; got %s,%s", plan.Decode[0].ID, plan.Decode[1].ID)
	}
	if len(plan.Preempted) != 0 {
		t.Errorf("cap overflow must wait, not preempt; got %d preemptions", len(plan.Preempted))
	}
}

func TestFormStep_AdmissionStopsAtFirstUnfittableHead(t *testing.T) {
	// GIVEN free room for the first queued prompt but not the second
	cfg := schedConfig()
	f := newFakeAlloc(3)
	s := NewScheduler(cfg, f)
	s.Enqueue(NewSequence("a", []int{1, 2}, SamplingParams{}))
	s.Enqueue(NewSequence("b", []int{1, 2}, SamplingParams{}))
	s.Enqueue(NewSequence("c", []int{9}, SamplingParams{})) // would fit, must not jump the line

	plan, err := s.FormStep()
	if err != nil {
		t.Fatalf("FormStep: %v", err)
	}
	if len(plan.Prefill) != 1 || plan.Prefill[0].ID != "a" {
		t.Fatalf("expected only a admitted, got %v", plan.Prefill)
	}
	// WHEN the head cannot fit, later arrivals stay behind it
	if s.WaitingCount() != 2 || s.waitQ.Peek().ID != "b" {
		t.Errorf("expected b,c still queued in order, got %d waiting head=%v", s.WaitingCount(), s.waitQ.Peek())
	}
	if plan.Prefill[0].Phase != PhasePrefill {
		t.Errorf("admitted sequence should be in prefill, got %s", plan.Prefill[0].Phase)
	}
}

func TestFormStep_PreemptsNewestArrivalFirst(t *testing.T) {
	// GIVEN an exhausted pool with three decoding sequences
	cfg := schedConfig()
	f := newFakeAlloc(0)
	s := NewScheduler(cfg, f)
	addDecoding(s, f, "old", 0, 2)
	addDecoding(s, f, "mid", 1, 2)
	addDecoding(s, f, "new", 2, 2)

	plan, err := s.FormStep()
	if err != nil {
		t.Fatalf("FormStep: %v", err)
	}
	// THEN the newest arrival is evicted and the older two decode
	if len(plan.Preempted) != 1 || plan.Preempted[0].ID != "new" {
		t.Fatalf("expected newest arrival preempted, got %v", plan.Preempted)
	}
	if len(plan.Decode) != 2 {
		t.Fatalf("expected 2 survivors decoding, got %d", len(plan.Decode))
	}
	victim := plan.Preempted[0]
	if victim.Preemptions != 1 || victim.Phase != PhaseQueued {
		t.Errorf("victim should be re-queued for retry: preemptions=%d phase=%s", victim.Preemptions, victim.Phase)
	}
	if s.waitQ.Peek() != victim {
		t.Error("victim must re-enter the wait queue at the front")
	}
	if f.held["new"] != 0 {
		t.Errorf("victim's blocks must be released, still holds %d", f.held["new"])
	}
}

func TestFormStep_NoAdmissionOnPreemptionStep(t *testing.T) {
	cfg := schedConfig()
	f := newFakeAlloc(0)
	s := NewScheduler(cfg, f)
	addDecoding(s, f, "a", 0, 2)
	addDecoding(s, f, "b", 1, 2)
	s.Enqueue(NewSequence("c", []int{1}, SamplingParams{}))

	plan, err := s.FormStep()
	if err != nil {
		t.Fatalf("FormStep: %v", err)
	}
	if len(plan.Preempted) == 0 {
		t.Fatal("expected a preemption under exhaustion")
	}
	if len(plan.Prefill) != 0 {
		t.Error("a step that evicted must not admit new work")
	}
}

func TestPreempt_RetryBudgetExhaustedFails(t *testing.T) {
	cfg := schedConfig()
	cfg.MaxPreemptionRetries = 0
	f := newFakeAlloc(0)
	s := NewScheduler(cfg, f)
	addDecoding(s, f, "a", 0, 2)
	addDecoding(s, f, "b", 1, 2)

	plan, err := s.FormStep()
	if err != nil {
		t.Fatalf("FormStep: %v", err)
	}
	if len(plan.Preempted) != 1 {
		t.Fatalf("expected 1 preemption, got %d", len(plan.Preempted))
	}
	victim := plan.Preempted[0]
	if victim.Phase != PhaseFinished || victim.FinishReason != FinishRetriesExhausted {
		t.Errorf("over-budget victim must fail, got phase=%s reason=%s", victim.Phase, victim.FinishReason)
	}
	if s.WaitingCount() != 0 {
		t.Error("failed sequence must not be re-queued")
	}
}

func TestFormStep_UnfittableHeadWithIdlePoolIsFatal(t *testing.T) {
	cfg := schedConfig()
	f := newFakeAlloc(1)
	s := NewScheduler(cfg, f)
	s.Enqueue(NewSequence("huge", []int{1, 2, 3, 4}, SamplingParams{}))

	_, err := s.FormStep()
	if !errors.Is(err, ErrConfigurationInfeasible) {
		t.Fatalf("expected ErrConfigurationInfeasible, got %v", err)
	}
}

func TestFormStep_SelfPreemptionIsRetryableNotFatal(t *testing.T) {
	// A lone sequence that exhausts the pool evicts itself; that is a
	// retry, not a configuration error.
	cfg := schedConfig()
	f := newFakeAlloc(0)
	s := NewScheduler(cfg, f)
	addDecoding(s, f, "solo", 0, 4)

	plan, err := s.FormStep()
	if err != nil {
		t.Fatalf("FormStep: %v", err)
	}
	if len(plan.Preempted) != 1 || plan.Preempted[0].ID != "solo" {
		t.Fatalf("expected solo self-preempted, got %v", plan.Preempted)
	}
	if s.waitQ.Len() != 1 {
		t.Error("self-preempted sequence should be queued for retry")
	}
}
