package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Executor is the external token-generation backend: it turns a batch of
// token ids plus block-pointer layout into one sampled token per
// sequence. Results must preserve batch-to-result ordering by sequence
// id. The tensor work behind it is entirely out of the engine's hands.
type Executor interface {
	Step(ctx context.Context, batch *Batch) ([]NextToken, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, batch *Batch) ([]NextToken, error)

func (f ExecutorFunc) Step(ctx context.Context, batch *Batch) ([]NextToken, error) {
	return f(ctx, batch)
}

// submission is the admission message consumed by the scheduling loop.
type submission struct {
	id     string
	prompt []int
	params SamplingParams
	resp   chan submitResult
}

type submitResult struct {
	updates <-chan StreamUpdate
	err     error
}

// Engine runs the cache state machine as one cooperative scheduling
// loop. All cache-mutating decisions (admission, eviction, block
// allocation) happen on that single goroutine; concurrent Submit and
// Cancel calls only ever enter through its message channels, so block
// allocation decisions never race. The loop suspends at exactly one
// point: the Executor call.
type Engine struct {
	cm       *CacheManager
	exec     Executor
	submitCh chan *submission
	cancelCh chan string
	statusCh chan chan Status
	done     chan struct{}

	// StatusInterval > 0 enables periodic occupancy logging.
	StatusInterval time.Duration
}

// NewEngine builds an engine around a validated configuration and an
// executor.
func NewEngine(cfg Config, exec Executor) (*Engine, error) {
	cm, err := NewCacheManager(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cm:       cm,
		exec:     exec,
		submitCh: make(chan *submission),
		cancelCh: make(chan string, 16),
		statusCh: make(chan chan Status),
		done:     make(chan struct{}),
	}, nil
}

// CacheManager exposes the underlying façade for introspection. Must not
// be used to mutate state while Run is active.
func (e *Engine) CacheManager() *CacheManager { return e.cm }

// Status snapshots engine state. Safe to call from any goroutine: while
// the loop runs, the snapshot is taken by the loop itself between steps,
// never concurrently with cache mutation.
func (e *Engine) Status() Status {
	resp := make(chan Status, 1)
	select {
	case e.statusCh <- resp:
		return <-resp
	case <-e.done:
		// loop stopped, nothing mutates the cache anymore
		return e.cm.Status()
	}
}

// Run drives the scheduling loop until ctx is cancelled or a fatal
// error (infeasible configuration, executor failure) occurs.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx) })
	if e.StatusInterval > 0 {
		g.Go(func() error { return e.logStatus(ctx) })
	}
	err := g.Wait()
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// Submit admits a request and returns its stream of updates. The channel
// delivers token groups per the stream interval and is closed after the
// final update. Blocks until the loop picks the submission up.
func (e *Engine) Submit(ctx context.Context, id string, prompt []int, params SamplingParams) (<-chan StreamUpdate, error) {
	sub := &submission{id: id, prompt: prompt, params: params, resp: make(chan submitResult, 1)}
	select {
	case e.submitCh <- sub:
	case <-e.done:
		return nil, ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-sub.resp:
		return res.updates, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests teardown of a sequence. The release lands at the next
// scheduling tick, never mid-step.
func (e *Engine) Cancel(id string) {
	select {
	case e.cancelCh <- id:
	case <-e.done:
	}
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.done)
	sinks := make(map[string]chan StreamUpdate)
	defer func() {
		for _, ch := range sinks {
			close(ch)
		}
	}()

	route := func(ups []StreamUpdate) {
		for _, up := range ups {
			ch, ok := sinks[up.SequenceID]
			if !ok {
				continue
			}
			ch <- up
			if up.Finished {
				if err := e.cm.Release(up.SequenceID); err != nil {
					logrus.Errorf("engine: release %s: %v", up.SequenceID, err)
				}
				close(ch)
				delete(sinks, up.SequenceID)
			}
		}
	}

	handleSubmit := func(sub *submission) {
		res, err := e.cm.Admit(sub.id, sub.prompt, sub.params)
		if res.Outcome == AdmissionRejected {
			if err == nil {
				err = fmt.Errorf("engine: sequence %s rejected: %s", sub.id, res.Reason)
			}
			sub.resp <- submitResult{err: err}
			return
		}
		// generous buffer so a slow consumer cannot stall the loop for
		// the common case; worst case the loop blocks on delivery
		ch := make(chan StreamUpdate, 64)
		sinks[sub.id] = ch
		sub.resp <- submitResult{updates: ch}
	}

	handleCancel := func(id string) {
		if err := e.cm.Release(id); err != nil {
			logrus.Errorf("engine: cancel %s: %v", id, err)
		}
	}

	for {
		// control messages first, without blocking the tick
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-e.submitCh:
			handleSubmit(sub)
			continue
		case id := <-e.cancelCh:
			handleCancel(id)
			continue
		case resp := <-e.statusCh:
			resp <- e.cm.Status()
			continue
		default:
		}

		batch, err := e.cm.NextBatch()
		if err != nil {
			return err
		}
		route(e.cm.DrainUpdates())
		if batch == nil {
			// idle: wait for work instead of spinning
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sub := <-e.submitCh:
				handleSubmit(sub)
			case id := <-e.cancelCh:
				handleCancel(id)
			case resp := <-e.statusCh:
				resp <- e.cm.Status()
			}
			continue
		}

		toks, err := e.exec.Step(ctx, batch)
		if err != nil {
			return fmt.Errorf("executor step: %w", err)
		}
		ups, err := e.cm.Commit(batch.ID, toks)
		if err != nil {
			return err
		}
		route(ups)
	}
}

// logStatus periodically logs cache occupancy for operators.
func (e *Engine) logStatus(ctx context.Context) error {
	t := time.NewTicker(e.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			st := e.Status()
			logrus.Infof("engine: blocks %d/%d used, %d waiting, %d running, %d prefix entries",
				st.UsedBlocks, st.TotalBlocks, st.WaitingSequences, st.RunningSequences, st.ActivePrefixEntries)
		}
	}
}
