package engine

import "errors"

var (
	// ErrConfigurationInfeasible marks a pool geometry that cannot make
	// progress for even one minimal sequence. Fatal at startup or at the
	// scheduling tick that detects it, never retried.
	ErrConfigurationInfeasible = errors.New("engine: configuration infeasible")

	// ErrUnknownSequence is returned for operations on a sequence id the
	// cache manager has never seen or has already torn down.
	ErrUnknownSequence = errors.New("engine: unknown sequence")

	// ErrDuplicateSequence is returned when admitting an id that is
	// already live.
	ErrDuplicateSequence = errors.New("engine: duplicate sequence id")

	// ErrStaleBatch is returned when Commit names a batch id that is not
	// the outstanding one: results for a superseded batch must not mutate
	// cache state.
	ErrStaleBatch = errors.New("engine: stale or unknown batch")

	// ErrBatchInFlight is returned when NextBatch is called before the
	// previous batch was committed.
	ErrBatchInFlight = errors.New("engine: previous batch not yet committed")

	// ErrEngineClosed is returned when submitting work to a stopped engine.
	ErrEngineClosed = errors.New("engine: closed")
)
