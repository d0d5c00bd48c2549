package coordinator

import (
	"context"

	"github.com/tyemirov/conveyor/internal/artifacts"
)

// RunHandle observes and controls one submitted run.
type RunHandle struct {
	run *run
}

// ID returns the run identifier.
func (handle *RunHandle) ID() string {
	return handle.run.id
}

// Done is closed once the run has finished.
func (handle *RunHandle) Done() <-chan struct{} {
	return handle.run.done
}

// Wait blocks until the run finishes or ctx ends.
func (handle *RunHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-handle.run.done:
		return handle.run.result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns a snapshot. The outcome stays OutcomePending until the run finishes.
func (handle *RunHandle) Result() Result {
	return handle.run.result()
}

// Cancel stops the run. It reports false when the run had already finished or been cancelled.
func (handle *RunHandle) Cancel() bool {
	return handle.run.requestCancel(cancelledByRequestReasonConstant)
}

// Artifacts resolves artifacts published by completed jobs of the run.
func (handle *RunHandle) Artifacts() artifacts.Resolver {
	return handle.run.artifacts
}

func (handle *RunHandle) finished() bool {
	return handle.run.isFinalized()
}
