package syncengine

import (
	"context"
	"errors"
)

// ErrInProgress is returned by Operation.Result before the run finished.
var ErrInProgress = errors.New("syncengine: sync still in progress")

// Operation is the pending confirmation of a background sync run started
// after an optimistic local edit.
type Operation struct {
	done   chan struct{}
	cancel context.CancelFunc
	report Report
	err    error
}

// Start runs Sync in the background. Cancelling the operation, or ctx,
// releases it from the run; the run stops unless another caller still waits
// on it. Entries already acknowledged stay acknowledged.
func (e *Engine) Start(ctx context.Context) *Operation {
	runCtx, cancel := context.WithCancel(ctx)
	operation := &Operation{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(operation.done)
		defer cancel()
		operation.report, operation.err = e.Sync(runCtx)
	}()
	return operation
}

// Done is closed when the run finished.
func (operation *Operation) Done() <-chan struct{} {
	return operation.done
}

// Cancel abandons this operation.
func (operation *Operation) Cancel() {
	operation.cancel()
}

// Wait blocks until the run finished or ctx ended.
func (operation *Operation) Wait(ctx context.Context) (Report, error) {
	select {
	case <-operation.done:
		return operation.report, operation.err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Result returns the outcome without blocking.
func (operation *Operation) Result() (Report, error) {
	select {
	case <-operation.done:
		return operation.report, operation.err
	default:
		return Report{}, ErrInProgress
	}
}
