// Package progress implements the progress-reporting and cooperative
// cancellation capability (C8) that every engine threads through its copy
// loop instead of holding a reference back to a UI.
package progress

import (
	"context"
	"time"

	"github.com/chronos-imaging/chronos/internal/model"
)

// Reporter consumes OperationProgress events from any goroutine. Consumers
// (terminal renderer, test spy, no-op) implement this directly.
type Reporter interface {
	Report(model.OperationProgress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(model.OperationProgress)

// Report implements Reporter.
func (f ReporterFunc) Report(p model.OperationProgress) { f(p) }

// Nop discards every event; used where a caller does not care about
// progress (clone jobs invoked from tests, for instance).
var Nop Reporter = ReporterFunc(func(model.OperationProgress) {})

// Cancelled is the distinct error kind every engine unwinds to on
// cancellation. It is never wrapped as an I/O error.
type Cancelled struct{}

func (Cancelled) Error() string { return "operation cancelled" }

// CancelHandle provides the cooperative cancellation checkpoint the spec
// requires at every 2 MiB buffer boundary. It wraps a context so existing
// Go idioms (context propagation, deadlines) compose with it directly.
type CancelHandle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewCancelHandle creates a handle bound to parent; Cancel() triggers
// ctx.Done() and makes Check() return a Cancelled error.
func NewCancelHandle(parent context.Context) *CancelHandle {
	ctx, cancel := context.WithCancelCause(parent)
	return &CancelHandle{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation.
func (h *CancelHandle) Cancel() { h.cancel(Cancelled{}) }

// Check returns Cancelled{} if cancellation has been requested, nil
// otherwise. Call at every copy-loop buffer boundary.
func (h *CancelHandle) Check() error {
	select {
	case <-h.ctx.Done():
		return Cancelled{}
	default:
		return nil
	}
}

// Context returns the underlying context, for passing to I/O calls that
// accept one directly.
func (h *CancelHandle) Context() context.Context { return h.ctx }

// Throttle decides, given the last report time and bytes processed since
// then, whether a new progress event should fire. The spec caps reporting
// to once per 500ms and only once at least 10 MiB of new bytes have moved,
// with a forced report at 100%.
type Throttle struct {
	MinInterval  time.Duration
	MinBytes     uint64
	lastReport   time.Time
	bytesAtLast  uint64
}

// NewThrottle returns the spec-mandated default throttle (500ms / 10 MiB).
func NewThrottle() *Throttle {
	return &Throttle{MinInterval: 500 * time.Millisecond, MinBytes: 10 * 1024 * 1024}
}

// ShouldReport reports whether a progress event should fire now, given the
// current wall-clock time, bytes processed so far, and whether this call
// represents operation completion (always reported).
func (t *Throttle) ShouldReport(now time.Time, bytesDone uint64, done bool) bool {
	if done {
		t.lastReport = now
		t.bytesAtLast = bytesDone
		return true
	}
	if t.lastReport.IsZero() {
		t.lastReport = now
		t.bytesAtLast = bytesDone
		return true
	}
	if now.Sub(t.lastReport) < t.MinInterval {
		return false
	}
	if bytesDone-t.bytesAtLast < t.MinBytes {
		return false
	}
	t.lastReport = now
	t.bytesAtLast = bytesDone
	return true
}
