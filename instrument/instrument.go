package instrument

import (
	"context"
	"time"
)

// Positioner is a movable axis. Moves are started asynchronously; callers poll
// Done until the hardware reports the move finished and read the final
// position back via Position.
type Positioner interface {
	Name() string
	// MoveTo starts a move toward value and returns without waiting for it to
	// complete.
	MoveTo(ctx context.Context, value float64) error
	// Done reports whether the most recent move has finished.
	Done() bool
	// Position returns the current readback value.
	Position() float64
	// Verify checks that every target lies within the positioner's travel
	// range before a scan starts.
	Verify(targets []float64) error
}

// Trigger starts and supervises a single acquisition window on a detector.
type Trigger interface {
	Name() string
	// Start begins an acquisition and returns without waiting for it.
	Start(ctx context.Context) error
	// Abort cancels a running acquisition.
	Abort(ctx context.Context) error
	// Done reports whether the current acquisition has finished.
	Done() bool
	// Runtime reports how long the current or most recent acquisition ran.
	Runtime() time.Duration
}

// Counter produces one scalar reading per scan point.
type Counter interface {
	Name() string
	Read(ctx context.Context) (float64, error)
}

// Detector bundles a trigger with the counters it feeds and the lifecycle
// hooks that run around a scan.
//
// Trigger may return nil for detectors that acquire passively and never need
// arming. Counters lists the channels the detector contributes to the
// instrument inventory; it may be empty when the channels are configured as
// standalone counters instead.
type Detector interface {
	Name() string
	Trigger() Trigger
	Counters() []Counter
	// SetDwelltime configures the acquisition window for the next trigger.
	SetDwelltime(d time.Duration) error
	// PreScan prepares the detector before the first point.
	PreScan(ctx context.Context) error
	// PostScan finalizes the detector after the last point. It is skipped when
	// a scan is aborted.
	PostScan(ctx context.Context) error
}

// BreakHandler is implemented by detectors that need to run work when a scan
// pauses at a breakpoint, for example closing a file segment.
type BreakHandler interface {
	AtBreak(ctx context.Context, breakpoint int) error
}
