package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/stepscan/store"
)

type interruptFlags struct {
	Abort bool
	Pause bool
}

// interrupts polls the control flags a client may set in the store while a
// scan runs. Abort is sticky: once observed it never clears for the rest of
// the run. A shutdown request counts as an abort. Store failures keep the
// flags at their last known state so a flaky store cannot un-abort a scan.
type interrupts struct {
	store  store.Store
	logger zerolog.Logger
	last   interruptFlags
}

func newInterrupts(st store.Store, logger zerolog.Logger) *interrupts {
	return &interrupts{store: st, logger: logger}
}

// Sample refreshes the flags from the store.
func (c *interrupts) Sample(ctx context.Context) interruptFlags {
	abort, err := store.GetBool(ctx, c.store, store.KeyRequestAbort, false)
	if err == nil {
		var shutdown bool
		shutdown, err = store.GetBool(ctx, c.store, store.KeyRequestShutdown, false)
		abort = abort || shutdown
	}
	var pause, resume bool
	if err == nil {
		pause, err = store.GetBool(ctx, c.store, store.KeyRequestPause, false)
	}
	if err == nil {
		resume, err = store.GetBool(ctx, c.store, store.KeyRequestResume, false)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("interrupt flags unavailable, keeping last state")
		return c.last
	}
	c.last = interruptFlags{
		Abort: c.last.Abort || abort,
		Pause: pause && !resume,
	}
	return c.last
}

// ClearPause resets the pause and resume flags after a pause ended.
func (c *interrupts) ClearPause(ctx context.Context) {
	c.clear(ctx, store.KeyRequestPause)
	c.clear(ctx, store.KeyRequestResume)
	c.last.Pause = false
}

// Reset clears the abort, pause and resume flags when a scan starts. The
// shutdown flag stays untouched since it belongs to the service, not to one
// scan.
func (c *interrupts) Reset(ctx context.Context) {
	c.clear(ctx, store.KeyRequestAbort)
	c.clear(ctx, store.KeyRequestPause)
	c.clear(ctx, store.KeyRequestResume)
	c.last = interruptFlags{}
}

func (c *interrupts) clear(ctx context.Context, key string) {
	if err := c.store.SetInfo(ctx, key, store.FormatBool(false)); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("clear interrupt flag failed")
	}
}
