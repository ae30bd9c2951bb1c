package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/stepscan/scan"
	"github.com/timzifer/stepscan/store"
)

// publisher pushes recorded series to the store while motors are still
// moving. At most one publish is in flight; Kick skips when the previous one
// has not finished yet, Join blocks until it has. Owned by the runner
// goroutine.
type publisher struct {
	store  store.Store
	run    string
	logger zerolog.Logger
	done   chan struct{}
}

func newPublisher(st store.Store, run string, logger zerolog.Logger) *publisher {
	return &publisher{store: st, run: run, logger: logger}
}

// Kick starts an asynchronous publish of the snapshot unless one is still in
// flight.
func (p *publisher) Kick(ctx context.Context, snap scan.Snapshot) {
	if p.done != nil {
		select {
		case <-p.done:
			p.done = nil
		default:
			return
		}
	}
	done := make(chan struct{})
	p.done = done
	go func() {
		defer close(done)
		p.write(ctx, snap)
	}()
}

// Join blocks until no publish is in flight.
func (p *publisher) Join() {
	if p.done == nil {
		return
	}
	<-p.done
	p.done = nil
}

// Publish writes the snapshot synchronously, after joining any in-flight
// publish.
func (p *publisher) Publish(ctx context.Context, snap scan.Snapshot) {
	p.Join()
	p.write(ctx, snap)
}

// write pushes every series under its raw label; the store canonicalizes
// labels on both ends, so readers may use any spelling.
func (p *publisher) write(ctx context.Context, snap scan.Snapshot) {
	for label, values := range snap.Series {
		if err := p.store.SetScanData(ctx, p.run, label, values); err != nil {
			p.logger.Warn().Err(err).Str("series", label).Msg("publish scan data failed")
		}
	}
}
