package engine

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ProgressFunc receives throttled progress updates while a scan runs: points
// completed, total points and the estimated remaining time.
type ProgressFunc func(done, total int, remaining time.Duration)

const reporterFinished = -1

// reporter watches the completed-point counter from its own goroutine. Every
// observed change is published (store progress and time estimate); the user
// callback fires at a cadence derived from the scan size. It exits on the
// finished sentinel or, as a safety net, when the counter has not moved for
// the staleness window, so a crashed runner cannot leak it forever.
type reporter struct {
	npts     int
	cadence  int
	estimate func(done int) time.Duration
	publish  func(done int, remaining time.Duration)
	callback ProgressFunc
	logger   zerolog.Logger

	interval   time.Duration
	staleAfter time.Duration

	cpt   atomic.Int64
	nudge chan struct{}
	done  chan struct{}
}

func newReporter(npts int, estimate func(int) time.Duration, publish func(int, time.Duration), callback ProgressFunc, logger zerolog.Logger) *reporter {
	cadence := 25 * int(math.Round(float64(npts)/250))
	if cadence < 10 {
		cadence = 10
	}
	if cadence > 100 {
		cadence = 100
	}
	return &reporter{
		npts:       npts,
		cadence:    cadence,
		estimate:   estimate,
		publish:    publish,
		callback:   callback,
		logger:     logger,
		interval:   250 * time.Millisecond,
		staleAfter: time.Hour,
		nudge:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (r *reporter) Start() {
	go r.run()
}

// Publish records the completed-point count. Safe to call from the runner
// goroutine only; the reporter is the sole reader.
func (r *reporter) Publish(done int) {
	r.cpt.Store(int64(done))
	r.wake()
}

// Stop parks the finished sentinel and waits until the reporter drained.
func (r *reporter) Stop() {
	r.cpt.Store(reporterFinished)
	r.wake()
	<-r.done
}

func (r *reporter) wake() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lastSeen := 0
	lastNotified := 0
	changed := time.Now()
	for {
		select {
		case <-r.nudge:
		case <-ticker.C:
		}
		cur := int(r.cpt.Load())
		if cur == reporterFinished {
			return
		}
		if cur == lastSeen {
			if time.Since(changed) > r.staleAfter {
				r.logger.Warn().Int("points", cur).Msg("progress stalled, reporter exiting")
				return
			}
			continue
		}
		lastSeen = cur
		changed = time.Now()
		remaining := r.estimate(cur)
		if r.publish != nil {
			r.publish(cur, remaining)
		}
		if cur != lastNotified && (cur-lastNotified >= r.cadence || cur >= r.npts) {
			lastNotified = cur
			if r.callback != nil {
				r.callback(cur, r.npts, remaining)
			}
		}
	}
}
