// Package engine drives validated scans point by point: move the
// positioners, settle, trigger the detectors, wait bounded, read the
// counters and checkpoint at breakpoints, while polling the store for
// abort, pause and resume requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
	"github.com/timzifer/stepscan/scan"
	"github.com/timzifer/stepscan/store"
	"github.com/timzifer/stepscan/telemetry"
)

// State is the lifecycle phase of a run, mirrored to the store under
// scan_status.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StatePreparing  State = "preparing"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateFinishing  State = "finishing"
	StateComplete   State = "complete"
	StateAborted    State = "aborted"
	StateError      State = "error"
)

// Defaults for the tunable loop parameters. The poll interval is the floor
// for every hardware completion check; completion is only observable by
// re-querying the device, so all waits are poll based.
const (
	DefaultPollInterval    = time.Millisecond
	DefaultPausePoll       = 250 * time.Millisecond
	DefaultPreWaitFloor    = 50 * time.Millisecond
	DefaultMisfireBackoff  = 250 * time.Millisecond
	DefaultMaxPointRetries = 3
)

// Runner executes one validated scan once. The runner goroutine is the sole
// mutator of the scan; the reporter and publisher it spawns only read an
// atomic counter respectively copied snapshots.
type Runner struct {
	scan      *scan.Scan
	store     store.Store
	sink      scan.Sink
	collector telemetry.Collector
	logger    zerolog.Logger
	progress  ProgressFunc
	run       string

	pollInterval    time.Duration
	pausePoll       time.Duration
	preWaitFloor    time.Duration
	misfireBackoff  time.Duration
	maxPointRetries int
	workers         int

	interrupts *interrupts
	publisher  *publisher
	reporter   *reporter
	bgCtx      context.Context

	started time.Time
	timers  scan.Timers
	retries int
}

// Option configures a Runner during construction.
type Option func(*Runner) error

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) error {
		r.logger = logger
		return nil
	}
}

func WithSink(sink scan.Sink) Option {
	return func(r *Runner) error {
		if sink == nil {
			return errors.New("engine: sink must not be nil")
		}
		r.sink = sink
		return nil
	}
}

func WithCollector(collector telemetry.Collector) Option {
	return func(r *Runner) error {
		if collector == nil {
			return errors.New("engine: collector must not be nil")
		}
		r.collector = collector
		return nil
	}
}

// WithRun fixes the run identifier under which data is published. Defaults
// to the scan name plus a random suffix.
func WithRun(run string) Option {
	return func(r *Runner) error {
		r.run = run
		return nil
	}
}

// WithProgressFunc registers an additional progress callback next to the
// store and telemetry updates the runner always performs.
func WithProgressFunc(fn ProgressFunc) Option {
	return func(r *Runner) error {
		r.progress = fn
		return nil
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) error {
		if d <= 0 {
			return errors.New("engine: poll interval must be positive")
		}
		r.pollInterval = d
		return nil
	}
}

func WithPausePoll(d time.Duration) Option {
	return func(r *Runner) error {
		if d <= 0 {
			return errors.New("engine: pause poll must be positive")
		}
		r.pausePoll = d
		return nil
	}
}

// WithPreWaitFloor sets the minimum sleep between arming the triggers and
// the first completion poll.
func WithPreWaitFloor(d time.Duration) Option {
	return func(r *Runner) error {
		if d < 0 {
			return errors.New("engine: pre-wait floor must not be negative")
		}
		r.preWaitFloor = d
		return nil
	}
}

// WithMisfireBackoff sets the grace sleep before a suspected misfire is
// re-checked.
func WithMisfireBackoff(d time.Duration) Option {
	return func(r *Runner) error {
		if d < 0 {
			return errors.New("engine: misfire backoff must not be negative")
		}
		r.misfireBackoff = d
		return nil
	}
}

// WithMaxPointRetries bounds how often one point may be retried after a
// misfire before the run fails with a PointError.
func WithMaxPointRetries(n int) Option {
	return func(r *Runner) error {
		if n < 0 {
			return errors.New("engine: max point retries must not be negative")
		}
		r.maxPointRetries = n
		return nil
	}
}

// WithWorkerSlots bounds how many pre-scan, post-scan and at-break hooks run
// concurrently.
func WithWorkerSlots(n int) Option {
	return func(r *Runner) error {
		if n < 1 {
			return errors.New("engine: worker slots must be positive")
		}
		r.workers = n
		return nil
	}
}

// ConfigOptions translates the engine section of a configuration into runner
// options. Zero values keep the defaults.
func ConfigOptions(cfg config.EngineConfig) []Option {
	var opts []Option
	if cfg.PollInterval.Duration > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval.Duration))
	}
	if cfg.PausePoll.Duration > 0 {
		opts = append(opts, WithPausePoll(cfg.PausePoll.Duration))
	}
	if cfg.MaxPointRetries > 0 {
		opts = append(opts, WithMaxPointRetries(cfg.MaxPointRetries))
	}
	if cfg.Workers > 0 {
		opts = append(opts, WithWorkerSlots(cfg.Workers))
	}
	return opts
}

// New constructs a runner for one execution of the scan. The store carries
// the interrupt flags and receives progress and published data; it must not
// be nil.
func New(sc *scan.Scan, st store.Store, opts ...Option) (*Runner, error) {
	if sc == nil {
		return nil, errors.New("engine: scan must not be nil")
	}
	if st == nil {
		return nil, errors.New("engine: store must not be nil")
	}
	r := &Runner{
		scan:            sc,
		store:           st,
		sink:            scan.Noop(),
		collector:       telemetry.Noop(),
		logger:          zerolog.Nop(),
		pollInterval:    DefaultPollInterval,
		pausePoll:       DefaultPausePoll,
		preWaitFloor:    DefaultPreWaitFloor,
		misfireBackoff:  DefaultMisfireBackoff,
		maxPointRetries: DefaultMaxPointRetries,
		workers:         1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.run == "" {
		r.run = fmt.Sprintf("%s-%s", sc.Name(), uuid.NewString())
	}
	r.logger = r.logger.With().Str("component", "engine").Str("scan", sc.Name()).Logger()
	r.interrupts = newInterrupts(st, r.logger)
	r.publisher = newPublisher(st, r.run, r.logger)
	return r, nil
}

// Run returns the identifier under which this execution publishes its data.
func (r *Runner) Run() string { return r.run }

// Execute validates, prepares and runs the scan. An abort is not an error:
// the result carries the aborted outcome and the returned error is nil.
// Cancelling the context is treated like an abort request.
func (r *Runner) Execute(ctx context.Context) (*scan.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.bgCtx = context.WithoutCancel(ctx)
	r.started = time.Now()

	r.setState(ctx, StateValidating)
	if err := r.scan.Validate(); err != nil {
		r.setState(ctx, StateError)
		return nil, fmt.Errorf("validate scan: %w", err)
	}
	r.collector.IncScanStarted(r.scan.Name())
	r.logger.Info().Str("run", r.run).Int("npts", r.scan.Npts()).Msg("scan starting")

	r.setState(ctx, StatePreparing)
	home, aborted, err := r.prepare(ctx)
	if err != nil {
		r.setState(ctx, StateError)
		return nil, err
	}

	var runErr error
	if !aborted {
		r.setState(ctx, StateRunning)
		aborted, runErr = r.runLoop(ctx)
	}
	return r.finish(ctx, home, aborted, runErr)
}

// prepare clears stale interrupt flags, captures the positions to restore
// later, runs the pre-scan hooks, issues the move to the first point, opens
// the sink and starts the reporter. Errors here need no cleanup beyond what
// prepare already did itself.
func (r *Runner) prepare(ctx context.Context) ([]float64, bool, error) {
	r.interrupts.Reset(ctx)

	axes := r.scan.Axes()
	home := make([]float64, len(axes))
	for i, axis := range axes {
		home[i] = axis.Positioner.Position()
	}

	if r.scan.UniformDwell() {
		if err := r.scan.ApplyDwelltime(0); err != nil {
			return nil, false, err
		}
	}
	if err := r.preScanHooks(ctx); err != nil {
		return nil, false, err
	}

	if err := r.scan.StartMoves(ctx, 0); err != nil {
		return nil, false, fmt.Errorf("move to start: %w", err)
	}

	extra, err := r.scan.ReadExtras(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("read extras: %w", err)
	}
	header := scan.Header{
		Run:     r.run,
		Scan:    r.scan.Name(),
		Npts:    r.scan.Npts(),
		Extra:   extra,
		Started: r.started,
	}
	for _, axis := range axes {
		header.Positioners = append(header.Positioners, axis.Positioner.Name())
	}
	for _, rec := range r.scan.Recordings() {
		header.Counters = append(header.Counters, rec.Counter.Name())
	}
	if err := r.sink.Open(ctx, header); err != nil {
		return nil, false, fmt.Errorf("open sink: %w", err)
	}

	r.setInfo(ctx, store.KeyScanProgress, "0")
	r.setInfo(ctx, store.KeyTimeEstimate, formatSeconds(r.scan.EstimateRemaining(0)))

	publishCtx := r.bgCtx
	publish := func(done int, remaining time.Duration) {
		r.setInfo(publishCtx, store.KeyScanProgress, strconv.Itoa(done))
		r.setInfo(publishCtx, store.KeyTimeEstimate, formatSeconds(remaining))
		r.collector.SetScanProgress(r.scan.Name(), done)
	}
	r.reporter = newReporter(r.scan.Npts(), r.scan.EstimateRemaining, publish, r.progress, r.logger)
	r.reporter.Start()

	moveStart := time.Now()
	aborted := r.waitMoves(ctx)
	r.timers.Move += time.Since(moveStart)
	return home, aborted, nil
}

func (r *Runner) runLoop(ctx context.Context) (bool, error) {
	npts := r.scan.Npts()
	attempt := 1
	for i := 0; i < npts; {
		flags := r.interrupts.Sample(ctx)
		if ctx.Err() != nil || flags.Abort {
			return true, nil
		}
		if flags.Pause {
			if aborted := r.pauseLoop(ctx); aborted {
				return true, nil
			}
		}

		if !r.scan.UniformDwell() {
			if err := r.scan.ApplyDwelltime(i); err != nil {
				return false, err
			}
		}
		if err := r.scan.StartMoves(ctx, i); err != nil {
			return false, fmt.Errorf("point %d: %w", i, err)
		}
		if r.scan.Points() > 0 {
			r.publisher.Kick(r.bgCtx, r.scan.Snapshot())
		}
		moveStart := time.Now()
		movesAborted := r.waitMoves(ctx)
		r.timers.Move += time.Since(moveStart)
		if movesAborted {
			return true, nil
		}

		if err := sleepCtx(ctx, r.scan.Timing().PosSettle); err != nil {
			return true, nil
		}
		r.timers.Settle += r.scan.Timing().PosSettle

		if err := r.scan.StartTriggers(ctx); err != nil {
			return false, fmt.Errorf("point %d: %w", i, err)
		}
		triggered := time.Now()
		preWait := r.preWaitFloor
		if half := r.scan.MinDwell() / 2; half > preWait {
			preWait = half
		}
		if err := sleepCtx(ctx, preWait); err != nil {
			return true, nil
		}
		triggersAborted := r.waitTriggers(ctx)
		r.timers.Count += time.Since(triggered)
		if triggersAborted {
			return true, nil
		}

		ok, checkAborted := r.checkPoint(ctx, time.Since(triggered))
		if checkAborted {
			return true, nil
		}
		if !ok {
			if attempt > r.maxPointRetries {
				return false, &PointError{Index: i, Attempts: attempt}
			}
			attempt++
			r.retries++
			r.logger.Warn().Int("point", i).Int("attempt", attempt).Msg("trigger misfire, retrying point")
			if err := r.scan.AbortTriggers(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("abort triggers after misfire failed")
			}
			if err := r.preScanHooks(ctx); err != nil {
				return false, err
			}
			continue
		}

		if err := sleepCtx(ctx, r.scan.Timing().DetSettle); err != nil {
			return true, nil
		}
		r.timers.Settle += r.scan.Timing().DetSettle

		if err := r.scan.ReadPoint(ctx); err != nil {
			return false, fmt.Errorf("point %d: %w", i, err)
		}
		attempt = 1
		r.collector.IncPointRead(r.scan.Name())
		r.reporter.Publish(r.scan.Points())

		if r.scan.IsBreakpoint(i) {
			if err := r.checkpoint(ctx, i); err != nil {
				return false, err
			}
		}

		flags = r.interrupts.Sample(ctx)
		if ctx.Err() != nil || flags.Abort {
			return true, nil
		}
		i++
	}
	return false, nil
}

// pauseLoop parks the runner while the pause flag is set. Resume clears both
// request flags in the store so the next pause request starts clean.
func (r *Runner) pauseLoop(ctx context.Context) bool {
	r.setState(ctx, StatePaused)
	r.logger.Info().Msg("scan paused")
	pausedAt := time.Now()
	defer func() { r.timers.Pause += time.Since(pausedAt) }()

	flags := interruptFlags{Pause: true}
	for flags.Pause {
		if err := sleepCtx(ctx, r.pausePoll); err != nil {
			return true
		}
		flags = r.interrupts.Sample(ctx)
		if flags.Abort {
			return true
		}
	}
	r.interrupts.ClearPause(ctx)
	r.setState(ctx, StateRunning)
	r.logger.Info().Dur("paused", time.Since(pausedAt)).Msg("scan resumed")
	return false
}

// waitMoves polls until every positioner reports done or the move budget
// elapses. A timeout is tolerated; bad data from a short move is caught by
// the misfire check downstream. Returns true when an interrupt or context
// cancellation aborted the wait.
func (r *Runner) waitMoves(ctx context.Context) bool {
	deadline := time.Now().Add(r.scan.Timing().PosMaxMove)
	for !r.scan.MovesDone() {
		if time.Now().After(deadline) {
			r.logger.Warn().Dur("budget", r.scan.Timing().PosMaxMove).Msg("positioners still moving past budget")
			return false
		}
		if r.interrupts.Sample(ctx).Abort {
			return true
		}
		if err := sleepCtx(ctx, r.pollInterval); err != nil {
			return true
		}
	}
	return false
}

func (r *Runner) waitTriggers(ctx context.Context) bool {
	deadline := time.Now().Add(triggerBudget(r.scan.MaxDwell(), r.scan.Timing().DetMaxCount))
	for !r.scan.TriggersDone() {
		if time.Now().After(deadline) {
			return false
		}
		if r.interrupts.Sample(ctx).Abort {
			return true
		}
		if err := sleepCtx(ctx, r.pollInterval); err != nil {
			return true
		}
	}
	return false
}

// triggerBudget bounds the trigger wait at 5*(1+2*maxDwell) seconds, capped
// by the counting-time ceiling.
func triggerBudget(maxDwell, ceiling time.Duration) time.Duration {
	budget := time.Duration(5 * (1 + 2*maxDwell.Seconds()) * float64(time.Second))
	if budget > ceiling {
		budget = ceiling
	}
	return budget
}

// checkPoint applies the misfire heuristic: a point is well formed when
// every trigger reports done and the acquisition ran longer than 3/4 of the
// shortest dwell time. Device done flags are not fully trusted, so a failing
// point gets one more look after a grace sleep before the misfire counts.
func (r *Runner) checkPoint(ctx context.Context, elapsed time.Duration) (ok, aborted bool) {
	if len(r.scan.Triggers()) == 0 {
		return true, false
	}
	if r.scan.TriggersDone() && elapsed > 3*r.scan.MinDwell()/4 {
		return true, false
	}
	if err := sleepCtx(ctx, r.misfireBackoff); err != nil {
		return false, true
	}
	threshold := 4 * r.scan.MinDwell() / 5
	ok = true
	for _, trig := range r.scan.Triggers() {
		if trig.Done() && trig.Runtime() > threshold {
			continue
		}
		ok = false
		r.collector.IncMisfire(r.scan.Name(), trig.Name())
		r.logger.Warn().Str("trigger", trig.Name()).Dur("runtime", trig.Runtime()).Msg("trigger misfired")
	}
	return ok, false
}

// checkpoint flushes the data recorded so far and runs the at-break hooks.
// The in-flight publish is joined first so the store never trails a
// checkpoint.
func (r *Runner) checkpoint(ctx context.Context, index int) error {
	r.publisher.Join()
	if err := r.sink.Write(ctx, index, r.scan.Snapshot()); err != nil {
		return fmt.Errorf("checkpoint %d: %w", index, err)
	}
	err := runHooks(ctx, r.workers, r.breakHandlers(), func(ctx context.Context, h instrument.BreakHandler) error {
		return h.AtBreak(ctx, index)
	})
	if err != nil {
		return fmt.Errorf("at-break hooks: %w", err)
	}
	r.logger.Debug().Int("breakpoint", index).Int("points", r.scan.Points()).Msg("checkpoint written")
	return nil
}

func (r *Runner) breakHandlers() []instrument.BreakHandler {
	var handlers []instrument.BreakHandler
	for _, det := range r.scan.Detectors() {
		if h, ok := det.(instrument.BreakHandler); ok {
			handlers = append(handlers, h)
		}
	}
	for _, axis := range r.scan.Axes() {
		if h, ok := axis.Positioner.(instrument.BreakHandler); ok {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

func (r *Runner) preScanHooks(ctx context.Context) error {
	err := runHooks(ctx, r.workers, r.scan.Detectors(), func(ctx context.Context, det instrument.Detector) error {
		if err := det.PreScan(ctx); err != nil {
			return fmt.Errorf("detector %s: %w", det.Name(), err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pre-scan hooks: %w", err)
	}
	return nil
}

// finish runs the cleanup path every exit funnels through: final publish,
// return the positioners to their pre-scan values, close the sink and stop
// the reporter. Post-scan hooks run only on a clean completion.
func (r *Runner) finish(ctx context.Context, home []float64, aborted bool, runErr error) (*scan.Result, error) {
	r.setState(ctx, StateFinishing)
	cleanup := r.bgCtx
	if aborted {
		if err := r.scan.AbortTriggers(cleanup); err != nil {
			r.logger.Warn().Err(err).Msg("abort triggers failed")
		}
	}
	r.publisher.Publish(cleanup, r.scan.Snapshot())
	r.setInfo(cleanup, store.KeyScanProgress, strconv.Itoa(r.scan.Points()))

	for i, axis := range r.scan.Axes() {
		if err := axis.Positioner.MoveTo(cleanup, home[i]); err != nil {
			r.logger.Warn().Err(err).Str("positioner", axis.Positioner.Name()).Msg("return to start failed")
		}
	}
	if err := r.sink.Finalize(cleanup); err != nil {
		if runErr == nil && !aborted {
			runErr = fmt.Errorf("finalize sink: %w", err)
		} else {
			r.logger.Warn().Err(err).Msg("finalize sink failed")
		}
	}
	r.reporter.Stop()

	if !aborted && runErr == nil {
		err := runHooks(cleanup, r.workers, r.scan.Detectors(), func(ctx context.Context, det instrument.Detector) error {
			if err := det.PostScan(ctx); err != nil {
				return fmt.Errorf("detector %s: %w", det.Name(), err)
			}
			return nil
		})
		if err != nil {
			runErr = fmt.Errorf("post-scan hooks: %w", err)
		}
	}

	outcome := scan.OutcomeCompleted
	state := StateComplete
	switch {
	case aborted:
		outcome = scan.OutcomeAborted
		state = StateAborted
	case runErr != nil:
		outcome = scan.OutcomeFailed
		state = StateError
	}
	r.setState(cleanup, state)

	ended := time.Now()
	r.timers.Total = ended.Sub(r.started)
	result := &scan.Result{
		Outcome: outcome,
		Points:  r.scan.Points(),
		Retries: r.retries,
		Timers:  r.timers,
		Started: r.started,
		Ended:   ended,
	}
	r.collector.IncScanFinished(r.scan.Name(), string(outcome))
	r.collector.ObserveScanDuration(r.scan.Name(), r.timers.Total.Seconds())
	r.logger.Info().
		Str("outcome", string(outcome)).
		Int("points", result.Points).
		Int("retries", result.Retries).
		Dur("total", r.timers.Total).
		Msg("scan finished")
	return result, runErr
}

func (r *Runner) setState(ctx context.Context, state State) {
	r.setInfo(ctx, store.KeyScanStatus, string(state))
}

// setInfo writes a store key best effort and refreshes the heartbeat; store
// failures never stop a scan.
func (r *Runner) setInfo(ctx context.Context, key, value string) {
	if err := r.store.SetInfo(ctx, key, value); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("store write failed")
	}
	if err := r.store.SetInfo(ctx, store.KeyHeartbeat, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		r.logger.Debug().Err(err).Msg("heartbeat write failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
