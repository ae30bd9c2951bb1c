package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
	"github.com/timzifer/stepscan/scan"
	"github.com/timzifer/stepscan/store"
)

type fakePositioner struct {
	name     string
	position float64
	moved    []float64
}

func (p *fakePositioner) Name() string { return p.name }

func (p *fakePositioner) MoveTo(ctx context.Context, value float64) error {
	p.moved = append(p.moved, value)
	p.position = value
	return nil
}

func (p *fakePositioner) Done() bool { return true }

func (p *fakePositioner) Position() float64 { return p.position }

func (p *fakePositioner) Verify(targets []float64) error { return nil }

type fakeTrigger struct {
	name      string
	dwell     time.Duration
	startedAt time.Time
	starts    int
	stuck     bool
	aborted   bool
}

func (t *fakeTrigger) Name() string { return t.name }

func (t *fakeTrigger) Start(ctx context.Context) error {
	t.starts++
	t.startedAt = time.Now()
	t.aborted = false
	return nil
}

func (t *fakeTrigger) Abort(ctx context.Context) error {
	t.aborted = true
	return nil
}

func (t *fakeTrigger) Done() bool {
	if t.aborted {
		return true
	}
	if t.stuck {
		return false
	}
	return time.Since(t.startedAt) >= t.dwell
}

func (t *fakeTrigger) Runtime() time.Duration {
	if t.stuck {
		return 0
	}
	elapsed := time.Since(t.startedAt)
	if elapsed > t.dwell {
		return t.dwell
	}
	return elapsed
}

type fakeDetector struct {
	name    string
	trigger *fakeTrigger

	mu        sync.Mutex
	preScans  int
	postScans int
	atBreaks  []int
	failPost  error
}

func (d *fakeDetector) Name() string { return d.name }

func (d *fakeDetector) Trigger() instrument.Trigger {
	if d.trigger == nil {
		return nil
	}
	return d.trigger
}

func (d *fakeDetector) Counters() []instrument.Counter { return nil }

func (d *fakeDetector) SetDwelltime(dwell time.Duration) error {
	if d.trigger != nil {
		d.trigger.dwell = dwell
	}
	return nil
}

func (d *fakeDetector) PreScan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preScans++
	return nil
}

func (d *fakeDetector) PostScan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postScans++
	return d.failPost
}

func (d *fakeDetector) AtBreak(ctx context.Context, breakpoint int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.atBreaks = append(d.atBreaks, breakpoint)
	return nil
}

func (d *fakeDetector) counts() (pre, post int, breaks []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preScans, d.postScans, append([]int(nil), d.atBreaks...)
}

type fakeCounter struct {
	name   string
	reads  int
	onRead func(n int)
}

func (c *fakeCounter) Name() string { return c.name }

func (c *fakeCounter) Read(ctx context.Context) (float64, error) {
	c.reads++
	if c.onRead != nil {
		c.onRead(c.reads)
	}
	return float64(c.reads), nil
}

type scenario struct {
	store *store.MemoryStore
	pos   *fakePositioner
	trig  *fakeTrigger
	det   *fakeDetector
	cnt   *fakeCounter
	sink  *scan.MemorySink
	scan  *scan.Scan
}

func newScenario(npts int) *scenario {
	targets := make([]float64, npts)
	for i := range targets {
		targets[i] = float64(i)
	}
	s := &scenario{
		store: store.NewMemoryStore(),
		pos:   &fakePositioner{name: "samx", position: 42},
		trig:  &fakeTrigger{name: "gate"},
		cnt:   &fakeCounter{name: "i0"},
		sink:  scan.NewMemorySink(),
	}
	s.det = &fakeDetector{name: "mca", trigger: s.trig}
	s.scan = scan.New("demo")
	s.scan.AddAxis(s.pos, targets)
	s.scan.AddDetector(s.det)
	s.scan.AddCounter(s.cnt)
	s.scan.SetDwelltime(20 * time.Millisecond)
	s.scan.SetTiming(scan.Timing{PosSettle: time.Millisecond, DetSettle: time.Millisecond})
	return s
}

func (s *scenario) runner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	base := []Option{
		WithSink(s.sink),
		WithRun("test-run"),
		WithPreWaitFloor(time.Millisecond),
		WithMisfireBackoff(time.Millisecond),
	}
	r, err := New(s.scan, s.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func (s *scenario) info(t *testing.T, key string) string {
	t.Helper()
	value, err := s.store.GetInfo(context.Background(), key, "")
	if err != nil {
		t.Fatalf("GetInfo %s failed: %v", key, err)
	}
	return value
}

func TestExecuteCompletesScan(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScenario(5)
	res, err := s.runner(t).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if res.Points != 5 || s.cnt.reads != 5 {
		t.Fatalf("expected 5 points read, got result %d and %d reads", res.Points, s.cnt.reads)
	}
	pre, post, _ := s.det.counts()
	if pre != 1 || post != 1 {
		t.Fatalf("expected one pre-scan and one post-scan, got %d and %d", pre, post)
	}
	if s.pos.Position() != 42 {
		t.Fatalf("positioner not restored, at %v", s.pos.Position())
	}
	if !s.sink.Opened() || s.sink.Finalized() != 1 {
		t.Fatalf("sink opened=%v finalized=%d", s.sink.Opened(), s.sink.Finalized())
	}
	if len(s.sink.Writes()) != 0 {
		t.Fatalf("expected no breakpoint writes, got %d", len(s.sink.Writes()))
	}
	values, err := s.store.GetScanData(context.Background(), "test-run", "i0")
	if err != nil || len(values) != 5 {
		t.Fatalf("published counter data %v (%v)", values, err)
	}
	if got := s.info(t, store.KeyScanStatus); got != string(StateComplete) {
		t.Fatalf("unexpected scan status %q", got)
	}
	if got := s.info(t, store.KeyScanProgress); got != "5" {
		t.Fatalf("unexpected scan progress %q", got)
	}
	if res.Timers.Count <= 0 || res.Timers.Total <= 0 {
		t.Fatalf("timers not recorded: %+v", res.Timers)
	}
}

func TestExecuteRecordsExtrasInHeader(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScenario(3)
	ring := &fakeCounter{name: "ring_current"}
	s.scan.AddExtra(ring)
	res, err := s.runner(t).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if ring.reads != 1 {
		t.Fatalf("extra counter read %d times, expected once", ring.reads)
	}
	header := s.sink.Header()
	if len(header.Extra) != 1 {
		t.Fatalf("unexpected header extras %+v", header.Extra)
	}
	if header.Extra[0].Name != "ring_current" || header.Extra[0].Value != 1 {
		t.Fatalf("unexpected extra reading %+v", header.Extra[0])
	}
}

func TestExecuteAbortsOnRequest(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScenario(5)
	ctx := context.Background()
	s.cnt.onRead = func(n int) {
		if n == 3 {
			if err := s.store.SetInfo(ctx, store.KeyRequestAbort, "1"); err != nil {
				t.Errorf("set abort failed: %v", err)
			}
		}
	}
	res, err := s.runner(t).Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeAborted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if res.Points < 3 || res.Points > 4 {
		t.Fatalf("expected 3 or 4 points, got %d", res.Points)
	}
	if _, post, _ := s.det.counts(); post != 0 {
		t.Fatalf("post-scan hooks ran %d times on abort", post)
	}
	if s.sink.Finalized() != 1 {
		t.Fatalf("sink finalized %d times", s.sink.Finalized())
	}
	if s.pos.Position() != 42 {
		t.Fatalf("positioner not restored, at %v", s.pos.Position())
	}
	if got := s.info(t, store.KeyScanStatus); got != string(StateAborted) {
		t.Fatalf("unexpected scan status %q", got)
	}
}

func TestExecuteTreatsShutdownAsAbort(t *testing.T) {
	s := newScenario(4)
	ctx := context.Background()
	s.cnt.onRead = func(n int) {
		if n == 1 {
			_ = s.store.SetInfo(ctx, store.KeyRequestShutdown, "1")
		}
	}
	res, err := s.runner(t).Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeAborted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
}

func TestExecuteFailsAfterRetryBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScenario(3)
	s.trig.stuck = true
	s.scan.SetDwelltime(10 * time.Millisecond)
	s.scan.SetTiming(scan.Timing{
		PosSettle:   time.Millisecond,
		DetSettle:   time.Millisecond,
		DetMaxCount: 20 * time.Millisecond,
	})
	res, err := s.runner(t, WithMaxPointRetries(3)).Execute(context.Background())
	if err == nil {
		t.Fatal("expected a point error")
	}
	var pe *PointError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PointError, got %v", err)
	}
	if pe.Index != 0 || pe.Attempts != 4 {
		t.Fatalf("unexpected point error %+v", pe)
	}
	if res.Outcome != scan.OutcomeFailed || res.Points != 0 || res.Retries != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	pre, post, _ := s.det.counts()
	if pre != 4 {
		t.Fatalf("expected pre-scan per attempt, got %d", pre)
	}
	if post != 0 {
		t.Fatalf("post-scan hooks ran %d times on failure", post)
	}
	if s.sink.Finalized() != 1 {
		t.Fatalf("sink finalized %d times", s.sink.Finalized())
	}
}

func TestPauseAndResume(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScenario(5)
	ctx := context.Background()
	s.cnt.onRead = func(n int) {
		if n == 2 {
			_ = s.store.SetInfo(ctx, store.KeyRequestPause, "1")
		}
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			status, err := s.store.GetInfo(ctx, store.KeyScanStatus, "")
			if err == nil && status == string(StatePaused) {
				time.Sleep(20 * time.Millisecond)
				_ = s.store.SetInfo(ctx, store.KeyRequestResume, "1")
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		t.Error("scan never paused")
	}()

	res, err := s.runner(t, WithPausePoll(5*time.Millisecond)).Execute(ctx)
	wg.Wait()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeCompleted || res.Points != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.cnt.reads != 5 {
		t.Fatalf("expected 5 reads with no repeats, got %d", s.cnt.reads)
	}
	if res.Timers.Pause <= 0 {
		t.Fatalf("pause time not recorded: %+v", res.Timers)
	}
	paused, err := store.GetBool(ctx, s.store, store.KeyRequestPause, true)
	if err != nil || paused {
		t.Fatalf("pause flag not cleared (%v, %v)", paused, err)
	}
	resumed, err := store.GetBool(ctx, s.store, store.KeyRequestResume, true)
	if err != nil || resumed {
		t.Fatalf("resume flag not cleared (%v, %v)", resumed, err)
	}
}

func TestBreakpointCheckpoints(t *testing.T) {
	s := newScenario(5)
	s.scan.AddBreakpoint(1)
	s.scan.AddBreakpoint(3)
	res, err := s.runner(t).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	writes := s.sink.Writes()
	if len(writes) != 2 || writes[0].Breakpoint != 1 || writes[1].Breakpoint != 3 {
		t.Fatalf("unexpected checkpoint writes %+v", writes)
	}
	if writes[0].Snapshot.Points != 2 || writes[1].Snapshot.Points != 4 {
		t.Fatalf("unexpected snapshot sizes %d and %d",
			writes[0].Snapshot.Points, writes[1].Snapshot.Points)
	}
	if s.sink.Finalized() != 1 {
		t.Fatalf("sink finalized %d times", s.sink.Finalized())
	}
	if _, _, breaks := s.det.counts(); len(breaks) != 2 || breaks[0] != 1 || breaks[1] != 3 {
		t.Fatalf("unexpected at-break hooks %v", breaks)
	}
}

func TestBreakpointWritesOnlyReachedOnAbort(t *testing.T) {
	s := newScenario(5)
	ctx := context.Background()
	s.scan.AddBreakpoint(1)
	s.scan.AddBreakpoint(3)
	s.cnt.onRead = func(n int) {
		if n == 2 {
			_ = s.store.SetInfo(ctx, store.KeyRequestAbort, "1")
		}
	}
	res, err := s.runner(t).Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeAborted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	writes := s.sink.Writes()
	if len(writes) != 1 || writes[0].Breakpoint != 1 {
		t.Fatalf("unexpected checkpoint writes %+v", writes)
	}
	if s.sink.Finalized() != 1 {
		t.Fatalf("sink finalized %d times", s.sink.Finalized())
	}
}

func TestExecuteCancelledContextAborts(t *testing.T) {
	s := newScenario(5)
	ctx, cancel := context.WithCancel(context.Background())
	s.cnt.onRead = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	defer cancel()
	res, err := s.runner(t).Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != scan.OutcomeAborted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if res.Points >= 5 {
		t.Fatalf("scan ran to completion despite cancel")
	}
	if s.sink.Finalized() != 1 {
		t.Fatalf("sink finalized %d times", s.sink.Finalized())
	}
}

func TestExecutePostScanFailureFailsRun(t *testing.T) {
	s := newScenario(3)
	s.det.failPost = errors.New("shutter stuck")
	res, err := s.runner(t).Execute(context.Background())
	if err == nil || !strings.Contains(err.Error(), "post-scan hooks") {
		t.Fatalf("expected post-scan hook error, got %v", err)
	}
	if res.Outcome != scan.OutcomeFailed {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if res.Points != 3 {
		t.Fatalf("recorded points lost on hook failure: %d", res.Points)
	}
}

func TestExecuteRejectsInvalidScan(t *testing.T) {
	s := newScenario(3)
	s.scan.AddBreakpoint(7)
	res, err := s.runner(t).Execute(context.Background())
	if err == nil || res != nil {
		t.Fatalf("expected validation error, got %v and %+v", err, res)
	}
	if len(s.pos.moved) != 0 {
		t.Fatalf("hardware touched by rejected scan: %v", s.pos.moved)
	}
	if got := s.info(t, store.KeyScanStatus); got != string(StateError) {
		t.Fatalf("unexpected scan status %q", got)
	}
}

func TestConfigOptionsApplied(t *testing.T) {
	s := newScenario(2)
	cfg := config.EngineConfig{
		PollInterval:    config.Duration{Duration: 5 * time.Millisecond},
		PausePoll:       config.Duration{Duration: 10 * time.Millisecond},
		MaxPointRetries: 1,
		Workers:         2,
	}
	r, err := New(s.scan, s.store, ConfigOptions(cfg)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.pollInterval != 5*time.Millisecond || r.pausePoll != 10*time.Millisecond {
		t.Fatalf("poll options not applied: %v %v", r.pollInterval, r.pausePoll)
	}
	if r.maxPointRetries != 1 || r.workers != 2 {
		t.Fatalf("retry and worker options not applied: %d %d", r.maxPointRetries, r.workers)
	}
}

func TestRunHooksCollectsAllErrors(t *testing.T) {
	err := runHooks(context.Background(), 2, []string{"a", "b", "c"}, func(ctx context.Context, item string) error {
		if item == "b" {
			return nil
		}
		return errors.New(item + " failed")
	})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "a failed") || !strings.Contains(err.Error(), "c failed") {
		t.Fatalf("missing hook failures in %v", err)
	}
	if err := runHooks(context.Background(), 2, nil, func(ctx context.Context, item string) error {
		return errors.New("never")
	}); err != nil {
		t.Fatalf("empty hook set returned %v", err)
	}
}

func TestReporterPublishesChangesAndThrottlesCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	var mu sync.Mutex
	var published []int
	var calls [][2]int
	publish := func(done int, remaining time.Duration) {
		mu.Lock()
		published = append(published, done)
		mu.Unlock()
	}
	callback := func(done, total int, remaining time.Duration) {
		mu.Lock()
		calls = append(calls, [2]int{done, total})
		mu.Unlock()
	}
	estimate := func(done int) time.Duration { return time.Duration(5-done) * time.Second }
	rep := newReporter(5, estimate, publish, callback, zerolog.Nop())
	rep.interval = 5 * time.Millisecond
	rep.Start()
	rep.Publish(2)
	time.Sleep(30 * time.Millisecond)
	rep.Publish(5)
	time.Sleep(30 * time.Millisecond)
	rep.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 2 || published[0] != 2 || published[1] != 5 {
		t.Fatalf("unexpected published changes %v", published)
	}
	if len(calls) != 1 || calls[0] != [2]int{5, 5} {
		t.Fatalf("unexpected callback notifications %v", calls)
	}
}

func TestReporterStopsWhenStale(t *testing.T) {
	defer goleak.VerifyNone(t)
	rep := newReporter(5, func(int) time.Duration { return 0 }, nil, nil, zerolog.Nop())
	rep.interval = 2 * time.Millisecond
	rep.staleAfter = 10 * time.Millisecond
	rep.Start()
	select {
	case <-rep.done:
	case <-time.After(time.Second):
		t.Fatal("stale reporter did not exit")
	}
}

func TestInterruptsAbortIsSticky(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newInterrupts(st, zerolog.Nop())
	if flags := c.Sample(ctx); flags.Abort || flags.Pause {
		t.Fatalf("unexpected initial flags %+v", flags)
	}
	_ = st.SetInfo(ctx, store.KeyRequestAbort, "1")
	if !c.Sample(ctx).Abort {
		t.Fatal("abort not observed")
	}
	_ = st.SetInfo(ctx, store.KeyRequestAbort, "0")
	if !c.Sample(ctx).Abort {
		t.Fatal("abort flag must stay sticky")
	}
}

func TestInterruptsResumeEndsPause(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newInterrupts(st, zerolog.Nop())
	_ = st.SetInfo(ctx, store.KeyRequestPause, "1")
	if !c.Sample(ctx).Pause {
		t.Fatal("pause not observed")
	}
	_ = st.SetInfo(ctx, store.KeyRequestResume, "1")
	if c.Sample(ctx).Pause {
		t.Fatal("resume did not end the pause")
	}
	c.ClearPause(ctx)
	pause, _ := st.GetInfo(ctx, store.KeyRequestPause, "")
	resume, _ := st.GetInfo(ctx, store.KeyRequestResume, "")
	if pause != "0" || resume != "0" {
		t.Fatalf("flags not cleared: pause=%q resume=%q", pause, resume)
	}
}

func TestInterruptsKeepLastStateOnBadValue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newInterrupts(st, zerolog.Nop())
	_ = st.SetInfo(ctx, store.KeyRequestAbort, "1")
	if !c.Sample(ctx).Abort {
		t.Fatal("abort not observed")
	}
	_ = st.SetInfo(ctx, store.KeyRequestAbort, "wat")
	if !c.Sample(ctx).Abort {
		t.Fatal("garbage value must keep the last state")
	}
}

func TestPublisherWritesSanitizedSeries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newPublisher(st, "run-1", zerolog.Nop())
	p.Kick(ctx, scan.Snapshot{Points: 2, Series: map[string][]float64{
		"det 1": {1, 2},
	}})
	p.Join()
	values, err := st.GetScanData(ctx, "run-1", "det_1")
	if err != nil || len(values) != 2 {
		t.Fatalf("published series missing: %v (%v)", values, err)
	}
}

