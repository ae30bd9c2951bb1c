// Package server runs the scan daemon. It owns the store connection and the
// instrument inventory, claims queued scan commands, executes them one at a
// time through the engine and keeps the shared store keys fresh for control
// clients. Configuration changes are picked up between scans, never during
// one.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/engine"
	"github.com/timzifer/stepscan/instrument"
	"github.com/timzifer/stepscan/internal/logging"
	"github.com/timzifer/stepscan/internal/reload"
	"github.com/timzifer/stepscan/scan"
	"github.com/timzifer/stepscan/store"
	"github.com/timzifer/stepscan/telemetry"
)

const (
	// DefaultHeartbeat is the cadence of the daemon liveness key.
	DefaultHeartbeat = 5 * time.Second
	// DefaultCommandPoll is how often the idle daemon checks the queue.
	DefaultCommandPoll = time.Second

	// statusShutdown is written to scan_status when the daemon exits; it is
	// the only status value not produced by the engine.
	statusShutdown = "shutdown"
)

// SinkFactory builds the data sink for one run. The engine finalizes whatever
// it returns; returning a nil sink selects the drop-everything sink.
type SinkFactory func(run string, def *scan.Definition) (scan.Sink, error)

// Option configures the server during construction.
type Option func(*settings) error

type settings struct {
	config     *config.Config
	configPath string
	st         store.Store
	logger     zerolog.Logger
	collector  telemetry.Collector
	sinks      SinkFactory
}

// WithConfig supplies an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) error {
		s.config = cfg
		return nil
	}
}

// WithConfigPath loads the configuration from path and enables hot reload
// when the configuration asks for it.
func WithConfigPath(path string) Option {
	return func(s *settings) error {
		s.configPath = path
		return nil
	}
}

// WithStore injects a store instead of opening one from the configuration.
// The server does not close an injected store.
func WithStore(st store.Store) Option {
	return func(s *settings) error {
		if st == nil {
			return errors.New("server: store must not be nil")
		}
		s.st = st
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

func WithCollector(collector telemetry.Collector) Option {
	return func(s *settings) error {
		if collector == nil {
			return errors.New("server: collector must not be nil")
		}
		s.collector = collector
		return nil
	}
}

// WithSinkFactory installs the per-run sink constructor.
func WithSinkFactory(f SinkFactory) Option {
	return func(s *settings) error {
		s.sinks = f
		return nil
	}
}

// Server is the scan daemon. One Server executes at most one scan at a time;
// queued commands are claimed in run order.
type Server struct {
	mu sync.Mutex

	cfg        *config.Config
	configPath string
	inv        *instrument.Inventory

	st        store.Store
	ownsStore bool

	base      zerolog.Logger
	logger    zerolog.Logger
	collector telemetry.Collector
	sinks     SinkFactory

	watcher *reload.Watcher
	status  *statusServer

	running bool
	started time.Time
	current *activeRun
}

// activeRun describes the scan currently executing.
type activeRun struct {
	Command store.Command
	Run     string
	Npts    int
	Started time.Time
}

// New constructs a server from the supplied options. The configuration comes
// either from WithConfig or is loaded from WithConfigPath; the status listener
// starts immediately when the configuration names one.
func New(opts ...Option) (*Server, error) {
	cfg := settings{
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("server: configuration required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}

	inv, err := instrument.BuildInventory(cfg.config)
	if err != nil {
		return nil, fmt.Errorf("build instruments: %w", err)
	}
	if err := validateScans(cfg.config, inv); err != nil {
		return nil, fmt.Errorf("configured scans invalid: %w", err)
	}

	st := cfg.st
	owns := false
	if st == nil {
		st, err = store.Open(cfg.config.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		owns = true
	}

	srv := &Server{
		cfg:        cfg.config,
		configPath: cfg.configPath,
		inv:        inv,
		st:         st,
		ownsStore:  owns,
		base:       cfg.logger,
		logger:     logging.WithComponent(cfg.logger, "server"),
		collector:  cfg.collector,
		sinks:      cfg.sinks,
		started:    time.Now(),
	}

	if cfg.configPath != "" && cfg.config.HotReload {
		watcher, err := reload.NewWatcher(cfg.configPath, cfg.config)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("create config watcher: %w", err)
		}
		srv.watcher = watcher
	}

	if listen := cfg.config.Server.Listen; listen != "" {
		status, err := newStatusServer(listen, srv, srv.logger)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("start status listener: %w", err)
		}
		srv.status = status
	}

	return srv, nil
}

// Validate checks that every configured instrument constructs and every
// configured scan resolves against them.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	inv, err := instrument.BuildInventory(cfg)
	if err != nil {
		return err
	}
	return validateScans(cfg, inv)
}

func validateScans(cfg *config.Config, inv *instrument.Inventory) error {
	timing := timingDefaults(cfg.Engine)
	var result *multierror.Error
	for _, sc := range cfg.Scans {
		if _, err := scan.Build(scan.FromConfig(sc), inv, timing); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func timingDefaults(cfg config.EngineConfig) scan.Timing {
	return scan.Timing{
		PosSettle:   cfg.PosSettleTime.Duration,
		DetSettle:   cfg.DetSettleTime.Duration,
		PosMaxMove:  cfg.PosMaxMoveTime.Duration,
		DetMaxCount: cfg.DetMaxCountTime.Duration,
	}
}

// StatusAddr returns the bound address of the status listener, or "" when it
// is disabled.
func (s *Server) StatusAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return ""
	}
	return s.status.Addr()
}

// Run executes the daemon until the context is cancelled or a shutdown is
// requested through the store.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.started = time.Now()
	heartbeat := s.cfg.Server.Heartbeat.OrDefault(DefaultHeartbeat)
	poll := s.cfg.Server.CommandPoll.OrDefault(DefaultCommandPoll)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.announce(ctx); err != nil {
		return err
	}
	defer s.withdraw()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return s.commandLoop(gctx, poll)
	})
	g.Go(func() error {
		s.heartbeatLoop(gctx, heartbeat)
		return nil
	})
	return g.Wait()
}

// Close releases the status listener and, when the server opened it, the
// store. Call it after Run has returned.
func (s *Server) Close() {
	s.mu.Lock()
	status := s.status
	s.status = nil
	st := s.st
	owns := s.ownsStore
	s.ownsStore = false
	s.mu.Unlock()

	if status != nil {
		status.Close()
	}
	if owns && st != nil {
		if err := st.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close store")
		}
	}
}

// announce registers the daemon in the store: host and pid identity, the idle
// status and the definitions of every configured scan. A failing first write
// means the store is unreachable and the daemon refuses to start.
func (s *Server) announce(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if err := s.st.SetInfo(ctx, store.KeyHostName, host); err != nil {
		return fmt.Errorf("announce daemon: %w", err)
	}
	s.setInfo(ctx, store.KeyProcessID, strconv.Itoa(os.Getpid()))
	s.setInfo(ctx, store.KeyScanStatus, string(engine.StateIdle))
	s.seedDefinitions(ctx, s.cfg)
	s.logger.Info().Str("host", host).Int("pid", os.Getpid()).Msg("daemon started")
	return nil
}

// withdraw clears the daemon identity so control clients can tell the daemon
// is gone even before the heartbeat goes stale.
func (s *Server) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.setInfo(ctx, store.KeyScanStatus, statusShutdown)
	s.setInfo(ctx, store.KeyHostName, "")
	s.setInfo(ctx, store.KeyProcessID, "0")
	s.logger.Info().Msg("daemon stopped")
}

func (s *Server) seedDefinitions(ctx context.Context, cfg *config.Config) {
	for _, sc := range cfg.Scans {
		def := scan.FromConfig(sc)
		body, err := def.Encode()
		if err != nil {
			s.logger.Warn().Err(err).Str("scan", sc.Name).Msg("encode scan definition")
			continue
		}
		if err := s.st.SaveDefinition(ctx, def.Name, body); err != nil {
			s.logger.Warn().Err(err).Str("scan", sc.Name).Msg("save scan definition")
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.setInfo(ctx, store.KeyHeartbeat, strconv.FormatInt(time.Now().Unix(), 10))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.setInfo(ctx, store.KeyHeartbeat, strconv.FormatInt(time.Now().Unix(), 10))
		}
	}
}

// commandLoop claims and executes queued commands. It returns nil when a
// shutdown was requested through the store and the context error when the
// daemon is stopped from outside.
func (s *Server) commandLoop(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.maybeReload(ctx)
		if s.checkIdleFlags(ctx) {
			return nil
		}

		cmd, err := s.st.CurrentCommand(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn().Err(err).Msg("poll command queue")
			}
			continue
		}
		s.execute(ctx, cmd)
	}
}

// checkIdleFlags honors abort and shutdown requests that arrive while no scan
// runs. An idle abort cancels the queued commands; shutdown additionally
// stops the daemon. Both flags are cleared once honored.
func (s *Server) checkIdleFlags(ctx context.Context) (shutdown bool) {
	abort, err := store.GetBool(ctx, s.st, store.KeyRequestAbort, false)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read abort flag")
	}
	if abort {
		s.cancelQueue(ctx)
		s.setInfo(ctx, store.KeyRequestAbort, store.FormatBool(false))
	}

	shutdown, err = store.GetBool(ctx, s.st, store.KeyRequestShutdown, false)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read shutdown flag")
	}
	if shutdown {
		s.cancelQueue(ctx)
		s.setInfo(ctx, store.KeyRequestShutdown, store.FormatBool(false))
		s.logger.Info().Msg("shutdown requested")
	}
	return shutdown
}

func (s *Server) cancelQueue(ctx context.Context) {
	canceled, err := s.st.CancelRemaining(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cancel queued commands")
		return
	}
	if canceled > 0 {
		s.logger.Info().Int("canceled", canceled).Msg("queued commands canceled")
	}
}

// execute runs one claimed command to completion and records its fate in the
// command queue. Post-run bookkeeping survives context cancellation.
func (s *Server) execute(ctx context.Context, cmd store.Command) {
	logger := s.logger.With().Int64("command", cmd.ID).Str("scan", cmd.Scan).Logger()
	if err := s.st.SetCommandStatus(ctx, cmd.ID, store.CommandStarting); err != nil {
		logger.Warn().Err(err).Msg("claim command")
		return
	}
	s.setInfo(ctx, store.KeyCurrentCommand, strconv.FormatInt(cmd.ID, 10))

	cleanupCtx := context.WithoutCancel(ctx)
	runner, sc, err := s.buildRunner(ctx, cmd)
	if err != nil {
		logger.Error().Err(err).Msg("scan rejected")
		s.setInfo(cleanupCtx, store.KeyScanStatus, string(engine.StateError))
		if err := s.st.SetCommandStatus(cleanupCtx, cmd.ID, store.CommandAborted); err != nil {
			logger.Warn().Err(err).Msg("mark command aborted")
		}
		return
	}

	s.mu.Lock()
	s.current = &activeRun{Command: cmd, Run: runner.Run(), Npts: sc.Npts(), Started: time.Now()}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	if err := s.st.SetCommandStatus(ctx, cmd.ID, store.CommandRunning); err != nil {
		logger.Warn().Err(err).Msg("mark command running")
	}
	result, runErr := runner.Execute(ctx)

	status := store.CommandFinished
	switch {
	case runErr != nil:
		logger.Error().Err(runErr).Msg("scan failed")
		status = store.CommandAborted
	case result.Outcome == scan.OutcomeAborted:
		status = store.CommandAborted
	}
	if err := s.st.SetCommandStatus(cleanupCtx, cmd.ID, status); err != nil {
		logger.Warn().Err(err).Str("status", string(status)).Msg("record command status")
	}
	if result != nil && result.Outcome == scan.OutcomeAborted {
		// An abort stops the whole queue, not just the current scan.
		s.cancelQueue(cleanupCtx)
		s.setInfo(cleanupCtx, store.KeyRequestAbort, store.FormatBool(false))
	}
}

// buildRunner resolves the stored definition against the current inventory
// and wires the engine for one run. The run identifier derives from the
// command id so clients can locate the published data.
func (s *Server) buildRunner(ctx context.Context, cmd store.Command) (*engine.Runner, *scan.Scan, error) {
	s.mu.Lock()
	inv := s.inv
	engCfg := s.cfg.Engine
	s.mu.Unlock()

	body, err := s.st.GetDefinition(ctx, cmd.Scan)
	if err != nil {
		return nil, nil, fmt.Errorf("load definition %s: %w", cmd.Scan, err)
	}
	def, err := scan.ParseDefinition(body)
	if err != nil {
		return nil, nil, err
	}
	sc, err := scan.Build(def, inv, timingDefaults(engCfg))
	if err != nil {
		return nil, nil, err
	}

	run := store.RunID(cmd.Scan, cmd.ID)
	sink := scan.Sink(nil)
	if s.sinks != nil {
		sink, err = s.sinks(run, def)
		if err != nil {
			return nil, nil, fmt.Errorf("open sink for %s: %w", run, err)
		}
	}
	if sink == nil {
		sink = scan.Noop()
	}

	opts := append(engine.ConfigOptions(engCfg),
		engine.WithLogger(s.base),
		engine.WithCollector(s.collector),
		engine.WithSink(sink),
		engine.WithRun(run),
	)
	runner, err := engine.New(sc, s.st, opts...)
	if err != nil {
		return nil, nil, err
	}
	return runner, sc, nil
}

// maybeReload swaps in a changed configuration between scans. Only the
// instruments, scans and engine tunables are rebuilt; logging, store and the
// daemon listeners keep their start-time settings.
func (s *Server) maybeReload(ctx context.Context) {
	if s.watcher == nil {
		return
	}
	changes, err := s.watcher.Check()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to check configuration changes")
		return
	}
	if len(changes) == 0 {
		return
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to reload configuration")
		return
	}
	inv, err := instrument.BuildInventory(cfg)
	if err != nil {
		s.logger.Error().Err(err).Msg("reloaded configuration invalid")
		return
	}
	if err := validateScans(cfg, inv); err != nil {
		s.logger.Error().Err(err).Msg("reloaded configuration invalid")
		return
	}

	s.mu.Lock()
	s.cfg = cfg
	s.inv = inv
	s.mu.Unlock()

	s.seedDefinitions(ctx, cfg)
	if err := s.watcher.Update(s.configPath, cfg); err != nil {
		s.logger.Error().Err(err).Msg("failed to update configuration watcher")
	}
	for _, file := range changes {
		s.collector.IncHotReload(file)
	}
	s.logger.Info().Int("files", len(changes)).Msg("configuration reloaded")
}

func (s *Server) setInfo(ctx context.Context, key, value string) {
	if err := s.st.SetInfo(ctx, key, value); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("store write failed")
	}
}

func (s *Server) activeSnapshot() *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	snapshot := *s.current
	return &snapshot
}
