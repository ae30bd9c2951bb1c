package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/scan"
	"github.com/timzifer/stepscan/store"

	_ "github.com/timzifer/stepscan/drivers/sim"
)

func settingsNode(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("parse driver settings: %v", err)
	}
	return doc.Content[0]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Name: "bench",
		Server: config.ServerConfig{
			CommandPoll: config.Duration{Duration: 10 * time.Millisecond},
			Heartbeat:   config.Duration{Duration: 20 * time.Millisecond},
		},
		Positioners: []config.PositionerConfig{
			{ID: "samx", Driver: "sim_positioner", DriverSettings: settingsNode(t, "speed: 10000")},
		},
		Detectors: []config.DetectorConfig{
			{ID: "det", Driver: "sim_detector", DriverSettings: settingsNode(t, "base_rate: 1000")},
		},
		Scans: []config.ScanConfig{
			{
				Name:      "line",
				Axes:      []config.ScanAxisConfig{{ID: "samx", Targets: []float64{0, 1, 2}}},
				Detectors: []string{"det"},
				Counters:  []string{"det"},
				Dwelltime: config.Duration{Duration: 2 * time.Millisecond},
			},
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type daemon struct {
	srv    *Server
	st     *store.MemoryStore
	sink   *scan.MemorySink
	done   chan error
	exited chan struct{}
}

// startDaemon builds a server on a memory store and runs it until the test
// ends. The returned done channel carries Run's result.
func startDaemon(t *testing.T, cfg *config.Config, opts ...Option) *daemon {
	t.Helper()
	st := store.NewMemoryStore()
	sink := scan.NewMemorySink()
	base := []Option{
		WithConfig(cfg),
		WithStore(st),
		WithSinkFactory(func(string, *scan.Definition) (scan.Sink, error) { return sink, nil }),
	}
	srv, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- srv.Run(ctx)
		close(exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		srv.Close()
	})
	return &daemon{srv: srv, st: st, sink: sink, done: done, exited: exited}
}

func (d *daemon) commandStatus(t *testing.T, id int64) store.CommandStatus {
	t.Helper()
	cmd, err := d.st.Command(context.Background(), id)
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	return cmd.Status
}

func (d *daemon) info(t *testing.T, key string) string {
	t.Helper()
	value, err := d.st.GetInfo(context.Background(), key, "")
	if err != nil {
		t.Fatalf("GetInfo %s failed: %v", key, err)
	}
	return value
}

func (d *daemon) requestShutdown(t *testing.T) {
	t.Helper()
	if err := d.st.SetInfo(context.Background(), store.KeyRequestShutdown, "1"); err != nil {
		t.Fatalf("SetInfo failed: %v", err)
	}
	select {
	case err := <-d.done:
		if err != nil {
			t.Fatalf("Run returned %v on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not honor shutdown request")
	}
}

func TestServerExecutesQueuedCommand(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, testConfig(t))

	id, err := d.st.AddCommand(ctx, "line", 0)
	if err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}
	waitFor(t, 5*time.Second, "command to finish", func() bool {
		return d.commandStatus(t, id) == store.CommandFinished
	})

	if !d.sink.Opened() {
		t.Error("expected sink to be opened")
	}
	if got := d.sink.Finalized(); got != 1 {
		t.Errorf("expected one finalize, got %d", got)
	}
	header := d.sink.Header()
	wantRun := fmt.Sprintf("line-%d", id)
	if header.Run != wantRun {
		t.Errorf("expected run %s, got %s", wantRun, header.Run)
	}
	if header.Npts != 3 {
		t.Errorf("expected 3 points in header, got %d", header.Npts)
	}

	if got := d.info(t, store.KeyScanStatus); got != "complete" {
		t.Errorf("expected scan status complete, got %q", got)
	}
	if got := d.info(t, store.KeyCurrentCommand); got != fmt.Sprint(id) {
		t.Errorf("expected current command %d, got %q", id, got)
	}
	if got := d.info(t, store.KeyScanProgress); got != "3" {
		t.Errorf("expected progress 3, got %q", got)
	}
	if d.info(t, store.KeyHeartbeat) == "" {
		t.Error("expected heartbeat to be written")
	}

	positions, err := d.st.GetScanData(ctx, wantRun, "samx")
	if err != nil {
		t.Fatalf("GetScanData samx failed: %v", err)
	}
	if len(positions) != 3 || positions[0] != 0 || positions[2] != 2 {
		t.Errorf("unexpected published positions: %v", positions)
	}
	counts, err := d.st.GetScanData(ctx, wantRun, "det")
	if err != nil {
		t.Fatalf("GetScanData det failed: %v", err)
	}
	if len(counts) != 3 {
		t.Errorf("expected 3 published counts, got %v", counts)
	}

	d.requestShutdown(t)
	if got := d.info(t, store.KeyScanStatus); got != "shutdown" {
		t.Errorf("expected shutdown status after exit, got %q", got)
	}
	if got := d.info(t, store.KeyProcessID); got != "0" {
		t.Errorf("expected cleared pid after exit, got %q", got)
	}
}

func TestServerRejectsUnknownDefinition(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, testConfig(t))

	id, err := d.st.AddCommand(ctx, "nope", 0)
	if err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}
	waitFor(t, 5*time.Second, "command to be aborted", func() bool {
		return d.commandStatus(t, id) == store.CommandAborted
	})
	if got := d.info(t, store.KeyScanStatus); got != "error" {
		t.Errorf("expected scan status error, got %q", got)
	}
	if d.sink.Opened() {
		t.Error("sink must not open for a rejected scan")
	}
	d.requestShutdown(t)
}

func TestServerIdleAbortCancelsQueue(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	st := store.NewMemoryStore()
	first, err := st.AddCommand(ctx, "line", 0)
	if err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}
	second, err := st.AddCommand(ctx, "line", 1)
	if err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}
	if err := st.SetInfo(ctx, store.KeyRequestAbort, "1"); err != nil {
		t.Fatalf("SetInfo failed: %v", err)
	}

	srv, err := New(WithConfig(cfg), WithStore(st))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	waitFor(t, 5*time.Second, "queued commands to be canceled", func() bool {
		a, err := st.Command(ctx, first)
		if err != nil {
			return false
		}
		b, err := st.Command(ctx, second)
		if err != nil {
			return false
		}
		return a.Status == store.CommandCanceled && b.Status == store.CommandCanceled
	})
	waitFor(t, time.Second, "abort flag to clear", func() bool {
		value, err := st.GetInfo(ctx, store.KeyRequestAbort, "")
		return err == nil && value == "0"
	})
}

func TestServerShutdownDuringScanDrainsQueue(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, testConfig(t))

	first, err := d.st.AddCommand(ctx, "line", 0)
	if err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}
	second, err := d.st.AddCommand(ctx, "line", 1)
	if err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}
	waitFor(t, 5*time.Second, "first command to start running", func() bool {
		return d.commandStatus(t, first) == store.CommandRunning
	})

	if err := d.st.SetInfo(ctx, store.KeyRequestShutdown, "1"); err != nil {
		t.Fatalf("SetInfo failed: %v", err)
	}
	select {
	case err := <-d.done:
		if err != nil {
			t.Fatalf("Run returned %v on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not honor shutdown request")
	}

	if got := d.commandStatus(t, first); got != store.CommandAborted {
		t.Errorf("expected running command aborted, got %s", got)
	}
	if got := d.commandStatus(t, second); got != store.CommandCanceled {
		t.Errorf("expected queued command canceled, got %s", got)
	}
	if got := d.info(t, store.KeyRequestShutdown); got != "0" {
		t.Errorf("expected shutdown flag cleared, got %q", got)
	}
}

func TestStatusEndpoints(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"

	st := store.NewMemoryStore()
	srv, err := New(WithConfig(cfg), WithStore(st))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(srv.Close)

	addr := srv.StatusAddr()
	if addr == "" {
		t.Fatal("expected bound status address")
	}
	base := "http://" + addr

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	if _, err := st.AddCommand(ctx, "line", 0); err != nil {
		t.Fatalf("AddCommand failed: %v", err)
	}

	resp, err = http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if status.Name != "bench" || status.State != "idle" {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Pending != 1 {
		t.Errorf("expected 1 pending command, got %d", status.Pending)
	}
	if !status.StoreOK {
		t.Error("expected healthy store in status")
	}
	if status.Current != nil {
		t.Errorf("expected no current run, got %+v", status.Current)
	}

	resp, err = http.Get(base + "/api/queue")
	if err != nil {
		t.Fatalf("queue request failed: %v", err)
	}
	var queue []queuedCommand
	if err := json.NewDecoder(resp.Body).Decode(&queue); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	resp.Body.Close()
	if len(queue) != 1 || queue[0].Scan != "line" {
		t.Errorf("unexpected queue: %+v", queue)
	}

	resp, err = http.Post(base+"/api/control", "application/json", bytes.NewBufferString(`{"action":"pause"}`))
	if err != nil {
		t.Fatalf("control request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from control, got %d", resp.StatusCode)
	}
	flag, err := st.GetInfo(ctx, store.KeyRequestPause, "")
	if err != nil || flag != "1" {
		t.Errorf("expected pause flag set, got %q err %v", flag, err)
	}

	resp, err = http.Post(base+"/api/control", "application/json", bytes.NewBufferString(`{"action":"warp"}`))
	if err != nil {
		t.Fatalf("control request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", resp.StatusCode)
	}
}

func TestValidateRejectsBrokenScan(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scans = append(cfg.Scans, config.ScanConfig{
		Name: "broken",
		Axes: []config.ScanAxisConfig{{ID: "missing", Targets: []float64{0}}},
	})

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected error to name the unknown positioner, got %v", err)
	}

	if _, err := New(WithConfig(cfg), WithStore(store.NewMemoryStore())); err == nil {
		t.Fatal("expected New to reject broken configuration")
	}
}

func TestValidateAcceptsTestConfig(t *testing.T) {
	if err := Validate(testConfig(t)); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

const reloadConfigTemplate = `package: bench
name: bench
hot_reload: true
server:
  command_poll: 10ms
positioners:
  - id: samx
    driver: sim_positioner
    driver_settings:
      speed: 10000
detectors:
  - id: det
    driver: sim_detector
    driver_settings:
      base_rate: 1000
scans:
%s`

const reloadScanLine = `  - name: %s
    positioners:
      - id: samx
        targets: [0, 1]
    detectors: [det]
    counters: [det]
    dwelltime: 2ms
`

func TestServerReloadsConfigBetweenScans(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	write := func(scans ...string) {
		t.Helper()
		var lines strings.Builder
		for _, name := range scans {
			fmt.Fprintf(&lines, reloadScanLine, name)
		}
		body := fmt.Sprintf(reloadConfigTemplate, lines.String())
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("line")

	st := store.NewMemoryStore()
	srv, err := New(WithConfigPath(path), WithStore(st))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	waitFor(t, 5*time.Second, "initial definition to be seeded", func() bool {
		_, err := st.GetDefinition(ctx, "line")
		return err == nil
	})

	write("line", "grid")
	waitFor(t, 5*time.Second, "reloaded definition to appear", func() bool {
		_, err := st.GetDefinition(ctx, "grid")
		return err == nil
	})

	// A broken rewrite must keep the last good configuration.
	if err := os.WriteFile(path, []byte("package: bench\nscans: [{name: bad, positioners: [{id: ghost, targets: [0]}]}]\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := st.GetDefinition(ctx, "bad"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected broken definition to stay unseeded, got %v", err)
	}
	if _, err := st.GetDefinition(ctx, "grid"); err != nil {
		t.Errorf("expected last good definition to survive, got %v", err)
	}
}
