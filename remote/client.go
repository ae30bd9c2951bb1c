// Package remote provides a store-backed control client for a running scan
// daemon. It submits scan definitions, raises the interrupt flags the engine
// polls and reads back progress, all without talking to the daemon process
// directly; sharing the store is the whole wire protocol.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/scan"
	"github.com/timzifer/stepscan/store"
)

// DefaultWaitPoll is how often Wait re-reads a command status.
const DefaultWaitPoll = 250 * time.Millisecond

// Client drives a scan daemon through its state store.
type Client struct {
	st   store.Store
	owns bool
}

// New wraps an existing store connection. Close leaves the store open.
func New(st store.Store) *Client {
	return &Client{st: st}
}

// Open connects to the store described by cfg. Close releases the
// connection.
func Open(cfg config.StoreConfig) (*Client, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{st: st, owns: true}, nil
}

// Close releases the store connection when the client opened it.
func (c *Client) Close() error {
	if !c.owns {
		return nil
	}
	c.owns = false
	return c.st.Close()
}

// Submit stores the definition and queues it for execution. It returns the
// command id; the daemon publishes the run's data under RunID(def.Name, id).
func (c *Client) Submit(ctx context.Context, def *scan.Definition, runOrder int) (int64, error) {
	if def == nil {
		return 0, errors.New("remote: definition must not be nil")
	}
	body, err := def.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode definition: %w", err)
	}
	if err := c.st.SaveDefinition(ctx, def.Name, body); err != nil {
		return 0, fmt.Errorf("save definition: %w", err)
	}
	id, err := c.st.AddCommand(ctx, def.Name, runOrder)
	if err != nil {
		return 0, fmt.Errorf("queue command: %w", err)
	}
	return id, nil
}

// SubmitName queues an already stored definition by name.
func (c *Client) SubmitName(ctx context.Context, name string, runOrder int) (int64, error) {
	if _, err := c.st.GetDefinition(ctx, name); err != nil {
		return 0, fmt.Errorf("definition %s: %w", name, err)
	}
	id, err := c.st.AddCommand(ctx, name, runOrder)
	if err != nil {
		return 0, fmt.Errorf("queue command: %w", err)
	}
	return id, nil
}

// Abort stops the running scan and empties the queue.
func (c *Client) Abort(ctx context.Context) error {
	return c.raise(ctx, store.KeyRequestAbort)
}

// Pause halts the running scan before its next point.
func (c *Client) Pause(ctx context.Context) error {
	return c.raise(ctx, store.KeyRequestPause)
}

// Resume continues a paused scan.
func (c *Client) Resume(ctx context.Context) error {
	return c.raise(ctx, store.KeyRequestResume)
}

// Shutdown stops the daemon once the current scan has ended.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.raise(ctx, store.KeyRequestShutdown)
}

func (c *Client) raise(ctx context.Context, key string) error {
	if err := c.st.SetInfo(ctx, key, store.FormatBool(true)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Queue lists the commands still waiting to run.
func (c *Client) Queue(ctx context.Context) ([]store.Command, error) {
	return c.st.PendingCommands(ctx)
}

// CancelQueue cancels every queued command and reports how many.
func (c *Client) CancelQueue(ctx context.Context) (int, error) {
	return c.st.CancelRemaining(ctx)
}

// Command returns a queued or finished command by id.
func (c *Client) Command(ctx context.Context, id int64) (store.Command, error) {
	return c.st.Command(ctx, id)
}

// Wait blocks until the command reaches a terminal status or the context
// ends. A non-positive poll selects DefaultWaitPoll.
func (c *Client) Wait(ctx context.Context, id int64, poll time.Duration) (store.CommandStatus, error) {
	if poll <= 0 {
		poll = DefaultWaitPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		cmd, err := c.st.Command(ctx, id)
		if err != nil {
			return store.CommandUnknown, err
		}
		if terminal(cmd.Status) {
			return cmd.Status, nil
		}
		select {
		case <-ctx.Done():
			return cmd.Status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminal(status store.CommandStatus) bool {
	switch status {
	case store.CommandFinished, store.CommandAborted, store.CommandCanceled:
		return true
	default:
		return false
	}
}

// Definition fetches a stored scan definition by name.
func (c *Client) Definition(ctx context.Context, name string) (*scan.Definition, error) {
	body, err := c.st.GetDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	return scan.ParseDefinition(body)
}

// ScanData reads one published series of a run.
func (c *Client) ScanData(ctx context.Context, run, label string) ([]float64, error) {
	return c.st.GetScanData(ctx, run, label)
}

// Status is a point-in-time view of the daemon assembled from the info keys.
type Status struct {
	// State is the last scan_status value, "idle" when never written.
	State string
	// Points is the number of completed points of the current or last run.
	Points int64
	// Estimate is the reported remaining time, zero when unknown.
	Estimate time.Duration
	// Heartbeat is the daemon's last liveness write, zero when unknown.
	Heartbeat time.Time
	// Command is the id of the current or last executed command, zero when
	// the daemon never claimed one.
	Command int64
	// Host and PID identify the daemon process; Host is empty after a clean
	// daemon exit.
	Host string
	PID  int
}

// Alive reports whether the heartbeat is younger than maxAge.
func (s Status) Alive(maxAge time.Duration) bool {
	if s.Heartbeat.IsZero() {
		return false
	}
	return time.Since(s.Heartbeat) <= maxAge
}

// Status reads the daemon state from the store. Individual missing keys keep
// their zero values; only store failures surface as errors.
func (c *Client) Status(ctx context.Context) (Status, error) {
	status := Status{}
	state, err := c.st.GetInfo(ctx, store.KeyScanStatus, "idle")
	if err != nil {
		return status, fmt.Errorf("read scan status: %w", err)
	}
	status.State = state

	points, err := store.GetInt(ctx, c.st, store.KeyScanProgress, 0)
	if err != nil {
		return status, fmt.Errorf("read progress: %w", err)
	}
	status.Points = points

	if estimate, err := c.st.GetInfo(ctx, store.KeyTimeEstimate, ""); err == nil && estimate != "" {
		if seconds, err := strconv.ParseFloat(estimate, 64); err == nil {
			status.Estimate = time.Duration(seconds * float64(time.Second))
		}
	}
	if beat, err := store.GetInt(ctx, c.st, store.KeyHeartbeat, 0); err == nil && beat > 0 {
		status.Heartbeat = time.Unix(beat, 0)
	}
	if command, err := store.GetInt(ctx, c.st, store.KeyCurrentCommand, 0); err == nil {
		status.Command = command
	}
	if host, err := c.st.GetInfo(ctx, store.KeyHostName, ""); err == nil {
		status.Host = host
	}
	if pid, err := store.GetInt(ctx, c.st, store.KeyProcessID, 0); err == nil {
		status.PID = int(pid)
	}
	return status, nil
}
