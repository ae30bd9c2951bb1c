// Package store persists shared scan state: info keys polled by running
// scans, the command queue, published scan data and stored definitions.
// Backends exist for in-process memory, SQLite and Redis so a control client
// on another host can steer a running service through the same store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/timzifer/stepscan/config"
)

// ErrNotFound is returned when a key, command or definition does not exist.
var ErrNotFound = errors.New("store: not found")

// Info keys shared between the engine, the service and control clients.
// Interrupt flags hold FormatBool values; the engine polls them while a scan
// runs and clears pause and resume after honoring them.
const (
	KeyRequestAbort    = "request_abort"
	KeyRequestPause    = "request_pause"
	KeyRequestResume   = "request_resume"
	KeyRequestShutdown = "request_shutdown"
	KeyScanStatus      = "scan_status"
	KeyScanProgress    = "scan_progress"
	KeyTimeEstimate    = "scan_time_estimate"
	KeyHeartbeat       = "heartbeat"
	KeyCurrentCommand  = "current_command_id"
	KeyHostName        = "host_name"
	KeyProcessID       = "process_id"
)

// CommandStatus tracks a queued scan command through its lifecycle.
type CommandStatus string

const (
	CommandUnknown   CommandStatus = "unknown"
	CommandRequested CommandStatus = "requested"
	CommandCanceled  CommandStatus = "canceled"
	CommandStarting  CommandStatus = "starting"
	CommandRunning   CommandStatus = "running"
	CommandAborting  CommandStatus = "aborting"
	CommandStopping  CommandStatus = "stopping"
	CommandAborted   CommandStatus = "aborted"
	CommandFinished  CommandStatus = "finished"
)

// Command is one queued scan request. Commands with equal run order execute
// in insertion order.
type Command struct {
	ID       int64
	Scan     string
	RunOrder int
	Status   CommandStatus
	Created  time.Time
}

// Info is a full info row including the time of the last write.
type Info struct {
	Key     string
	Value   string
	Updated time.Time
}

// Store is the shared state backend. All writes are last-write-wins; readers
// poll rather than subscribe.
type Store interface {
	// GetInfo returns the value stored under key, or def when the key has
	// never been written.
	GetInfo(ctx context.Context, key, def string) (string, error)
	// GetInfoRow returns the full row for key, or ErrNotFound.
	GetInfoRow(ctx context.Context, key string) (Info, error)
	SetInfo(ctx context.Context, key, value string) error

	// AddCommand queues a scan for execution and returns the command id.
	AddCommand(ctx context.Context, scan string, runOrder int) (int64, error)
	// Command returns a queued or finished command by id, or ErrNotFound.
	Command(ctx context.Context, id int64) (Command, error)
	// CurrentCommand returns the next requested command, ordered by run
	// order and then insertion, or ErrNotFound when the queue is empty.
	CurrentCommand(ctx context.Context) (Command, error)
	// PendingCommands lists all requested commands in queue order.
	PendingCommands(ctx context.Context) ([]Command, error)
	SetCommandStatus(ctx context.Context, id int64, status CommandStatus) error
	// CancelRemaining marks every requested command canceled and returns how
	// many were affected.
	CancelRemaining(ctx context.Context) (int, error)

	SetScanData(ctx context.Context, run, label string, values []float64) error
	GetScanData(ctx context.Context, run, label string) ([]float64, error)

	SaveDefinition(ctx context.Context, name string, body []byte) error
	GetDefinition(ctx context.Context, name string) ([]byte, error)

	Close() error
}

// Open constructs the store backend selected by cfg. An empty driver selects
// the in-process memory store.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "stepscan.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		st, err := NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(client, ""), nil
	default:
		return nil, fmt.Errorf("unknown store driver %s", cfg.Driver)
	}
}

// GetBool reads an info key and coerces it to a boolean. Missing keys and
// empty values yield def.
func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	value, err := s.GetInfo(ctx, key, "")
	if err != nil {
		return def, err
	}
	return coerceBool(value, def)
}

// GetInt reads an info key and coerces it to an integer. Missing keys and
// empty values yield def.
func GetInt(ctx context.Context, s Store, key string, def int64) (int64, error) {
	value, err := s.GetInfo(ctx, key, "")
	if err != nil {
		return def, err
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return def, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return def, fmt.Errorf("info key %s: %w", key, err)
	}
	return parsed, nil
}

func coerceBool(value string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "none":
		return false, nil
	default:
		return def, fmt.Errorf("cannot coerce %q to bool", value)
	}
}

// FormatBool renders a boolean the way control clients write interrupt flags.
func FormatBool(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

// RunID derives the identifier under which the daemon publishes the data of
// one command. Clients use it to look up scan data after submitting.
func RunID(scan string, command int64) string {
	return scan + "-" + strconv.FormatInt(command, 10)
}

// SanitizeLabel maps a counter label to its identifier-safe canonical form:
// every run of characters outside [A-Za-z0-9_] becomes a single underscore.
// Backends apply it on both write and read, so any spelling of a label
// resolves the same series.
func SanitizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	pendingSep := false
	for _, r := range label {
		safe := r == '_' ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9')
		if !safe {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
