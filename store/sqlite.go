package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with a SQLite driver (for example
// "modernc.org/sqlite"); Open wires this up from configuration. Closing the
// store closes the database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scan_info (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scan_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan TEXT NOT NULL,
			run_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			created INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scan_data (
			run TEXT NOT NULL,
			label TEXT NOT NULL,
			points BLOB NOT NULL,
			updated INTEGER NOT NULL,
			PRIMARY KEY (run, label)
		);
		CREATE TABLE IF NOT EXISTS scan_definitions (
			name TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			updated INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) GetInfo(ctx context.Context, key, def string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM scan_info WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, nil
		}
		return def, err
	}
	return value, nil
}

func (s *SQLiteStore) GetInfoRow(ctx context.Context, key string) (Info, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, value, updated FROM scan_info WHERE key = ?`, key)
	var info Info
	var updated int64
	if err := row.Scan(&info.Key, &info.Value, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	info.Updated = time.Unix(0, updated)
	return info, nil
}

func (s *SQLiteStore) SetInfo(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_info (key, value, updated) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated = excluded.updated`,
		key, value, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) AddCommand(ctx context.Context, scan string, runOrder int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_commands (scan, run_order, status, created) VALUES (?, ?, ?, ?)`,
		scan, runOrder, string(CommandRequested), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Command(ctx context.Context, id int64) (Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scan, run_order, status, created FROM scan_commands WHERE id = ?`, id)
	cmd, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Command{}, ErrNotFound
		}
		return Command{}, err
	}
	return cmd, nil
}

func (s *SQLiteStore) CurrentCommand(ctx context.Context) (Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scan, run_order, status, created FROM scan_commands
		WHERE status = ? ORDER BY run_order ASC, id ASC LIMIT 1`,
		string(CommandRequested),
	)
	cmd, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Command{}, ErrNotFound
		}
		return Command{}, err
	}
	return cmd, nil
}

func (s *SQLiteStore) PendingCommands(ctx context.Context) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scan, run_order, status, created FROM scan_commands
		WHERE status = ? ORDER BY run_order ASC, id ASC`,
		string(CommandRequested),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []Command
	for rows.Next() {
		cmd, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		pending = append(pending, cmd)
	}
	return pending, rows.Err()
}

func scanCommand(scan func(dest ...any) error) (Command, error) {
	var cmd Command
	var status string
	var created int64
	if err := scan(&cmd.ID, &cmd.Scan, &cmd.RunOrder, &status, &created); err != nil {
		return Command{}, err
	}
	cmd.Status = CommandStatus(status)
	cmd.Created = time.Unix(0, created)
	return cmd, nil
}

func (s *SQLiteStore) SetCommandStatus(ctx context.Context, id int64, status CommandStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scan_commands SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CancelRemaining(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scan_commands SET status = ? WHERE status = ?`,
		string(CommandCanceled), string(CommandRequested),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLiteStore) SetScanData(ctx context.Context, run, label string, values []float64) error {
	points, err := json.Marshal(values)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_data (run, label, points, updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(run, label) DO UPDATE SET points = excluded.points, updated = excluded.updated`,
		run, SanitizeLabel(label), points, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetScanData(ctx context.Context, run, label string) ([]float64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT points FROM scan_data WHERE run = ? AND label = ?`, run, SanitizeLabel(label))
	var points []byte
	if err := row.Scan(&points); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var values []float64
	if err := json.Unmarshal(points, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, name string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_definitions (name, body, updated) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated = excluded.updated`,
		name, body, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, name string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM scan_definitions WHERE name = ?`, name)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
