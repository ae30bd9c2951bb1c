package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory. It backs single-process
// deployments and tests; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	info        map[string]Info
	commands    []*Command
	nextCommand int64
	data        map[string][]float64
	definitions map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		info:        make(map[string]Info),
		nextCommand: 1,
		data:        make(map[string][]float64),
		definitions: make(map[string][]byte),
	}
}

func (m *MemoryStore) GetInfo(_ context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.info[key]
	if !ok {
		return def, nil
	}
	return row.Value, nil
}

func (m *MemoryStore) GetInfoRow(_ context.Context, key string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.info[key]
	if !ok {
		return Info{}, ErrNotFound
	}
	return row, nil
}

func (m *MemoryStore) SetInfo(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[key] = Info{Key: key, Value: value, Updated: time.Now()}
	return nil
}

func (m *MemoryStore) AddCommand(_ context.Context, scan string, runOrder int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := &Command{
		ID:       m.nextCommand,
		Scan:     scan,
		RunOrder: runOrder,
		Status:   CommandRequested,
		Created:  time.Now(),
	}
	m.nextCommand++
	m.commands = append(m.commands, cmd)
	return cmd.ID, nil
}

func (m *MemoryStore) Command(_ context.Context, id int64) (Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cmd := range m.commands {
		if cmd.ID == id {
			return *cmd, nil
		}
	}
	return Command{}, ErrNotFound
}

func (m *MemoryStore) CurrentCommand(ctx context.Context) (Command, error) {
	pending, err := m.PendingCommands(ctx)
	if err != nil {
		return Command{}, err
	}
	if len(pending) == 0 {
		return Command{}, ErrNotFound
	}
	return pending[0], nil
}

func (m *MemoryStore) PendingCommands(_ context.Context) ([]Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pending := make([]Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		if cmd.Status == CommandRequested {
			pending = append(pending, *cmd)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].RunOrder != pending[j].RunOrder {
			return pending[i].RunOrder < pending[j].RunOrder
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (m *MemoryStore) SetCommandStatus(_ context.Context, id int64, status CommandStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.commands {
		if cmd.ID == id {
			cmd.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CancelRemaining(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	canceled := 0
	for _, cmd := range m.commands {
		if cmd.Status == CommandRequested {
			cmd.Status = CommandCanceled
			canceled++
		}
	}
	return canceled, nil
}

func (m *MemoryStore) SetScanData(_ context.Context, run, label string, values []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]float64, len(values))
	copy(buf, values)
	m.data[run+"\x00"+SanitizeLabel(label)] = buf
	return nil
}

func (m *MemoryStore) GetScanData(_ context.Context, run, label string) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values, ok := m.data[run+"\x00"+SanitizeLabel(label)]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]float64, len(values))
	copy(buf, values)
	return buf, nil
}

func (m *MemoryStore) SaveDefinition(_ context.Context, name string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	m.definitions[name] = buf
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.definitions[name]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	return buf, nil
}

func (m *MemoryStore) Close() error { return nil }
