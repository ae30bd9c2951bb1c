package scan

import (
	"context"
	"sync"
	"time"
)

// Snapshot is a copy of the data recorded so far, keyed by positioner and
// counter name. Every series holds one value per completed point.
type Snapshot struct {
	Points int
	Series map[string][]float64
}

// ExtraReading is a named value sampled once at scan start, for quantities
// that are worth recording but not worth a per-point column.
type ExtraReading struct {
	Name  string
	Value float64
}

// Header describes a run before its first data write.
type Header struct {
	Run         string
	Scan        string
	Npts        int
	Positioners []string
	Counters    []string
	Extra       []ExtraReading
	Started     time.Time
}

// Sink receives checkpointed scan data. Open is called once before the first
// point, Write at every reached breakpoint and Finalize exactly once when the
// run ends, whether it completed, aborted or failed.
type Sink interface {
	Open(ctx context.Context, header Header) error
	Write(ctx context.Context, breakpoint int, snapshot Snapshot) error
	Finalize(ctx context.Context) error
}

// Noop returns a Sink that drops everything.
func Noop() Sink { return noopSink{} }

type noopSink struct{}

func (noopSink) Open(context.Context, Header) error { return nil }

func (noopSink) Write(context.Context, int, Snapshot) error { return nil }

func (noopSink) Finalize(context.Context) error { return nil }

// MemorySink records every sink call for inspection in tests.
type MemorySink struct {
	mu        sync.Mutex
	header    Header
	opened    bool
	writes    []MemoryWrite
	finalized int
}

// MemoryWrite is one recorded Write call.
type MemoryWrite struct {
	Breakpoint int
	Snapshot   Snapshot
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Open(_ context.Context, header Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = header
	m.opened = true
	return nil
}

func (m *MemorySink) Write(_ context.Context, breakpoint int, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, MemoryWrite{Breakpoint: breakpoint, Snapshot: snapshot})
	return nil
}

func (m *MemorySink) Finalize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized++
	return nil
}

func (m *MemorySink) Header() Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

func (m *MemorySink) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MemorySink) Writes() []MemoryWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryWrite(nil), m.writes...)
}

func (m *MemorySink) Finalized() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}
