// Package metrics provides collection and reporting of merger metrics:
// active connections, active layers, merges performed, framing failures,
// and dispatcher requests by kind.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Collector holds all merger metrics. Safe for concurrent use.
type Collector struct {
	// Connection/layer gauges
	ConnectionsActive atomic.Int64
	LayersActive      atomic.Int64

	// Merge engine counters
	MergesTotal         atomic.Uint64
	FramingGarbageTotal atomic.Uint64

	// Dispatcher counters
	RequestErrorsTotal atomic.Uint64

	mu       sync.Mutex
	requests map[string]uint64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{requests: make(map[string]uint64)}
}

// IncConnectionsActive records a newly accepted or dialed connection.
func (m *Collector) IncConnectionsActive() {
	m.ConnectionsActive.Add(1)
}

// DecConnectionsActive records a connection's release.
func (m *Collector) DecConnectionsActive() {
	m.ConnectionsActive.Add(-1)
}

// GetConnectionsActive returns the current number of managed connections.
func (m *Collector) GetConnectionsActive() int64 {
	return m.ConnectionsActive.Load()
}

// SetLayersActive records the current layer count after a mutation.
func (m *Collector) SetLayersActive(n int) {
	m.LayersActive.Store(int64(n))
}

// GetLayersActive returns the current layer count.
func (m *Collector) GetLayersActive() int64 {
	return m.LayersActive.Load()
}

// IncMerges records one completed re-merge of the universe.
func (m *Collector) IncMerges() {
	m.MergesTotal.Add(1)
}

// GetMerges returns the total number of merges performed.
func (m *Collector) GetMerges() uint64 {
	return m.MergesTotal.Load()
}

// IncFramingGarbage records one GARBAGE framing result on some connection.
func (m *Collector) IncFramingGarbage() {
	m.FramingGarbageTotal.Add(1)
}

// GetFramingGarbage returns the total number of GARBAGE framing results.
func (m *Collector) GetFramingGarbage() uint64 {
	return m.FramingGarbageTotal.Load()
}

// IncRequest records one dispatched request of the given kind (e.g.
// "new layer", "status", "output").
func (m *Collector) IncRequest(kind string) {
	m.mu.Lock()
	m.requests[kind]++
	m.mu.Unlock()
}

// IncRequestError records one request that produced a protocol or value
// error reply.
func (m *Collector) IncRequestError() {
	m.RequestErrorsTotal.Add(1)
}

// GetRequestErrors returns the total number of error replies sent.
func (m *Collector) GetRequestErrors() uint64 {
	return m.RequestErrorsTotal.Load()
}

// RequestCounts returns a snapshot of per-kind request counts.
func (m *Collector) RequestCounts() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.requests))
	for k, v := range m.requests {
		out[k] = v
	}
	return out
}

// Snapshot represents a point-in-time view of metrics, used by the HTTP
// /status endpoint.
type Snapshot struct {
	ConnectionsActive int64             `json:"connections_active"`
	LayersActive      int64             `json:"layers_active"`
	MergesTotal       uint64            `json:"merges_total"`
	FramingGarbage    uint64            `json:"framing_garbage_total"`
	RequestErrors     uint64            `json:"request_errors_total"`
	Requests          map[string]uint64 `json:"requests"`
}

// Snapshot returns a consistent point-in-time view of all metrics.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsActive: m.GetConnectionsActive(),
		LayersActive:      m.GetLayersActive(),
		MergesTotal:       m.GetMerges(),
		FramingGarbage:    m.GetFramingGarbage(),
		RequestErrors:     m.GetRequestErrors(),
		Requests:          m.RequestCounts(),
	}
}

// Reset resets all metrics to zero values. Used by tests.
func (m *Collector) Reset() {
	m.ConnectionsActive.Store(0)
	m.LayersActive.Store(0)
	m.MergesTotal.Store(0)
	m.FramingGarbageTotal.Store(0)
	m.RequestErrorsTotal.Store(0)
	m.mu.Lock()
	m.requests = make(map[string]uint64)
	m.mu.Unlock()
}
