// Package merge implements the layer/channel DMX merge engine: layers of
// channel values are stacked in dotted-level order and folded into a
// single DMX universe on every Merge call.
package merge

import (
	"sort"
	"sync"

	apperrors "github.com/manuco/llmerger/pkg/errors"
)

// ChannelSnapshot is a read-only view of one channel's state, used by
// Status.
type ChannelSnapshot struct {
	Value   int
	MixType MixType
	NbChan  int
}

// LayerSnapshot is a read-only view of one layer's state, used by Status.
type LayerSnapshot struct {
	Level    string
	Status   LayerStatus
	Channels map[int]ChannelSnapshot
}

// Merger owns the stack of layers and the merged DMX universe they
// produce. Safe for concurrent use; callers normally serialize access
// through a single dispatcher goroutine anyway, but the mutex makes the
// type safe if that ever changes.
type Merger struct {
	mu      sync.Mutex
	layers  []*Layer
	galaxy  map[int]int // address -> 0..255, sparse
	maxAddr int
}

// New returns an empty merger with no layers and an empty universe.
func New() *Merger {
	return &Merger{galaxy: make(map[int]int)}
}

// AddLayer inserts layer, replacing any existing layer at the same level
// (matching the original implementation's addLayer/delLayer pairing).
func (m *Merger) AddLayer(layer *Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delLayerLocked(layer.Level.String())
	m.layers = append(m.layers, layer)
}

// GetLayer returns the layer at level, or a Value error if none exists.
func (m *Merger) GetLayer(level string) (*Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLayerLocked(level)
}

func (m *Merger) getLayerLocked(level string) (*Layer, error) {
	for _, l := range m.layers {
		if l.Level.String() == level {
			return l, nil
		}
	}
	return nil, apperrors.New(apperrors.Value, "unknown layer: "+level)
}

// DelLayer removes the layer at level, if present. Silent if absent,
// mirroring the original implementation.
func (m *Merger) DelLayer(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delLayerLocked(level)
}

func (m *Merger) delLayerLocked(level string) {
	for i, l := range m.layers {
		if l.Level.String() == level {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			return
		}
	}
}

// RemoveVolatileLayersForConnection drops every volatile layer owned by
// connID. Called when that connection closes.
func (m *Merger) RemoveVolatileLayersForConnection(connID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.layers[:0]
	for _, l := range m.layers {
		if l.Status != Volatile || l.ConnID != connID {
			kept = append(kept, l)
		}
	}
	m.layers = kept
}

// Merge recomputes the DMX universe from the current layer stack, lowest
// level first.
func (m *Merger) Merge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.galaxy = make(map[int]int)
	sort.Slice(m.layers, func(i, j int) bool {
		return m.layers[i].Level.Less(m.layers[j].Level)
	})

	for _, layer := range m.layers {
		addrs := make([]int, 0, len(layer.Channels))
		for addr := range layer.Channels {
			addrs = append(addrs, addr)
		}
		sort.Ints(addrs)
		for _, addr := range addrs {
			if err := m.mergeChannel(addr, layer.Channels[addr]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Merger) mergeChannel(address int, ch *Channel) error {
	old := 0
	for i := 0; i < ch.NbChan; i++ {
		old = (old << 8) + m.galaxy[address+i]
	}
	value, err := mixChannel(old, ch)
	if err != nil {
		return err
	}
	for i := 0; i < ch.NbChan; i++ {
		addr := address + (ch.NbChan - i - 1)
		m.galaxy[addr] = value & 255
		if addr > m.maxAddr {
			m.maxAddr = addr
		}
		value >>= 8
	}
	return nil
}

func mixChannel(value int, ch *Channel) (int, error) {
	switch ch.MixType.Kind {
	case MixWeight:
		w := ch.MixType.Weight
		return int((1-w)*float64(value) + w*float64(ch.Value) + 0.5), nil
	case MixMin:
		if value < ch.Value {
			return value, nil
		}
		return ch.Value, nil
	case MixMax:
		if value > ch.Value {
			return value, nil
		}
		return ch.Value, nil
	default:
		return 0, apperrors.New(apperrors.Value, "unknown mix type")
	}
}

// Output returns a snapshot of the merged DMX universe as a sparse
// address-to-byte-value map.
func (m *Merger) Output() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]int, len(m.galaxy))
	for addr, v := range m.galaxy {
		out[addr] = v
	}
	return out
}

// Status returns a snapshot of every layer and its channels.
func (m *Merger) Status() map[string]LayerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]LayerSnapshot, len(m.layers))
	for _, l := range m.layers {
		channels := make(map[int]ChannelSnapshot, len(l.Channels))
		for addr, ch := range l.Channels {
			channels[addr] = ChannelSnapshot{Value: ch.Value, MixType: ch.MixType, NbChan: ch.NbChan}
		}
		out[l.Level.String()] = LayerSnapshot{
			Level:    l.Level.String(),
			Status:   l.Status,
			Channels: channels,
		}
	}
	return out
}
