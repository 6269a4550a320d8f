package merge

import "testing"

func addLayer(t *testing.T, m *Merger, level string, status LayerStatus, connID uint64) *Layer {
	t.Helper()
	l, err := NewLayer(level, status, connID)
	if err != nil {
		t.Fatalf("NewLayer(%q): %v", level, err)
	}
	m.AddLayer(l)
	return l
}

func TestMergeWeightOverridesLowerLayer(t *testing.T) {
	m := New()
	base := addLayer(t, m, "1", Persistent, 0)
	base.AddChannel(1, 100, WeightMix(1.0), 1)

	top := addLayer(t, m, "2", Volatile, 1)
	top.AddChannel(1, 200, WeightMix(1.0), 1)

	if err := m.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	out := m.Output()
	if out[1] != 200 {
		t.Fatalf("expected top layer's full-weight value to win, got %d", out[1])
	}
}

func TestMergeBlendWeight(t *testing.T) {
	m := New()
	base := addLayer(t, m, "1", Persistent, 0)
	base.AddChannel(1, 0, WeightMix(1.0), 1)

	top := addLayer(t, m, "2", Volatile, 1)
	top.AddChannel(1, 100, WeightMix(0.5), 1)

	if err := m.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	out := m.Output()
	if out[1] != 50 {
		t.Fatalf("expected blended value 50, got %d", out[1])
	}
}

func TestMergeMinMax(t *testing.T) {
	m := New()
	base := addLayer(t, m, "1", Persistent, 0)
	base.AddChannel(1, 100, WeightMix(1.0), 1)
	base.AddChannel(2, 100, WeightMix(1.0), 1)

	top := addLayer(t, m, "2", Volatile, 1)
	top.AddChannel(1, 50, MixType{Kind: MixMin}, 1)
	top.AddChannel(2, 50, MixType{Kind: MixMax}, 1)

	if err := m.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	out := m.Output()
	if out[1] != 50 {
		t.Fatalf("expected min(100,50)=50, got %d", out[1])
	}
	if out[2] != 100 {
		t.Fatalf("expected max(100,50)=100, got %d", out[2])
	}
}

func TestMergeMultiByteBigEndian(t *testing.T) {
	m := New()
	l := addLayer(t, m, "1", Persistent, 0)
	l.AddChannel(10, 0x1234, WeightMix(1.0), 2)

	if err := m.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	out := m.Output()
	if out[10] != 0x12 || out[11] != 0x34 {
		t.Fatalf("expected big-endian split 0x12,0x34, got %d,%d", out[10], out[11])
	}
}

func TestAddLayerReplacesSameLevel(t *testing.T) {
	m := New()
	first := addLayer(t, m, "1", Volatile, 0)
	first.AddChannel(1, 10, WeightMix(1.0), 1)

	second := addLayer(t, m, "1", Volatile, 0)
	second.AddChannel(1, 20, WeightMix(1.0), 1)

	got, err := m.GetLayer("1")
	if err != nil {
		t.Fatalf("GetLayer: %v", err)
	}
	if got.Channels[1].Value != 20 {
		t.Fatalf("expected replaced layer's channel value 20, got %d", got.Channels[1].Value)
	}
	if len(m.Status()) != 1 {
		t.Fatalf("expected exactly one layer to remain, got %d", len(m.Status()))
	}
}

func TestRemoveVolatileLayersForConnection(t *testing.T) {
	m := New()
	addLayer(t, m, "1", Persistent, 5)
	addLayer(t, m, "2", Volatile, 5)
	addLayer(t, m, "3", Volatile, 6)

	m.RemoveVolatileLayersForConnection(5)

	if _, err := m.GetLayer("1"); err != nil {
		t.Fatalf("persistent layer should survive: %v", err)
	}
	if _, err := m.GetLayer("2"); err == nil {
		t.Fatalf("volatile layer owned by closed connection should be gone")
	}
	if _, err := m.GetLayer("3"); err != nil {
		t.Fatalf("volatile layer owned by a different connection should survive: %v", err)
	}
}

func TestDelLayerUnknownIsSilent(t *testing.T) {
	m := New()
	m.DelLayer("does-not-exist")
}

func TestGetLayerUnknownReturnsError(t *testing.T) {
	m := New()
	if _, err := m.GetLayer("nope"); err == nil {
		t.Fatalf("expected error for unknown layer")
	}
}
