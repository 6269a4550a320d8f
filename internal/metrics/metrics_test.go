package metrics

import "testing"

func TestConnectionsActiveIncDec(t *testing.T) {
	c := NewCollector()
	c.IncConnectionsActive()
	c.IncConnectionsActive()
	c.DecConnectionsActive()
	if got := c.GetConnectionsActive(); got != 1 {
		t.Fatalf("ConnectionsActive = %d, want 1", got)
	}
}

func TestLayersActiveSet(t *testing.T) {
	c := NewCollector()
	c.SetLayersActive(3)
	if got := c.GetLayersActive(); got != 3 {
		t.Fatalf("LayersActive = %d, want 3", got)
	}
	c.SetLayersActive(1)
	if got := c.GetLayersActive(); got != 1 {
		t.Fatalf("LayersActive = %d, want 1", got)
	}
}

func TestMergesAndGarbageCounters(t *testing.T) {
	c := NewCollector()
	c.IncMerges()
	c.IncMerges()
	c.IncFramingGarbage()
	if got := c.GetMerges(); got != 2 {
		t.Fatalf("MergesTotal = %d, want 2", got)
	}
	if got := c.GetFramingGarbage(); got != 1 {
		t.Fatalf("FramingGarbageTotal = %d, want 1", got)
	}
}

func TestRequestCountsByKind(t *testing.T) {
	c := NewCollector()
	c.IncRequest("new layer")
	c.IncRequest("new layer")
	c.IncRequest("output")
	c.IncRequestError()

	counts := c.RequestCounts()
	if counts["new layer"] != 2 {
		t.Fatalf("new layer count = %d, want 2", counts["new layer"])
	}
	if counts["output"] != 1 {
		t.Fatalf("output count = %d, want 1", counts["output"])
	}
	if got := c.GetRequestErrors(); got != 1 {
		t.Fatalf("RequestErrorsTotal = %d, want 1", got)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	c := NewCollector()
	c.IncConnectionsActive()
	c.SetLayersActive(2)
	c.IncMerges()
	c.IncRequest("status")

	snap := c.Snapshot()
	if snap.ConnectionsActive != 1 || snap.LayersActive != 2 || snap.MergesTotal != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Requests["status"] != 1 {
		t.Fatalf("expected status request recorded in snapshot: %+v", snap.Requests)
	}
}

func TestResetClearsEverything(t *testing.T) {
	c := NewCollector()
	c.IncConnectionsActive()
	c.SetLayersActive(5)
	c.IncMerges()
	c.IncRequest("quit")
	c.IncRequestError()

	c.Reset()

	snap := c.Snapshot()
	if snap.ConnectionsActive != 0 || snap.LayersActive != 0 || snap.MergesTotal != 0 ||
		snap.FramingGarbage != 0 || snap.RequestErrors != 0 || len(snap.Requests) != 0 {
		t.Fatalf("expected zeroed snapshot after Reset, got %+v", snap)
	}
}
