package dispatch

import (
	"testing"

	"github.com/manuco/llmerger/internal/iomux"
	"github.com/manuco/llmerger/internal/merge"
	"github.com/manuco/llmerger/internal/metrics"
)

type fakeSender struct {
	replies []any
}

func (f *fakeSender) Send(cid ConnID, doc any) error {
	f.replies = append(f.replies, doc)
	return nil
}

func (f *fakeSender) last() map[string]any {
	if len(f.replies) == 0 {
		return nil
	}
	m, _ := f.replies[len(f.replies)-1].(map[string]any)
	return m
}

func newTestDispatcher() (*Dispatcher, *fakeSender) {
	sender := &fakeSender{}
	d := New(merge.New(), sender, metrics.NewCollector(), nil)
	return d, sender
}

func TestNewLayerThenOutput(t *testing.T) {
	d, sender := newTestDispatcher()
	cid := iomux.ConnID(1)

	d.Dispatch(cid, map[string]any{
		"id":      "1",
		"request": "new layer",
		"layer":   "1",
		"channels": []any{
			map[string]any{"address": float64(1), "value": float64(255)},
			map[string]any{"address": float64(2), "value": float64(127)},
		},
	})
	reply := sender.last()
	if reply["status"] != "ok" {
		t.Fatalf("expected ok reply, got %#v", reply)
	}

	d.Dispatch(cid, map[string]any{"id": "2", "request": "output"})
	reply = sender.last()
	output, ok := reply["output"].(map[string]any)
	if !ok {
		t.Fatalf("expected output field, got %#v", reply)
	}
	if output["1"] != 255 || output["2"] != 127 {
		t.Fatalf("unexpected output: %#v", output)
	}
}

func TestMissingIDGetsNoEcho(t *testing.T) {
	d, sender := newTestDispatcher()
	d.Dispatch(iomux.ConnID(1), map[string]any{"request": "output"})

	reply := sender.last()
	if _, hasID := reply["id"]; hasID {
		t.Fatalf("expected no id field in reply, got %#v", reply)
	}
	if reply["error"] != "Protocol error, missing request id" {
		t.Fatalf("unexpected error message: %#v", reply["error"])
	}
}

func TestMissingKeyEchoesID(t *testing.T) {
	d, sender := newTestDispatcher()
	d.Dispatch(iomux.ConnID(1), map[string]any{"id": "42", "request": "new layer"})

	reply := sender.last()
	if reply["id"] != "42" {
		t.Fatalf("expected id echoed, got %#v", reply)
	}
	if reply["error"] != "Protocol error, missing key: layer" {
		t.Fatalf("unexpected error message: %#v", reply["error"])
	}
}

func TestRemoveUnknownLayerIsValueError(t *testing.T) {
	d, sender := newTestDispatcher()
	d.Dispatch(iomux.ConnID(1), map[string]any{"id": "1", "request": "remove layer", "layer": "nope"})

	reply := sender.last()
	if reply["error"] != "Value error: unknown layer: nope" {
		t.Fatalf("unexpected error message: %#v", reply["error"])
	}
}

func TestUnknownMixTypeIsValueError(t *testing.T) {
	d, sender := newTestDispatcher()
	d.Dispatch(iomux.ConnID(1), map[string]any{
		"id": "1", "request": "new layer", "layer": "1",
		"channels": []any{map[string]any{"address": float64(1), "value": float64(1), "mixType": "bogus"}},
	})
	reply := sender.last()
	if reply["error"] != "Value error: unknown mix type" {
		t.Fatalf("unexpected error message: %#v", reply["error"])
	}
}

func TestDisconnectClearsVolatileLayersOnly(t *testing.T) {
	d, sender := newTestDispatcher()
	clientX := iomux.ConnID(7)
	clientY := iomux.ConnID(8)

	d.Dispatch(clientX, map[string]any{"id": "1", "request": "new layer", "layer": "7"})
	d.Dispatch(clientY, map[string]any{"id": "2", "request": "new layer", "layer": "8", "status": "persistent"})

	d.HandleConnectionClosed(clientX)

	d.Dispatch(clientY, map[string]any{"id": "3", "request": "status"})
	reply := sender.last()
	layers, _ := reply["layers"].(map[string]any)
	if _, ok := layers["7"]; ok {
		t.Fatalf("expected volatile layer 7 removed, got %#v", layers)
	}
	if _, ok := layers["8"]; !ok {
		t.Fatalf("expected persistent layer 8 to survive, got %#v", layers)
	}
}

func TestUpdateChannelsMasksWithExistingNbChan(t *testing.T) {
	d, sender := newTestDispatcher()
	cid := iomux.ConnID(1)

	d.Dispatch(cid, map[string]any{
		"id": "1", "request": "new layer", "layer": "1",
		"channels": []any{map[string]any{"address": float64(10), "value": float64(0), "nbChan": float64(2)}},
	})
	d.Dispatch(cid, map[string]any{
		"id": "2", "request": "update channels", "layer": "1",
		"channels": []any{map[string]any{"address": float64(10), "value": float64(0x10000 + 5)}},
	})
	reply := sender.last()
	if reply["status"] != "ok" {
		t.Fatalf("expected ok reply, got %#v", reply)
	}

	d.Dispatch(cid, map[string]any{"id": "3", "request": "output"})
	output := sender.last()["output"].(map[string]any)
	if output["10"] != 0 || output["11"] != 5 {
		t.Fatalf("expected masked value 5 across 2 bytes, got %#v", output)
	}
}

func TestQuitInvokesOnQuit(t *testing.T) {
	sender := &fakeSender{}
	quit := false
	d := New(merge.New(), sender, metrics.NewCollector(), func() { quit = true })

	d.Dispatch(iomux.ConnID(1), map[string]any{"id": "1", "request": "quit"})
	if !quit {
		t.Fatalf("expected onQuit to be invoked")
	}
	if sender.last()["status"] != "ok" {
		t.Fatalf("expected ok reply before quitting, got %#v", sender.last())
	}
}
