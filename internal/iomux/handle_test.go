package iomux

import (
	"net"
	"testing"
	"time"
)

func TestGarbageInputEmitsProtocolError(t *testing.T) {
	m := newTestMux(t)

	events := make(chan HighLevelEvent, 64)
	m.RegisterHighLevelListener(func(ev HighLevelEvent) { events <- ev })

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte(`}`))
		conn.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	if _, err := m.Connect("127.0.0.1", addr.Port, false, TLSNone, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, events, EventProtocolError)
}

func TestHoldPausesReadsUntilUnhold(t *testing.T) {
	m := newTestMux(t)

	events := make(chan HighLevelEvent, 64)
	m.RegisterHighLevelListener(func(ev HighLevelEvent) { events <- ev })

	server, client := net.Pipe()
	defer client.Close()

	cid, err := m.AddFD(pipeAsFile{server}, false, true)
	if err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	// net.Pipe is synchronous: this Write blocks until something reads,
	// which won't happen until Unhold below, proving the held handle
	// isn't consuming input.
	go client.Write([]byte(`{"a":1}`))

	heldFor := time.After(100 * time.Millisecond)
held:
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventPacket {
				t.Fatalf("packet delivered while held: %v", ev)
			}
		case <-heldFor:
			break held
		}
	}

	m.Unhold(cid)
	waitFor(t, events, EventPacket)
}
