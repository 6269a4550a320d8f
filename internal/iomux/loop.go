package iomux

import (
	"io"
	"net"
	"time"

	"github.com/manuco/llmerger/internal/framing"
)

type ioEventKind int

const (
	evRead ioEventKind = iota
	evReadEOF
	evReadErr
	evAccepted
	evAcceptErr
	evConnected
	evConnectErr
	evWritten
	evWriteErr
)

// ioEvent is posted by a handle's reader/writer/acceptor goroutine onto
// Multiplexer.events; it is the only thing those goroutines are allowed
// to touch outside their own handle, which keeps the registry owned
// exclusively by the loop goroutine.
type ioEvent struct {
	kind ioEventKind
	id   ConnID
	data []byte
	n    int
	conn net.Conn
	err  error
}

// Main runs the event loop until Stop is called. It blocks the calling
// goroutine, matching the original demultiplexer's blocking main().
func (m *Multiplexer) Main() {
	m.emitLow(0, VerbMainLoopStarted, "")
	defer func() {
		m.emitLow(0, VerbMainLoopStopped, "")
		close(m.stopped)
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if m.stopping && len(m.handles) == 0 {
			return
		}

		delay := m.timeouts.NextDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if delay < 0 {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(delay)
		}

		m.emitLow(0, VerbLoop, "")

		select {
		case cmd := <-m.commands:
			cmd(m)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-timer.C:
			m.fireTimeouts()
		}
	}
}

// Loop runs a single iteration: one command, event, or fired timeout
// batch. It returns false once the loop should stop (asked to stop and
// no handles remain). Useful for tests and for callers embedding the
// multiplexer inside another select loop.
func (m *Multiplexer) Loop() bool {
	if m.stopping && len(m.handles) == 0 {
		return false
	}
	delay := m.timeouts.NextDelay()
	var timerC <-chan time.Time
	if delay >= 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case cmd := <-m.commands:
		cmd(m)
	case ev := <-m.events:
		m.handleEvent(ev)
	case <-timerC:
		m.fireTimeouts()
	}
	return !(m.stopping && len(m.handles) == 0)
}

func (m *Multiplexer) fireTimeouts() {
	for _, e := range m.timeouts.PopDue() {
		delete(m.timeoutPayloads, e.Handle)
		m.emitLow(0, VerbTimeout, "")
		m.emitHigh(HighLevelEvent{Kind: EventTimeout, Payload: e.Payload})
	}
}

func (m *Multiplexer) handleEvent(ev ioEvent) {
	h, ok := m.handles[ev.id]
	if !ok && ev.kind != evAccepted {
		return
	}

	switch ev.kind {
	case evAccepted:
		m.onAccepted(ev)
	case evRead:
		m.onData(h, ev.data)
	case evReadEOF:
		m.emitLow(h.id, VerbRead, "eof")
		m.disconnectLocked(h.id)
	case evReadErr:
		m.emitLow(h.id, VerbError, ev.err.Error())
		m.emitHigh(HighLevelEvent{Kind: EventConnectionError, CID: h.id, Message: ev.err.Error()})
		m.disconnectLocked(h.id)
	case evConnected:
		m.onConnected(h, ev.conn)
	case evConnectErr:
		m.emitLow(h.id, VerbError, ev.err.Error())
		m.emitHigh(HighLevelEvent{Kind: EventConnectionError, CID: h.id, Message: ev.err.Error()})
		delete(m.handles, h.id)
	case evAcceptErr:
		m.emitLow(h.id, VerbError, ev.err.Error())
		m.releaseLocked(h)
	case evWritten:
		m.emitLow(h.id, VerbWrite, "")
	case evWriteErr:
		m.emitLow(h.id, VerbError, ev.err.Error())
		m.emitHigh(HighLevelEvent{Kind: EventConnectionError, CID: h.id, Message: ev.err.Error()})
		m.disconnectLocked(h.id)
	}
}

func (m *Multiplexer) onAccepted(ev ioEvent) {
	listener, ok := m.handles[ev.id]
	if !ok {
		ev.conn.Close()
		return
	}
	id := m.allocID()
	h := newHandle(id, kindConnection, NewJSONCodec())
	h.conn = ev.conn
	h.tlsRole = listener.tlsRole
	m.handles[id] = h
	m.emitLow(id, VerbNewConnection, ev.conn.RemoteAddr().String())
	m.emitHigh(HighLevelEvent{Kind: EventIncomingConnection, CID: id})
	go m.runReader(h)
}

func (m *Multiplexer) onConnected(h *handle, conn net.Conn) {
	h.conn = conn
	m.emitLow(h.id, VerbConnected, conn.RemoteAddr().String())
	m.emitHigh(HighLevelEvent{Kind: EventOutcomingConnection, CID: h.id})
	go m.runReader(h)
}

func (m *Multiplexer) onData(h *handle, data []byte) {
	m.emitLow(h.id, VerbRead, "")
	status, docs := h.codec.Feed(data)
	switch status {
	case framing.Garbage:
		m.emitHigh(HighLevelEvent{Kind: EventProtocolError, CID: h.id, Message: "garbage input"})
	case framing.OK:
		for _, doc := range docs {
			m.emitHigh(HighLevelEvent{Kind: EventPacket, CID: h.id, Doc: doc})
		}
	}
	if h.readUntil > 0 && h.codec.Buffered() >= h.readUntil {
		h.setHold(true)
		m.emitLow(h.id, VerbHold, "readUntil reached")
	}
}

func (m *Multiplexer) runAcceptor(h *handle) {
	defer close(h.readerDone)
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case m.events <- ioEvent{kind: evAcceptErr, id: h.id, err: err}:
			case <-h.stopReader:
			}
			return
		}
		select {
		case m.events <- ioEvent{kind: evAccepted, id: h.id, conn: conn}:
		case <-h.stopReader:
			conn.Close()
			return
		}
	}
}

func (m *Multiplexer) runConnector(h *handle, dial func() (net.Conn, error)) {
	conn, err := dial()
	if err != nil {
		select {
		case m.events <- ioEvent{kind: evConnectErr, id: h.id, err: err}:
		case <-h.stopReader:
		}
		close(h.readerDone)
		return
	}
	select {
	case m.events <- ioEvent{kind: evConnected, id: h.id, conn: conn}:
		// readerDone is closed by the reader goroutine onConnected starts.
	case <-h.stopReader:
		conn.Close()
		close(h.readerDone)
	}
}

func (m *Multiplexer) runReader(h *handle) {
	m.readLoop(h, h.conn)
}

func (m *Multiplexer) runFDReader(h *handle) {
	m.readLoop(h, h.file)
}

func (m *Multiplexer) readLoop(h *handle, src io.Reader) {
	defer close(h.readerDone)
	buf := make([]byte, readPage)
	for {
		if !h.waitUnheldOrStopped() {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case m.events <- ioEvent{kind: evRead, id: h.id, data: chunk}:
			case <-h.stopReader:
				return
			}
		}
		if err != nil {
			kind := evReadErr
			if err == io.EOF {
				kind = evReadEOF
			}
			select {
			case m.events <- ioEvent{kind: kind, id: h.id, err: err}:
			case <-h.stopReader:
			}
			return
		}
	}
}

func (m *Multiplexer) runWriter(h *handle) {
	for chunk := range h.writeCh {
		w := writerFor(h)
		if w == nil {
			continue
		}
		_, err := w.Write(chunk)
		if err != nil {
			select {
			case m.events <- ioEvent{kind: evWriteErr, id: h.id, err: err}:
			default:
			}
			return
		}
		select {
		case m.events <- ioEvent{kind: evWritten, id: h.id}:
		default:
		}
	}
}

// writerFor returns the transport chunks should be written to: the wrapped
// file for an addFD handle, the socket for everything else. Both kindFD and
// kindConnection handles are valid sendRaw targets per spec.md §4.3.
func writerFor(h *handle) io.Writer {
	if h.kind == kindFD {
		if h.file == nil {
			return nil
		}
		return h.file
	}
	if h.conn == nil {
		return nil
	}
	return h.conn
}
