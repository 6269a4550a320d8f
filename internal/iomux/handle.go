package iomux

import (
	"io"
	"net"
	"sync"
)

// ConnID identifies a managed handle: a listening socket, an accepted or
// outbound connection, or a wrapped raw file descriptor.
type ConnID uint64

// TLSRole describes whether and how a handle performs a TLS handshake.
type TLSRole int

const (
	TLSNone TLSRole = iota
	TLSServer
	TLSClient
)

type handleKind int

const (
	kindListening handleKind = iota
	kindConnection
	kindFD
)

const readPage = 4096

// handle is one managed endpoint. Every field is touched only by the loop
// goroutine except those explicitly guarded by holdMu, so the type is not
// safe to use from outside the loop goroutine running Multiplexer.Main
// (or Loop).
type handle struct {
	id   ConnID
	kind handleKind

	conn     net.Conn
	listener net.Listener
	file     io.ReadWriteCloser

	codec   Codec
	tlsRole TLSRole

	dontClose bool
	closing   bool
	released  bool

	// readUntil caps accumulated unframed bytes before reads pause; 0
	// means unlimited.
	readUntil int

	// holdMu guards held, which the reader goroutine polls before every
	// blocking Read. Hold/Unhold are called from the loop goroutine or
	// from external callers via the command channel; the reader goroutine
	// is the only other party touching this lock.
	holdMu sync.Mutex
	held   bool
	holdCV *sync.Cond

	readerDone chan struct{}
	stopReader chan struct{}

	// writeCh is created lazily on the first SendRaw call and drained by
	// a dedicated writer goroutine so a slow peer never blocks the loop.
	writeCh chan []byte
}

func newHandle(id ConnID, kind handleKind, codec Codec) *handle {
	h := &handle{
		id:         id,
		kind:       kind,
		codec:      codec,
		readerDone: make(chan struct{}),
		stopReader: make(chan struct{}),
	}
	h.holdCV = sync.NewCond(&h.holdMu)
	return h
}

func (h *handle) setHold(v bool) {
	h.holdMu.Lock()
	h.held = v
	h.holdMu.Unlock()
	h.holdCV.Broadcast()
}

func (h *handle) waitUnheldOrStopped() bool {
	h.holdMu.Lock()
	for h.held {
		select {
		case <-h.stopReader:
			h.holdMu.Unlock()
			return false
		default:
		}
		h.holdCV.Wait()
	}
	h.holdMu.Unlock()
	return true
}

func (h *handle) stop() {
	close(h.stopReader)
	h.holdCV.Broadcast()
}
