package iomux

// Low-level diagnostic verbs, mirroring the original demultiplexer's
// allLevelListener tuple shapes. Emitted on every state transition a
// handle goes through; the default low-level listener logs them at
// Debug via pkg/logger.
const (
	VerbListening        = "LISTENING"
	VerbConnecting       = "CONNECTING"
	VerbConnected        = "CONNECTED"
	VerbNewConnection    = "NEW CONNECTION"
	VerbRead             = "READ"
	VerbWrite            = "WRITE"
	VerbWakeUp           = "WAKE UP"
	VerbDisconnecting    = "DISCONNECTING"
	VerbConnectionClosed = "CONNECTION CLOSED"
	VerbError            = "ERROR"
	VerbTimeoutAdded     = "TIMEOUT ADDED"
	VerbTimeoutCanceled  = "TIMEOUT CANCELED"
	VerbTimeout          = "TIMEOUT"
	VerbLoop             = "LOOP"
	VerbException        = "EXCEPTION"
	VerbHold             = "HOLD"
	VerbUnhold           = "UNHOLD"
	VerbFDAdded          = "FD ADDED"
	VerbFDRemoved        = "FD REMOVED"
	VerbMainLoopStarted  = "MAIN LOOP STARTED"
	VerbMainLoopStopped  = "MAIN LOOP STOPPED"
)

// High-level event kinds, one per spec.md §4.3 high-level tuple shape.
const (
	EventPacket               = "packet"
	EventIncomingConnection   = "incoming connection"
	EventOutcomingConnection  = "outcoming connection"
	EventConnectionClosed     = "connection closed"
	EventListening            = "listening"
	EventFileDescriptorManage = "file descriptor managed"
	EventFileDescriptorGone   = "file descriptor unmanaged"
	EventConnectionError      = "connection error"
	EventProtocolError        = "protocol error"
	EventTimeout              = "timeout"
	EventKeyboardInterrupt    = "keyboard interrupt"
)

// LowLevelEvent is one diagnostic tuple (cid, verb, detail).
type LowLevelEvent struct {
	CID    ConnID
	Verb   string
	Detail string
}

// HighLevelEvent is one semantic tuple delivered to domain listeners.
// Only the fields relevant to Kind are populated.
type HighLevelEvent struct {
	Kind    string
	CID     ConnID
	Doc     any
	Message string
	Payload any
}

// LowLevelListener receives every diagnostic transition.
type LowLevelListener func(LowLevelEvent)

// HighLevelListener receives semantic events such as incoming packets.
type HighLevelListener func(HighLevelEvent)
