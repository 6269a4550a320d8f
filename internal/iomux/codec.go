package iomux

import "github.com/manuco/llmerger/internal/framing"

// Codec turns a connection's raw byte stream into documents and back. The
// default codec wraps internal/framing.Parser; callers with a different
// wire format can supply their own.
type Codec interface {
	// Feed appends data and returns any complete documents it yields.
	Feed(data []byte) (framing.Status, []any)
	// Encode renders a document for writing to the wire.
	Encode(doc any) ([]byte, error)
	// Buffered reports bytes accumulated without closing into a document,
	// used by the readUntil/hold back-pressure check.
	Buffered() int
}

// jsonCodec is the default Codec, one framing.Parser per connection.
type jsonCodec struct {
	parser *framing.Parser
}

// NewJSONCodec returns the default line-oriented framed-JSON codec.
func NewJSONCodec() Codec {
	return &jsonCodec{parser: framing.NewParser()}
}

func (c *jsonCodec) Feed(data []byte) (framing.Status, []any) {
	return c.parser.Feed(data)
}

func (c *jsonCodec) Encode(doc any) ([]byte, error) {
	return framing.Encode(doc)
}

func (c *jsonCodec) Buffered() int {
	return c.parser.Buffered()
}
