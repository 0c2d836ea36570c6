package relay

import "bytes"

// Message is an opaque event frame. Messages are never modified after they
// are received; two messages are equal when their bytes are.
type Message []byte

// Equal reports whether m and other hold the same bytes.
func (m Message) Equal(other []byte) bool {
	return bytes.Equal(m, other)
}

// Clone returns a copy that does not share memory with m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return bytes.Clone(m)
}

func (m Message) String() string {
	return string(m)
}
