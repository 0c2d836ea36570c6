// Package proto defines the relay wire format: length-prefixed binary
// frames, and the CBOR hello/welcome exchange that opens every stream.
//
// Event frames are opaque. The relay never inspects or rewrites them; the
// only structured frames are the two handshake messages.
package proto
