// Package transport carries relay frames over QUIC.
//
// Every peer opens exactly one bidirectional stream, announces its role with
// a proto.Hello and then exchanges length-prefixed frames. Server owns the
// listener and every live connection so that closing it releases the port
// and disconnects all peers.
package transport
