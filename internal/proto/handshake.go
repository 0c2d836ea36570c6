package proto

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Roles a peer announces in its Hello.
const (
	RoleProducer   = "producer"
	RoleSubscriber = "subscriber"
)

// Version is the handshake version spoken by this package.
const Version = 1

// Hello is the first frame a peer sends after opening its stream.
type Hello struct {
	Version int    `cbor:"v"`
	Role    string `cbor:"r"`
	NodeID  string `cbor:"n,omitempty"`
}

// Welcome is the relay's answer to a Hello. A non-empty Error means the
// relay refused the peer and will close the connection.
type Welcome struct {
	Version int    `cbor:"v"`
	Role    string `cbor:"r"`
	Error   string `cbor:"e,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor decoder: %v", err))
	}
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleProducer || role == RoleSubscriber
}

// WriteHello encodes h as a single frame.
func WriteHello(w io.Writer, h Hello) error {
	if h.Version == 0 {
		h.Version = Version
	}
	return writeCBOR(w, h)
}

// ReadHello decodes a Hello frame.
func ReadHello(r io.Reader) (Hello, error) {
	var h Hello
	if err := readCBOR(r, &h); err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if !ValidRole(h.Role) {
		return h, fmt.Errorf("read hello: unknown role %q", h.Role)
	}
	return h, nil
}

// WriteWelcome encodes w as a single frame.
func WriteWelcome(wr io.Writer, w Welcome) error {
	if w.Version == 0 {
		w.Version = Version
	}
	return writeCBOR(wr, w)
}

// ReadWelcome decodes a Welcome frame. A refusal is returned as an error.
func ReadWelcome(r io.Reader) (Welcome, error) {
	var w Welcome
	if err := readCBOR(r, &w); err != nil {
		return Welcome{}, fmt.Errorf("read welcome: %w", err)
	}
	if w.Error != "" {
		return w, fmt.Errorf("relay refused %s: %s", w.Role, w.Error)
	}
	return w, nil
}

func writeCBOR(w io.Writer, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

func readCBOR(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return decMode.Unmarshal(data, v)
}
