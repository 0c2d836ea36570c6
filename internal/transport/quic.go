package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/lakerelay/internal/proto"
)

// Idle timeout: 5 minutes (QUIC default is 30s, too short for a test run
// where observers sit quietly between scenarios).
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 15 * time.Second,
}

const (
	// ProtoID is the ALPN identifier negotiated on every connection.
	ProtoID = "lakerelay/1"

	codeNormal  quic.ApplicationErrorCode = 0
	codeRefused quic.ApplicationErrorCode = 1
)

// refusalLinger bounds how long a refused peer is given to read its refusal.
const refusalLinger = 2 * time.Second

// ErrServerClosed is returned by Server.Err after a clean Close.
var ErrServerClosed = errors.New("transport: server closed")

// Conn wraps a QUIC stream and its connection with frame read/write.
type Conn struct {
	stream quic.Stream
	conn   quic.Connection
	wmu    sync.Mutex
}

func newConn(stream quic.Stream, conn quic.Connection) *Conn {
	return &Conn{stream: stream, conn: conn}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return "unknown"
}

// Context is cancelled when the underlying connection goes away.
func (c *Conn) Context() context.Context {
	return c.conn.Context()
}

// SendFrame writes one frame. Safe for concurrent use.
func (c *Conn) SendFrame(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.stream, payload)
}

// RecvFrame reads one frame. Not safe for concurrent use.
func (c *Conn) RecvFrame() ([]byte, error) {
	return proto.ReadFrame(c.stream)
}

// SendHello performs the client half of the handshake: it sends h and
// waits for the relay's Welcome.
func (c *Conn) SendHello(h proto.Hello) (proto.Welcome, error) {
	c.wmu.Lock()
	err := proto.WriteHello(c.stream, h)
	c.wmu.Unlock()
	if err != nil {
		return proto.Welcome{}, err
	}
	return proto.ReadWelcome(c.stream)
}

// Accept performs the server half of the handshake. The hello is checked
// against role, then admit runs before the Welcome is written, so a peer
// that sees its Welcome is already registered. A role mismatch or an admit
// error is answered with a refusal and returned.
func (c *Conn) Accept(role string, admit func(proto.Hello) error) (proto.Hello, error) {
	h, err := proto.ReadHello(c.stream)
	if err != nil {
		return h, err
	}
	if h.Role != role {
		err = fmt.Errorf("endpoint accepts %s peers, got %s", role, h.Role)
	} else if admit != nil {
		err = admit(h)
	}
	if err != nil {
		c.refuse(h.Role, err)
		return h, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return h, proto.WriteWelcome(c.stream, proto.Welcome{Role: role})
}

// refuse writes a refusal and lingers until the peer hangs up, so the
// refusal is read before the connection is torn down.
func (c *Conn) refuse(role string, cause error) {
	c.wmu.Lock()
	werr := proto.WriteWelcome(c.stream, proto.Welcome{Role: role, Error: cause.Error()})
	if werr == nil {
		werr = c.stream.Close()
	}
	c.wmu.Unlock()
	if werr != nil {
		return
	}
	t := time.NewTimer(refusalLinger)
	defer t.Stop()
	select {
	case <-c.conn.Context().Done():
	case <-t.C:
	}
}

// Close closes the stream and the connection.
func (c *Conn) Close() error {
	err := c.stream.Close()
	if c.conn != nil {
		if cerr := c.conn.CloseWithError(codeNormal, ""); err == nil {
			err = cerr
		}
	}
	return err
}

// Shutdown half-closes the stream so the peer reads every frame already
// written, waits for the peer to hang up or ctx to end, then closes.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.wmu.Lock()
	err := c.stream.Close()
	c.wmu.Unlock()
	if err == nil {
		select {
		case <-c.conn.Context().Done():
		case <-ctx.Done():
		}
	}
	if cerr := c.conn.CloseWithError(codeNormal, ""); err == nil {
		err = cerr
	}
	return err
}

// Refuse tears the connection down with an application error.
func (c *Conn) Refuse(reason string) {
	if c.conn != nil {
		_ = c.conn.CloseWithError(codeRefused, reason)
	}
}

// generateTLSConfig creates a self-signed certificate for loopback use.
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "lakerelay"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Handler serves one accepted stream. The connection is closed when the
// handler returns.
type Handler func(ctx context.Context, c *Conn)

// Server runs a QUIC listener and hands each peer's first stream to a
// Handler.
type Server struct {
	listener *quic.Listener
	handler  Handler
	cancel   context.CancelFunc

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool

	wg   sync.WaitGroup
	done chan struct{}
	err  error
}

// ListenQUIC starts a QUIC server on addr. The handler is installed before
// the first Accept so no peer can slip in unserved.
func ListenQUIC(ctx context.Context, addr string, handler Handler) (*Server, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		listener: listener,
		handler:  handler,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
		done:     make(chan struct{}),
	}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	var err error
	defer func() {
		s.mu.Lock()
		if s.closed || ctx.Err() != nil {
			err = ErrServerClosed
		}
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	for {
		var sess quic.Connection
		sess, err = s.listener.Accept(ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(ctx, sess)
	}
}

func (s *Server) serve(ctx context.Context, sess quic.Connection) {
	defer s.wg.Done()
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		_ = sess.CloseWithError(codeNormal, "")
		return
	}
	c := newConn(stream, sess)
	if !s.track(c) {
		c.Refuse("server closing")
		return
	}
	defer func() {
		s.untrack(c)
		c.Close()
	}()
	s.handler(ctx, c)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// LocalAddr returns the address of the QUIC listener.
func (s *Server) LocalAddr() string {
	return s.listener.Addr().String()
}

// Port returns the UDP port the listener is bound to.
func (s *Server) Port() int {
	if a, ok := s.listener.Addr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Done is closed once the server stops accepting peers, either because
// Close was called or because the listener failed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err reports why the accept loop ended. It is nil while the server is
// running and ErrServerClosed after a clean Close.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops accepting, tears down every live connection and waits for
// handlers to return. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Connections go first: the listener owns the UDP socket their
	// CONNECTION_CLOSE is sent on.
	for _, c := range conns {
		c.Close()
	}
	err := s.listener.Close()
	s.cancel()
	// No serve goroutine is added once the accept loop has exited.
	<-s.done
	s.wg.Wait()
	return err
}

// DialQUIC connects to a QUIC server and opens the single stream used for
// framing. Certificate verification is skipped: relays are local fixtures
// with throwaway self-signed certificates.
func DialQUIC(ctx context.Context, addr string) (*Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(codeNormal, "")
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	return newConn(stream, sess), nil
}
