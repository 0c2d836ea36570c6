// Package client provides the lakerelay SDK: a Producer pushes frames to a
// relay's ingress endpoint and a Subscriber receives the relay's egress
// broadcast on a channel.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SWAI-Ltd/lakerelay/internal/discovery"
	"github.com/SWAI-Ltd/lakerelay/internal/proto"
	"github.com/SWAI-Ltd/lakerelay/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

// ShutdownTimeout bounds how long Producer.Close waits for the relay to
// drain the stream.
var ShutdownTimeout = 5 * time.Second

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// Config configures a Producer or Subscriber.
type Config struct {
	// Addr is the relay endpoint: ingress for a Producer, egress for a
	// Subscriber (e.g. "127.0.0.1:5562"). Empty browses mDNS for an
	// advertised relay.
	Addr string
	// NodeID is a human-readable identifier shown in relay logs.
	NodeID string
	// MessageBuffer sets the capacity of Messages(); 0 uses
	// DefaultMessageBuffer. Subscriber only.
	MessageBuffer int
}

func dial(ctx context.Context, cfg Config, role string) (*transport.Conn, error) {
	addr := cfg.Addr
	if addr == "" {
		ep, err := discovery.Lookup(ctx, role)
		if err != nil {
			return nil, err
		}
		slog.Debug("relay discovered", "name", ep.Name, "addr", ep.Addr, "role", role)
		addr = ep.Addr
	}
	c, err := transport.DialQUIC(ctx, addr)
	if err != nil {
		return nil, err
	}
	if _, err := c.SendHello(proto.Hello{Role: role, NodeID: cfg.NodeID}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Producer pushes frames to a relay's ingress endpoint. Frames pushed by one
// Producer arrive in the order they were pushed.
type Producer struct {
	conn   *transport.Conn
	mu     sync.Mutex
	closed bool
}

// NewProducer connects to the ingress endpoint at cfg.Addr. It returns once
// the relay has accepted the producer.
func NewProducer(ctx context.Context, cfg Config) (*Producer, error) {
	c, err := dial(ctx, cfg, proto.RoleProducer)
	if err != nil {
		return nil, err
	}
	return &Producer{conn: c}, nil
}

// Push sends one frame.
func (p *Producer) Push(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.conn.SendFrame(frame)
}

// PushString sends text as one frame.
func (p *Producer) PushString(text string) error {
	return p.Push([]byte(text))
}

// Close flushes pushed frames to the relay and disconnects. It gives up
// waiting for the relay after ShutdownTimeout.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return p.conn.Shutdown(ctx)
}

// Subscriber receives every frame the relay broadcasts.
type Subscriber struct {
	conn   *transport.Conn
	msgs   chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	err    error
}

// NewSubscriber connects to the egress endpoint at cfg.Addr. It returns
// once the relay has registered the subscriber, so every frame broadcast
// after it returns is delivered.
func NewSubscriber(ctx context.Context, cfg Config) (*Subscriber, error) {
	c, err := dial(ctx, cfg, proto.RoleSubscriber)
	if err != nil {
		return nil, err
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	s := &Subscriber{
		conn: c,
		msgs: make(chan []byte, buf),
		done: make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

func (s *Subscriber) recvLoop() {
	defer close(s.msgs)
	for {
		f, err := s.conn.RecvFrame()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
				slog.Debug("subscriber: recv ended", "err", err)
			}
			s.mu.Unlock()
			return
		}
		select {
		case s.msgs <- f:
		case <-s.done:
			return
		}
	}
}

// Messages returns the channel of received frames. It is closed when the
// relay goes away or the subscriber is closed.
func (s *Subscriber) Messages() <-chan []byte {
	return s.msgs
}

// Next waits for the next frame.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-s.msgs:
		if !ok {
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err reports why the subscription ended, or nil while it is live or after
// Close.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close disconnects and closes the Messages() channel.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.conn.Close()
}
