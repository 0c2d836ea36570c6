package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/SWAI-Ltd/lakerelay/internal/capture"
)

type state int

const (
	stateUnstarted state = iota
	stateRunning
	stateStopped
)

// Relay accepts frames on its ingress endpoint, rebroadcasts them on its
// egress endpoint and keeps a backlog of the captured ones until they are
// acknowledged.
//
// A Relay is single-use: unstarted, then running, then stopped.
type Relay struct {
	ingressAddr      string
	egressAddr       string
	ingressBuffer    int
	subscriberBuffer int
	rule             capture.Rule
	logger           *slog.Logger
	meter            metric.Meter

	gate    Gate
	ledger  *Ledger
	metrics *metrics

	mu      sync.Mutex
	state   state
	ingress *ingress
	egress  *egress
	cancel  context.CancelFunc
	done    chan struct{}
	loopErr error

	// released is closed once the first Stop has closed both endpoints.
	released chan struct{}
}

// New creates a relay. Nothing is bound until Start.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		ingressAddr:      DefaultIngressAddr,
		egressAddr:       DefaultEgressAddr,
		ingressBuffer:    DefaultIngressBuffer,
		subscriberBuffer: DefaultSubscriberBuffer,
		rule:             capture.Default(),
		logger:           slog.Default(),
		ledger:           NewLedger(),
		done:             make(chan struct{}),
		released:         make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	m, err := newMetrics(r.meter)
	if err != nil {
		return nil, fmt.Errorf("relay: metrics: %w", err)
	}
	r.metrics = m
	return r, nil
}

// Start binds the ingress and egress endpoints and starts the relay loop.
// It returns once both endpoints are bound. If binding fails, anything
// already bound is released and the relay stays unstarted.
//
// Cancelling ctx ends the loop; Stop is still required to release the
// endpoints.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	in, err := listenIngress(ctx, r.ingressAddr, r.ingressBuffer, r.logger)
	if err != nil {
		return fmt.Errorf("relay: bind ingress: %w", err)
	}
	out, err := listenEgress(ctx, r.egressAddr, r.subscriberBuffer, r.logger, r.metrics)
	if err != nil {
		in.Close()
		return fmt.Errorf("relay: bind egress: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{
		src:     in,
		dst:     out,
		gate:    &r.gate,
		rule:    r.rule,
		ledger:  r.ledger,
		metrics: r.metrics,
		logger:  r.logger,
	}
	r.ingress = in
	r.egress = out
	r.cancel = cancel
	r.state = stateRunning

	go func() {
		err := l.run(loopCtx)
		r.finish(err)
	}()
	r.logger.Info("relay started",
		"ingress", in.Addr(), "egress", out.Addr(), "capture", r.rule.String(), "capturing", r.gate.IsOpen())
	return nil
}

func (r *Relay) finish(err error) {
	if err != nil {
		r.logger.Error("relay loop terminated", "err", err)
	}
	r.mu.Lock()
	r.loopErr = err
	r.mu.Unlock()
	close(r.done)
}

// Stop ends the loop, waits for it and releases both endpoints. It is a
// no-op on a relay that was never started. On a stopped relay it returns
// nil once the endpoints have been released. The error
// reports a loop that had already died on its own and any failure to
// release an endpoint.
func (r *Relay) Stop() error {
	r.mu.Lock()
	switch r.state {
	case stateUnstarted:
		r.mu.Unlock()
		return nil
	case stateStopped:
		r.mu.Unlock()
		// A concurrent Stop may still be releasing the endpoints.
		<-r.released
		return nil
	}
	r.state = stateStopped
	cancel, in, out := r.cancel, r.ingress, r.egress
	r.mu.Unlock()

	cancel()
	<-r.done

	r.mu.Lock()
	loopErr := r.loopErr
	r.mu.Unlock()

	var errs []error
	if loopErr != nil {
		errs = append(errs, loopErr)
	}
	if err := in.Close(); err != nil {
		errs = append(errs, fmt.Errorf("relay: close ingress: %w", err))
	}
	if err := out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("relay: close egress: %w", err))
	}
	close(r.released)
	r.logger.Info("relay stopped", "backlog", r.ledger.Len())
	return errors.Join(errs...)
}

// Send publishes text on the egress endpoint directly. It bypasses ingress
// and is never captured.
func (r *Relay) Send(text string) error {
	return r.SendBytes([]byte(text))
}

// SendBytes is Send for a raw frame.
func (r *Relay) SendBytes(frame []byte) error {
	r.mu.Lock()
	out := r.egress
	running := r.state == stateRunning
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return out.Broadcast(context.Background(), Message(frame).Clone())
}

// Acknowledge removes every backlog entry byte-equal to msg and returns how
// many were removed.
func (r *Relay) Acknowledge(msg []byte) int {
	n := r.ledger.Acknowledge(msg)
	r.metrics.recordAcknowledged(n)
	return n
}

// AcknowledgeID removes the single backlog entry with the given ID.
func (r *Relay) AcknowledgeID(id string) bool {
	ok := r.ledger.AcknowledgeID(id)
	if ok {
		r.metrics.recordAcknowledged(1)
	}
	return ok
}

// AcknowledgeFunc removes every backlog entry whose frame satisfies match.
func (r *Relay) AcknowledgeFunc(match capture.Predicate) int {
	n := r.ledger.AcknowledgeFunc(match)
	r.metrics.recordAcknowledged(n)
	return n
}

// Reset empties the backlog without counting the entries as acknowledged.
func (r *Relay) Reset() int {
	return r.ledger.Reset()
}

// Backlog returns the captured, unacknowledged frames in capture order.
func (r *Relay) Backlog() []Message {
	return r.ledger.Messages()
}

// Entries returns the backlog with entry metadata.
func (r *Relay) Entries() []Entry {
	return r.ledger.Snapshot()
}

// Await waits until a backlog entry satisfies match.
func (r *Relay) Await(ctx context.Context, match capture.Predicate) (Entry, error) {
	return r.ledger.Await(ctx, match)
}

// Clear opens the capture gate.
func (r *Relay) Clear() {
	r.gate.Open()
	r.logger.Debug("capture enabled")
}

// Silence closes the capture gate. Frames are still forwarded.
func (r *Relay) Silence() {
	r.gate.Close()
	r.logger.Debug("capture disabled")
}

// Capturing reports whether the capture gate is open.
func (r *Relay) Capturing() bool {
	return r.gate.IsOpen()
}

// Done is closed when the relay loop exits, whether by Stop, by
// cancellation of the Start context, or by failure.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that terminated the loop, or nil.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopErr
}

// IngressAddr returns the bound ingress address, or "" when not running.
func (r *Relay) IngressAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return ""
	}
	return r.ingress.Addr()
}

// EgressAddr returns the bound egress address, or "" when not running.
func (r *Relay) EgressAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return ""
	}
	return r.egress.Addr()
}

// Ports returns the bound ingress and egress UDP ports.
func (r *Relay) Ports() (ingress, egress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return 0, 0
	}
	return r.ingress.Port(), r.egress.Port()
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	s := r.metrics.snapshot()
	s.Backlog = r.ledger.Len()
	return s
}
