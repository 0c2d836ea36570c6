package relay

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/SWAI-Ltd/lakerelay/internal/capture"
)

// Well-known local endpoints the monitored process is configured against.
const (
	DefaultIngressAddr = "127.0.0.1:5562"
	DefaultEgressAddr  = "127.0.0.1:5561"

	DefaultIngressBuffer    = 1024
	DefaultSubscriberBuffer = 1024
)

// Option configures a Relay instance.
type Option func(*Relay) error

// WithIngressAddr sets the address the ingress endpoint binds.
func WithIngressAddr(addr string) Option {
	return func(r *Relay) error {
		r.ingressAddr = addr
		return nil
	}
}

// WithEgressAddr sets the address the egress endpoint binds.
func WithEgressAddr(addr string) Option {
	return func(r *Relay) error {
		r.egressAddr = addr
		return nil
	}
}

// WithCapture sets the rule deciding which forwarded frames are captured.
func WithCapture(rule capture.Rule) Option {
	return func(r *Relay) error {
		r.rule = rule
		return nil
	}
}

// WithPredicate is WithCapture for an unnamed predicate.
func WithPredicate(p capture.Predicate) Option {
	return func(r *Relay) error {
		if p == nil {
			return fmt.Errorf("relay: nil capture predicate")
		}
		r.rule = capture.Named("custom", p)
		return nil
	}
}

// WithCaptureClosed starts the relay with the capture gate closed.
func WithCaptureClosed() Option {
	return func(r *Relay) error {
		r.gate.Close()
		return nil
	}
}

// WithIngressBuffer sets how many received frames may wait for the loop
// before producers are slowed down by flow control.
func WithIngressBuffer(n int) Option {
	return func(r *Relay) error {
		if n <= 0 {
			return fmt.Errorf("relay: ingress buffer must be positive, got %d", n)
		}
		r.ingressBuffer = n
		return nil
	}
}

// WithSubscriberBuffer sets each subscriber's outbound queue length.
func WithSubscriberBuffer(n int) Option {
	return func(r *Relay) error {
		if n <= 0 {
			return fmt.Errorf("relay: subscriber buffer must be positive, got %d", n)
		}
		r.subscriberBuffer = n
		return nil
	}
}

// WithLogger sets the structured logger for the Relay instance.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// WithMeter sets the OpenTelemetry meter. The global meter is used
// otherwise.
func WithMeter(m metric.Meter) Option {
	return func(r *Relay) error {
		r.meter = m
		return nil
	}
}
