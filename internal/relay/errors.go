package relay

import "errors"

// Sentinel errors returned by Relay operations.
var (
	// ErrAlreadyStarted is returned by a second Start on the same relay.
	ErrAlreadyStarted = errors.New("relay: already started")

	// ErrStopped is returned by Start after Stop. A stopped relay is not
	// restarted; construct a new one.
	ErrStopped = errors.New("relay: stopped")

	// ErrNotRunning is returned by Send when the endpoints are not bound.
	ErrNotRunning = errors.New("relay: not running")

	// ErrIngressClosed ends the relay loop when the ingress endpoint stops
	// delivering frames on its own.
	ErrIngressClosed = errors.New("relay: ingress closed")

	// ErrEgressClosed is returned when broadcasting on a closed egress
	// endpoint. It ends the relay loop.
	ErrEgressClosed = errors.New("relay: egress closed")
)
