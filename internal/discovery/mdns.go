// Package discovery advertises relay endpoints over mDNS and lets producers
// and subscribers find them without a configured address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/betamos/zeroconf"

	"github.com/SWAI-Ltd/lakerelay/internal/proto"
)

const (
	IngressService = "_lake-ingress._udp"
	EgressService  = "_lake-egress._udp"
	Domain         = "local."
)

// ErrNotFound is returned by Lookup when ctx ends before any relay answers.
var ErrNotFound = errors.New("discovery: no relay found")

// Endpoint is one discovered relay endpoint.
type Endpoint struct {
	Name string
	Addr string
	Port int
}

// ServiceFor returns the mDNS service type a client of the given role
// connects to: producers push to ingress, subscribers read egress.
func ServiceFor(role string) (string, error) {
	switch role {
	case proto.RoleProducer:
		return IngressService, nil
	case proto.RoleSubscriber:
		return EgressService, nil
	}
	return "", fmt.Errorf("discovery: unknown role %q", role)
}

// Advertiser publishes a running relay's endpoints. A zeroconf client
// publishes a single service, so each endpoint has its own.
type Advertiser struct {
	clients []*zeroconf.Client
}

// Advertise publishes both endpoints of the relay instance name.
func Advertise(name string, ingressPort, egressPort int) (*Advertiser, error) {
	svcs, err := services(name, ingressPort, egressPort)
	if err != nil {
		return nil, err
	}
	a := &Advertiser{}
	for _, svc := range svcs {
		client, err := zeroconf.New().Publish(svc).Open()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("zeroconf: %w", err)
		}
		a.clients = append(a.clients, client)
	}
	return a, nil
}

// services builds the ingress and egress services, in that order.
func services(name string, ingressPort, egressPort int) ([]*zeroconf.Service, error) {
	in, err := port16(ingressPort)
	if err != nil {
		return nil, err
	}
	out, err := port16(egressPort)
	if err != nil {
		return nil, err
	}
	return []*zeroconf.Service{
		zeroconf.NewService(zeroconf.NewType(IngressService), name, in),
		zeroconf.NewService(zeroconf.NewType(EgressService), name, out),
	}, nil
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() error {
	var errs []error
	for _, c := range a.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.clients = nil
	return errors.Join(errs...)
}

// Lookup browses for the endpoint a client of role should connect to and
// returns the first one that answers.
func Lookup(ctx context.Context, role string) (Endpoint, error) {
	svc, err := ServiceFor(role)
	if err != nil {
		return Endpoint{}, err
	}
	found := make(chan Endpoint, 1)
	var once sync.Once
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			addr := pickAddr(e.Addrs, e.Port)
			if addr == "" {
				return
			}
			once.Do(func() {
				found <- Endpoint{Name: e.Name, Addr: addr, Port: int(e.Port)}
			})
		}, zeroconf.NewType(svc)).
		Open()
	if err != nil {
		return Endpoint{}, fmt.Errorf("zeroconf: %w", err)
	}
	defer client.Close()

	select {
	case ep := <-found:
		return ep, nil
	case <-ctx.Done():
		return Endpoint{}, fmt.Errorf("%w: %s: %w", ErrNotFound, svc, ctx.Err())
	}
}

// pickAddr prefers an IPv4 address and formats it for dialing.
func pickAddr(addrs []netip.Addr, port uint16) string {
	var best netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if !best.IsValid() || (a.Is4() && !best.Is4()) {
			best = a
		}
	}
	if !best.IsValid() {
		return ""
	}
	return net.JoinHostPort(best.String(), strconv.Itoa(int(port)))
}

func port16(p int) (uint16, error) {
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("discovery: port %d out of range", p)
	}
	return uint16(p), nil
}
