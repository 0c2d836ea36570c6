// relay runs a lakerelay instance: producers push to the ingress endpoint,
// subscribers read the egress broadcast, and captured frames are kept until
// acknowledged.
// Usage: go run ./cmd/relay --ingress 127.0.0.1:5562 --egress 127.0.0.1:5561 --stdin-admin
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SWAI-Ltd/lakerelay/internal/config"
	"github.com/SWAI-Ltd/lakerelay/internal/discovery"
	"github.com/SWAI-Ltd/lakerelay/internal/relay"
)

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	flags := config.AddFlags(fs)
	stdinAdmin := fs.Bool("stdin-admin", false, "read admin commands from stdin")
	_ = fs.Parse(os.Args[1:])

	cfg, err := flags.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := cfg.Log.Logger().With("relay", cfg.Name)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *stdinAdmin); err != nil {
		logger.Error("relay failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, stdinAdmin bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := cfg.RelayOptions(logger)
	if err != nil {
		return err
	}
	r, err := relay.New(opts...)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	if cfg.Advertise {
		in, out := r.Ports()
		adv, err := discovery.Advertise(cfg.Name, in, out)
		if err != nil {
			logger.Warn("mDNS advertise failed", "err", err)
		} else {
			defer adv.Close()
			logger.Info("advertising over mDNS", "ingress", discovery.IngressService, "egress", discovery.EgressService)
		}
	}

	if stdinAdmin {
		go func() {
			if err := serveAdmin(ctx, r, os.Stdin, os.Stdout); err != nil {
				logger.Warn("admin input ended", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("relay shutting down")
	case <-r.Done():
	}

	for _, e := range r.Entries() {
		logger.Warn("unacknowledged frame", "id", e.ID, "seq", e.Seq, "digest", e.Digest.Short(), "frame", e.Message.String())
	}
	st := r.Stats()
	logger.Info("relay totals",
		"forwarded", st.Forwarded, "captured", st.Captured, "acknowledged", st.Acknowledged,
		"dropped", st.Dropped, "backlog", st.Backlog)

	return r.Stop()
}
