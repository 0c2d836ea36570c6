// Package config loads relay settings from a YAML or JSONC file and
// command-line flags.
//
// Precedence is defaults, then the file, then flags that were explicitly
// set on the command line.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/SWAI-Ltd/lakerelay/internal/capture"
	"github.com/SWAI-Ltd/lakerelay/internal/relay"
)

// Config is the complete relay configuration.
type Config struct {
	Ingress IngressConfig `yaml:"ingress" json:"ingress"`
	Egress  EgressConfig  `yaml:"egress" json:"egress"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Log     LogConfig     `yaml:"log" json:"log"`

	// Advertise publishes both endpoints over mDNS.
	Advertise bool `yaml:"advertise" json:"advertise"`
	// Name is the instance name used for mDNS and logs.
	Name string `yaml:"name" json:"name"`
}

// IngressConfig configures the many-to-one endpoint.
type IngressConfig struct {
	Addr   string `yaml:"addr" json:"addr"`
	Buffer int    `yaml:"buffer" json:"buffer"`
}

// EgressConfig configures the broadcast endpoint.
type EgressConfig struct {
	Addr             string `yaml:"addr" json:"addr"`
	SubscriberBuffer int    `yaml:"subscriber_buffer" json:"subscriber_buffer"`
}

// CaptureConfig selects which forwarded frames enter the backlog. The
// configured conditions are combined with AND.
type CaptureConfig struct {
	// Enabled is the initial state of the capture gate.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ExcludeSuffix skips frames ending in this marker.
	ExcludeSuffix string `yaml:"exclude_suffix" json:"exclude_suffix"`
	// RequirePrefix captures only frames starting with this prefix.
	RequirePrefix string `yaml:"require_prefix" json:"require_prefix"`
	// Expr is a CEL expression over text, data, size and json.
	Expr string `yaml:"expr" json:"expr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Ingress: IngressConfig{
			Addr:   relay.DefaultIngressAddr,
			Buffer: relay.DefaultIngressBuffer,
		},
		Egress: EgressConfig{
			Addr:             relay.DefaultEgressAddr,
			SubscriberBuffer: relay.DefaultSubscriberBuffer,
		},
		Capture: CaptureConfig{
			Enabled:       true,
			ExcludeSuffix: capture.TerminalMarker,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Name: "lakerelay",
	}
}

// LoadFile merges the file at path into the defaults. Files ending in
// .json or .jsonc are read as JSON with comments; anything else as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return nil
}

// Flags holds command-line overrides. Only flags the user set are applied.
type Flags struct {
	set *pflag.FlagSet

	path             string
	ingressAddr      string
	egressAddr       string
	ingressBuffer    int
	subscriberBuffer int
	silenced         bool
	excludeSuffix    string
	requirePrefix    string
	expr             string
	logLevel         string
	logFormat        string
	advertise        bool
	name             string
}

// AddFlags registers relay flags on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{set: fs}
	fs.StringVarP(&f.path, "config", "c", "", "path to a YAML or JSONC config file")
	fs.StringVar(&f.ingressAddr, "ingress", d.Ingress.Addr, "ingress listen address")
	fs.StringVar(&f.egressAddr, "egress", d.Egress.Addr, "egress listen address")
	fs.IntVar(&f.ingressBuffer, "ingress-buffer", d.Ingress.Buffer, "frames queued between ingress and the relay loop")
	fs.IntVar(&f.subscriberBuffer, "subscriber-buffer", d.Egress.SubscriberBuffer, "frames queued per egress subscriber")
	fs.BoolVar(&f.silenced, "silenced", false, "start with the capture gate closed")
	fs.StringVar(&f.excludeSuffix, "exclude-suffix", d.Capture.ExcludeSuffix, "do not capture frames ending in this marker")
	fs.StringVar(&f.requirePrefix, "require-prefix", "", "capture only frames starting with this prefix")
	fs.StringVar(&f.expr, "capture-expr", "", "CEL expression selecting frames to capture")
	fs.StringVar(&f.logLevel, "log-level", d.Log.Level, "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", d.Log.Format, "text or json")
	fs.BoolVar(&f.advertise, "advertise", false, "advertise endpoints over mDNS")
	fs.StringVar(&f.name, "name", d.Name, "instance name")
	return f
}

// Load builds the configuration: defaults, then --config, then flags.
func (f *Flags) Load() (*Config, error) {
	cfg := Default()
	if f.path != "" {
		if err := cfg.loadFile(f.path); err != nil {
			return nil, err
		}
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *Config) {
	changed := f.set.Changed
	if changed("ingress") {
		cfg.Ingress.Addr = f.ingressAddr
	}
	if changed("egress") {
		cfg.Egress.Addr = f.egressAddr
	}
	if changed("ingress-buffer") {
		cfg.Ingress.Buffer = f.ingressBuffer
	}
	if changed("subscriber-buffer") {
		cfg.Egress.SubscriberBuffer = f.subscriberBuffer
	}
	if changed("silenced") {
		cfg.Capture.Enabled = !f.silenced
	}
	if changed("exclude-suffix") {
		cfg.Capture.ExcludeSuffix = f.excludeSuffix
	}
	if changed("require-prefix") {
		cfg.Capture.RequirePrefix = f.requirePrefix
	}
	if changed("capture-expr") {
		cfg.Capture.Expr = f.expr
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("advertise") {
		cfg.Advertise = f.advertise
	}
	if changed("name") {
		cfg.Name = f.name
	}
}

// Validate checks addresses, sizes, the log settings and the capture
// expression.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{"ingress": c.Ingress.Addr, "egress": c.Egress.Addr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("config: %s address %q: %w", name, addr, err)
		}
	}
	if c.Ingress.Addr == c.Egress.Addr && !strings.HasSuffix(c.Ingress.Addr, ":0") {
		return fmt.Errorf("config: ingress and egress share address %q", c.Ingress.Addr)
	}
	if c.Ingress.Buffer <= 0 {
		return fmt.Errorf("config: ingress buffer must be positive, got %d", c.Ingress.Buffer)
	}
	if c.Egress.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: subscriber buffer must be positive, got %d", c.Egress.SubscriberBuffer)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if _, err := c.Capture.Rule(); err != nil {
		return err
	}
	return nil
}

// Rule builds the capture rule.
func (c CaptureConfig) Rule() (capture.Rule, error) {
	var rules []capture.Rule
	if c.ExcludeSuffix != "" {
		rules = append(rules, capture.Named("exclude-suffix("+c.ExcludeSuffix+")", capture.ExcludeSuffix(c.ExcludeSuffix)))
	}
	if c.RequirePrefix != "" {
		rules = append(rules, capture.Named("require-prefix("+c.RequirePrefix+")", capture.RequirePrefix(c.RequirePrefix)))
	}
	if c.Expr != "" {
		p, err := capture.Expr(c.Expr)
		if err != nil {
			return capture.Rule{}, fmt.Errorf("config: capture expr: %w", err)
		}
		rules = append(rules, capture.Named("expr("+c.Expr+")", p))
	}
	return capture.Combine(rules...), nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// Logger builds the process logger writing to stderr.
func (l LogConfig) Logger() *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// RelayOptions translates the configuration into relay options.
func (c *Config) RelayOptions(logger *slog.Logger) ([]relay.Option, error) {
	rule, err := c.Capture.Rule()
	if err != nil {
		return nil, err
	}
	opts := []relay.Option{
		relay.WithIngressAddr(c.Ingress.Addr),
		relay.WithEgressAddr(c.Egress.Addr),
		relay.WithIngressBuffer(c.Ingress.Buffer),
		relay.WithSubscriberBuffer(c.Egress.SubscriberBuffer),
		relay.WithCapture(rule),
		relay.WithLogger(logger),
	}
	if !c.Capture.Enabled {
		opts = append(opts, relay.WithCaptureClosed())
	}
	return opts, nil
}
