// Package config reads the interceptd configuration file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/control"
)

type Listener struct {
	Addr        string `yaml:"addr"`
	Transparent bool   `yaml:"transparent,omitempty"`
	TProxy      bool   `yaml:"tproxy,omitempty"`
}

type CA struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Upstream struct {
	// Proxy chains upstream connections: http://, https:// or socks5://
	// with optional user:pass@.
	Proxy string `yaml:"proxy,omitempty"`
	// DNS is a nameserver queried directly instead of the system resolver.
	DNS                string        `yaml:"dns,omitempty"`
	DNSTimeout         time.Duration `yaml:"dns_timeout,omitempty"`
	DialTimeout        time.Duration `yaml:"dial_timeout,omitempty"`
	ResponseTimeout    time.Duration `yaml:"response_timeout,omitempty"`
	IdleTimeout        time.Duration `yaml:"idle_timeout,omitempty"`
	VerifyCertificates bool          `yaml:"verify_certificates,omitempty"`
	KeepAlive          KeepAlive     `yaml:"keepalive,omitempty"`
}

type KeepAlive struct {
	Period   time.Duration `yaml:"period,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Count    int           `yaml:"count,omitempty"`
}

type Interception struct {
	PassThrough       []string      `yaml:"pass_through,omitempty"`
	AllowHTTP2        bool          `yaml:"allow_http2,omitempty"`
	KeepProxyHeaders  bool          `yaml:"keep_proxy_headers,omitempty"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes,omitempty"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes,omitempty"`
	ClientIdleTimeout time.Duration `yaml:"client_idle_timeout,omitempty"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout,omitempty"`
	// MaxFailures disables an interceptor after that many errors in a row.
	MaxFailures int `yaml:"max_failures,omitempty"`
}

// RuleSpec is a breakpoint rule installed at startup.
type RuleSpec = control.RuleSpec

type Breakpoints struct {
	// Timeout resumes suspended exchanges with TimeoutDecision. 0 waits
	// until a decision arrives.
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	TimeoutDecision string        `yaml:"timeout_decision,omitempty"`
	Rules           []RuleSpec    `yaml:"rules,omitempty"`
}

type Limits struct {
	MaxConnections int     `yaml:"max_connections,omitempty"`
	AcceptRate     float64 `yaml:"accept_rate,omitempty"`
	AcceptBurst    int     `yaml:"accept_burst,omitempty"`
}

type Auth struct {
	Realm string            `yaml:"realm,omitempty"`
	Users map[string]string `yaml:"users,omitempty"`
}

type History struct {
	Capacity  int `yaml:"capacity,omitempty"`
	QueueSize int `yaml:"queue_size,omitempty"`
	// HAR, if set, is a file the exchanges are also written to.
	HAR         string        `yaml:"har,omitempty"`
	HARContent  bool          `yaml:"har_content,omitempty"`
	HARInterval time.Duration `yaml:"har_interval,omitempty"`
}

type Log struct {
	Level string `yaml:"level,omitempty"`
	// Development switches to zap's console encoder.
	Development bool `yaml:"development,omitempty"`
}

type Config struct {
	Listen        []Listener    `yaml:"listen"`
	CA            CA            `yaml:"ca"`
	Upstream      Upstream      `yaml:"upstream,omitempty"`
	Interception  Interception  `yaml:"interception,omitempty"`
	Breakpoints   Breakpoints   `yaml:"breakpoints,omitempty"`
	Limits        Limits        `yaml:"limits,omitempty"`
	Auth          Auth          `yaml:"auth,omitempty"`
	History       History       `yaml:"history,omitempty"`
	Control       string        `yaml:"control,omitempty"`
	Metrics       bool          `yaml:"metrics,omitempty"`
	Log           Log           `yaml:"log,omitempty"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

// Default is the configuration used when no file exists.
func Default() Config {
	def := intercept.DefaultOptions()
	return Config{
		Listen: []Listener{{Addr: "127.0.0.1:8080"}},
		CA:     CA{Cert: "ca.pem", Key: "ca.key"},
		Upstream: Upstream{
			DialTimeout:     def.DialTimeout,
			ResponseTimeout: def.ResponseTimeout,
			IdleTimeout:     def.UpstreamIdleTimeout,
			KeepAlive:       KeepAlive{Period: def.KeepAlive.Period},
		},
		Interception: Interception{
			ClientIdleTimeout: def.ClientIdleTimeout,
			HandshakeTimeout:  def.HandshakeTimeout,
			MaxFailures:       def.FailurePolicy.MaxConsecutiveFailures,
		},
		Breakpoints: Breakpoints{TimeoutDecision: "drop"},
		History:     History{Capacity: 10000, QueueSize: def.HistoryQueueSize},
		Control:     "127.0.0.1:8081",
		Log:         Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is created with the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("no listen address"))
	}
	for i, l := range c.Listen {
		if l.Addr == "" {
			errs = append(errs, fmt.Errorf("listen[%d]: empty address", i))
		}
	}
	if c.CA.Cert == "" || c.CA.Key == "" {
		errs = append(errs, errors.New("ca: cert and key paths are required"))
	}
	if _, err := intercept.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Breakpoints.TimeoutDecision != "" {
		if _, err := intercept.ParseDecision(c.Breakpoints.TimeoutDecision); err != nil {
			errs = append(errs, fmt.Errorf("breakpoints: %w", err))
		}
	}
	for i, r := range c.Breakpoints.Rules {
		if _, err := intercept.ParseDirection(r.Direction); err != nil {
			errs = append(errs, fmt.Errorf("breakpoints.rules[%d]: %w", i, err))
		}
		if _, err := r.Condition(); err != nil {
			errs = append(errs, fmt.Errorf("breakpoints.rules[%d]: %w", i, err))
		}
	}
	if c.Limits.AcceptRate < 0 {
		errs = append(errs, errors.New("limits: negative accept rate"))
	}
	return errors.Join(errs...)
}

// Bindings returns the listen addresses.
func (c Config) Bindings() []intercept.Binding {
	out := make([]intercept.Binding, 0, len(c.Listen))
	for _, l := range c.Listen {
		out = append(out, intercept.Binding{Addr: l.Addr, Transparent: l.Transparent, TProxy: l.TProxy})
	}
	return out
}

// Options builds the engine options. Logger, History and Metrics are left
// for the caller.
func (c Config) Options() (intercept.Options, error) {
	opts := intercept.DefaultOptions()
	opts.Logger = nil
	opts.UpstreamProxy = c.Upstream.Proxy
	if c.Upstream.DNS != "" {
		timeout := c.Upstream.DNSTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		opts.Resolver = intercept.NewDNSResolver(c.Upstream.DNS, timeout)
	}
	if c.Upstream.VerifyCertificates {
		opts.UpstreamTLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	setDuration(&opts.DialTimeout, c.Upstream.DialTimeout)
	setDuration(&opts.ResponseTimeout, c.Upstream.ResponseTimeout)
	setDuration(&opts.UpstreamIdleTimeout, c.Upstream.IdleTimeout)
	setDuration(&opts.KeepAlive.Period, c.Upstream.KeepAlive.Period)
	opts.KeepAlive.Interval = c.Upstream.KeepAlive.Interval
	opts.KeepAlive.Count = c.Upstream.KeepAlive.Count

	in := c.Interception
	opts.PassThroughHosts = in.PassThrough
	opts.AllowHTTP2 = in.AllowHTTP2
	opts.KeepProxyHeaders = in.KeepProxyHeaders
	if in.MaxHeaderBytes > 0 {
		opts.MaxHeaderBytes = in.MaxHeaderBytes
	}
	if in.MaxBodyBytes > 0 {
		opts.MaxBodyBytes = in.MaxBodyBytes
	}
	setDuration(&opts.ClientIdleTimeout, in.ClientIdleTimeout)
	setDuration(&opts.HandshakeTimeout, in.HandshakeTimeout)
	opts.FailurePolicy.MaxConsecutiveFailures = in.MaxFailures

	opts.BreakpointTimeout = c.Breakpoints.Timeout
	if c.Breakpoints.TimeoutDecision != "" {
		d, err := intercept.ParseDecision(c.Breakpoints.TimeoutDecision)
		if err != nil {
			return opts, err
		}
		opts.BreakpointTimeoutDecision = d
	}
	if c.History.QueueSize > 0 {
		opts.HistoryQueueSize = c.History.QueueSize
	}
	setDuration(&opts.ShutdownGrace, c.ShutdownGrace)
	return opts, nil
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
