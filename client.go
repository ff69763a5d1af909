package strata

import (
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Client.
//
// Backoff drives both default policies: MinBackoff and MaxBackoff bound the
// delays produced by ExponentialBackoff, and MaxRetries is the transient
// failure budget of LimitedFailures, 0 meaning no cap.
type Config struct {
	Backoff backoff.Config `yaml:"backoff"`
}

// RegisterFlags registers the client flags with the default "strata." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("strata.", f)
}

// RegisterFlagsWithPrefix registers the client flags, prefixing each flag
// name with prefix.
//
// Default backoff schedule: 0.1s, 0.2s, 0.4s, 0.8s, 1.6s, 3.2s, 6.4s, 10s,
// 10s, 10s, for a total of roughly 33s of retrying before a call gives up.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Backoff.MinBackoff, prefix+"backoff-min-period", 100*time.Millisecond, "Minimum delay when backing off between attempts.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, prefix+"backoff-max-period", 10*time.Second, "Maximum delay when backing off between attempts.")
	f.IntVar(&cfg.Backoff.MaxRetries, prefix+"backoff-retries", 10, "Number of transient failures a single call tolerates before giving up. 0 to retry for as long as the context allows.")
}

// Validate returns an error if the configuration cannot be used.
func (cfg *Config) Validate() error {
	if cfg.Backoff.MinBackoff <= 0 {
		return errors.New("minimum backoff period must be positive")
	}
	if cfg.Backoff.MaxBackoff < cfg.Backoff.MinBackoff {
		return errors.New("maximum backoff period must be at least the minimum")
	}
	if cfg.Backoff.MaxRetries < 0 {
		return errors.New("retry budget must not be negative")
	}
	return nil
}

// Client is a handle on the Strata data plane. One client serves any number
// of tables and goroutines; it holds configuration, metrics and the
// transport, never per-call state.
type Client struct {
	cfg     Config
	svc     Service
	logger  log.Logger
	metrics *clientMetrics
}

// NewClient returns a client issuing its RPCs through svc. Metrics are
// registered with reg; a nil reg leaves them unregistered, which is handy in
// tests.
func NewClient(cfg Config, svc Service, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid strata config")
	}
	if svc == nil {
		return nil, errors.New("nil strata service")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		cfg:     cfg,
		svc:     svc,
		logger:  logger,
		metrics: newClientMetrics(reg),
	}, nil
}

// Table returns a handle on the named table. Options override the default
// policies, which are derived from the client configuration: LimitedFailures
// with the configured budget, ExponentialBackoff over the configured range,
// SafeIdempotency, and DefaultTransient.
func (c *Client) Table(name string, opts ...TableOption) *Table {
	t := &Table{
		name:    name,
		svc:     c.svc,
		logger:  log.With(c.logger, "table", name),
		metrics: c.metrics,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.transient == nil {
		t.transient = DefaultTransient
	}
	if t.retry == nil {
		t.retry = newLimitedFailures(c.cfg.Backoff.MaxRetries, t.transient)
	}
	if t.backoff == nil {
		t.backoff = NewExponentialBackoff(c.cfg.Backoff)
	}
	if t.idem == nil {
		t.idem = SafeIdempotency{}
	}
	return t
}
