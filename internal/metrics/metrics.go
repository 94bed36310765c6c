// Package metrics exposes Prometheus collectors for the chat transport.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/kephaschat"
)

// Config configures the transport collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "kephaschat").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for reconnect delays, in seconds.
	Buckets []float64

	// Registry receives the collectors. Nil leaves them unregistered.
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the reconnect delay histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "kephaschat",
		Subsystem: "client",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}
}

// Metrics holds the transport collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connectionState prometheus.Gauge
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	reconnects      prometheus.Counter
	reconnectDelay  prometheus.Histogram
	terminal        prometheus.Counter
}

// New builds the collectors and registers them when a registry is configured.
// Sessions sharing a registry share the collectors.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connection_state",
			Help:        "Coarse connection state (0 idle, 1 connecting, 2 open, 3 closed)",
			ConstLabels: cfg.ConstLabels,
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_received_total",
			Help:        "Decoded frames received by type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Frames written to the connection by type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_dropped_total",
			Help:        "Frames dropped by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnects_scheduled_total",
			Help:        "Reconnect attempts scheduled after abnormal closes",
			ConstLabels: cfg.ConstLabels,
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnect_delay_seconds",
			Help:        "Backoff delay of scheduled reconnects",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
		terminal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "terminal_failures_total",
			Help:        "Sessions permanently closed after exhausting the reconnect policy",
			ConstLabels: cfg.ConstLabels,
		}),
	}

	if cfg.Registry != nil {
		m.connectionState = register(cfg.Registry, m.connectionState)
		m.framesIn = register(cfg.Registry, m.framesIn)
		m.framesOut = register(cfg.Registry, m.framesOut)
		m.framesDropped = register(cfg.Registry, m.framesDropped)
		m.reconnects = register(cfg.Registry, m.reconnects)
		m.reconnectDelay = register(cfg.Registry, m.reconnectDelay)
		m.terminal = register(cfg.Registry, m.terminal)
	}
	return m
}

// register returns the already-registered collector when c is a duplicate.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Reasons for dropped frames.
const (
	DropMalformed   = "malformed"
	DropRateLimited = "rate_limited"
	DropNotOpen     = "not_open"
)

// SetState records the current connection state.
func (m *Metrics) SetState(s kephaschat.ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

// FrameIn counts a decoded inbound frame.
func (m *Metrics) FrameIn(eventType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(eventType).Inc()
}

// FrameOut counts a written outbound frame.
func (m *Metrics) FrameOut(eventType string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(eventType).Inc()
}

// Dropped counts a dropped frame.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ReconnectScheduled records a scheduled reconnect and its delay.
func (m *Metrics) ReconnectScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

// TerminalFailure counts an exhausted reconnect policy.
func (m *Metrics) TerminalFailure() {
	if m == nil {
		return
	}
	m.terminal.Inc()
}
