package websocket

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/metrics"
	"github.com/luciancaetano/kephaschat/internal/protocol"
)

// Handler receives transport events. Both methods are called on the manager's
// event loop goroutine and must not block or call Manager.Close.
type Handler interface {
	// HandleState is called when the coarse connection state changes.
	HandleState(state kephaschat.ConnectionState, status Status)

	// HandleEvent is called for every successfully decoded frame. The returned
	// events are written immediately, in order, on the same connection.
	HandleEvent(ev protocol.ServerEvent) []protocol.ClientEvent
}

// Config configures a Manager.
type Config struct {
	// Endpoint is the base WebSocket URL (ws:// or wss://).
	Endpoint string
	// TokenParam is the query parameter carrying the credential.
	TokenParam string
	// Reconnect is the backoff policy applied after abnormal closes.
	Reconnect kephaschat.ReconnectPolicy
	// HeartbeatInterval is the ping period while the connection is open.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// ReadLimit caps inbound frame size.
	ReadLimit int64
	// RateLimit throttles outbound chat frames. Heartbeats are exempt.
	RateLimit *RateLimitConfig
	// Dialer overrides the default gorilla dialer.
	Dialer *websocket.Dialer
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// OnReconnectScheduled is called on the event loop each time a reconnect
	// is scheduled, with the 1-based attempt number and its delay.
	OnReconnectScheduled func(attempt int, delay time.Duration)
}

// RateLimitConfig defines outbound rate limiting
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames may be sent per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 10 frames per second with burst of 20
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 10,
		Burst:             20,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *Config) withDefaults() {
	if c.TokenParam == "" {
		c.TokenParam = kephaschat.DefaultTokenParam
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = kephaschat.DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = kephaschat.DefaultHandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = kephaschat.DefaultWriteWait
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = kephaschat.DefaultReadLimit
	}
}

// BuildEndpoint embeds the credential into the endpoint's query string.
// Browser WebSockets cannot send custom headers, so the backend reads the
// credential from the URL for every client.
func BuildEndpoint(base, tokenParam, credential string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", kephaschat.ErrInvalidEndpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", kephaschat.ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", kephaschat.ErrInvalidEndpoint)
	}
	if credential == "" {
		return "", kephaschat.ErrEmptyCredential
	}
	if tokenParam == "" {
		tokenParam = kephaschat.DefaultTokenParam
	}

	q := u.Query()
	q.Set(tokenParam, credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redact replaces the credential in endpoint so it can be logged.
func Redact(endpoint, tokenParam string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid endpoint>"
	}
	q := u.Query()
	if q.Has(tokenParam) {
		q.Set(tokenParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
