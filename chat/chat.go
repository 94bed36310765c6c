package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/metrics"
	"github.com/luciancaetano/kephaschat/internal/session"
	"github.com/luciancaetano/kephaschat/internal/store"
	"github.com/luciancaetano/kephaschat/internal/websocket"
)

// RateLimitConfig limits outbound message and select_chatroom frames.
// Heartbeats are never limited.
type RateLimitConfig = websocket.RateLimitConfig

// RoleMapper collapses a raw server role into a display role.
type RoleMapper = store.RoleMapper

// Hooks are session callbacks. They run on the session's event loop, must not
// block and must not call Close directly.
type Hooks = session.Hooks

// Config configures a Session. Build it with NewConfig and adjust fields as
// needed before calling New.
type Config struct {
	// Endpoint is the base WebSocket URL (ws://, wss://, http:// or https://).
	Endpoint string
	// Credential is sent as a query parameter on every dial.
	Credential string
	// Role is the role the session authenticates as.
	Role kephaschat.Role
	// TokenParam is the query parameter name. Defaults to "token".
	TokenParam string

	Reconnect         kephaschat.ReconnectPolicy
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	RateLimit         *RateLimitConfig

	// RoleMapper normalizes message origin roles. Defaults to DefaultRoleMapper.
	RoleMapper RoleMapper
	// FilterByRoom drops live messages for rooms other than the current one.
	FilterByRoom bool
	// DedupeByID skips messages whose id was already seen in the current room.
	DedupeByID bool
	// ResumeRoom re-selects the previous room after an operator reconnect.
	ResumeRoom bool

	Hooks Hooks
	// OnReconnectScheduled is called with the attempt number and delay of each
	// scheduled reconnect.
	OnReconnectScheduled func(attempt int, delay time.Duration)

	Logger *zerolog.Logger
	// Registerer enables Prometheus metrics when set.
	Registerer prometheus.Registerer
}

// New creates a Session. The connection is not opened until Connect.
//
// Example:
//
//	cfg := chat.NewConfig("wss://chat.example.com/ws", token, kephaschat.RoleUser)
//	cfg.Hooks.OnMessage = func(m kephaschat.Message) {
//	    fmt.Println(m.OriginRole, m.Text)
//	}
//	sess, err := chat.New(cfg)
func New(cfg *Config) (kephaschat.Session, error) {
	var m *metrics.Metrics
	if cfg.Registerer != nil {
		m = metrics.New(metrics.WithRegistry(cfg.Registerer))
	}

	return session.New(session.Config{
		Role:       cfg.Role,
		Credential: cfg.Credential,
		Transport: websocket.Config{
			Endpoint:             cfg.Endpoint,
			TokenParam:           cfg.TokenParam,
			Reconnect:            cfg.Reconnect,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HandshakeTimeout:     cfg.HandshakeTimeout,
			RateLimit:            cfg.RateLimit,
			Logger:               cfg.Logger,
			Metrics:              m,
			OnReconnectScheduled: cfg.OnReconnectScheduled,
		},
		State: session.Options{
			RoleMapper:   cfg.RoleMapper,
			FilterByRoom: cfg.FilterByRoom,
			DedupeByID:   cfg.DedupeByID,
			ResumeRoom:   cfg.ResumeRoom,
			Hooks:        cfg.Hooks,
		},
	})
}

// NewConfig returns a Config with the default reconnect policy, heartbeat and
// rate limit.
func NewConfig(endpoint, credential string, role kephaschat.Role) *Config {
	return &Config{
		Endpoint:          endpoint,
		Credential:        credential,
		Role:              role,
		TokenParam:        kephaschat.DefaultTokenParam,
		Reconnect:         DefaultReconnectPolicy(),
		HeartbeatInterval: kephaschat.DefaultHeartbeatInterval,
		HandshakeTimeout:  kephaschat.DefaultHandshakeTimeout,
		RateLimit:         DefaultRateLimitConfig(),
		ResumeRoom:        true,
	}
}

// DefaultReconnectPolicy returns 1s base delay, 15s cap and 10 attempts.
func DefaultReconnectPolicy() kephaschat.ReconnectPolicy {
	return kephaschat.ReconnectPolicy{
		BaseDelay:   kephaschat.DefaultReconnectBaseDelay,
		MaxDelay:    kephaschat.DefaultReconnectMaxDelay,
		MaxAttempts: kephaschat.DefaultReconnectMaxAttempts,
	}
}

// DefaultRateLimitConfig returns the default outbound rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// DefaultRoleMapper maps agent and superadmin to admin.
func DefaultRoleMapper(raw string) kephaschat.DisplayRole {
	return store.DefaultRoleMapper(raw)
}

// OperatorViewRoleMapper additionally maps operator to admin and an empty
// role to bot.
func OperatorViewRoleMapper(raw string) kephaschat.DisplayRole {
	return store.OperatorViewRoleMapper(raw)
}

// MergeHistory combines fetched history with live messages for display.
func MergeHistory(history, live []kephaschat.Message) []kephaschat.Message {
	return store.MergeHistory(history, live)
}
