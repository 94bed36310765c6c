package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/metrics"
	"github.com/luciancaetano/kephaschat/internal/protocol"
)

const commandBufferSize = 256

// Status is the externally readable view of a Manager.
type Status struct {
	State    kephaschat.ConnectionState
	Attempts int
	// Terminal is set once the reconnect policy has been exhausted.
	Terminal bool
	ConnID   string
}

// Manager owns exactly one WebSocket connection at a time. It dials, sends
// heartbeats while open, and reconnects with exponential backoff after
// abnormal closes.
//
// Every socket callback, timer and command runs on a single event loop
// goroutine. The connection, heartbeat ticker, reconnect timer and attempt
// counter are owned by that goroutine; other goroutines only read Status.
type Manager struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// event loop state
	closing    bool
	state      kephaschat.ConnectionState
	credential string
	attempts   int
	terminal   bool
	gen        uint64
	conn       *websocket.Conn
	connID     string
	connLog    zerolog.Logger
	dialCancel context.CancelFunc
	heartbeat  *time.Ticker
	heartbeatC <-chan time.Time
	retry      *time.Timer
	retryC     <-chan time.Time

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a Manager and starts its event loop. The loop runs until
// Close is called.
func NewManager(cfg Config, handler Handler) (*Manager, error) {
	cfg.withDefaults()
	if _, err := BuildEndpoint(cfg.Endpoint, cfg.TokenParam, "probe"); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("websocket: nil handler")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}

	m := &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: cfg.Metrics,
		dialer:  dialer,
		limiter: limiter,
		cmds:    make(chan func(), commandBufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   kephaschat.StateIdle,
		connLog: logger,
	}
	m.metrics.SetState(kephaschat.StateIdle)

	go m.run()
	return m, nil
}

// Connect opens the connection with credential. It is a no-op while a dial
// is in flight or the connection is open. A pending reconnect timer is
// cancelled and the dial happens immediately.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return kephaschat.ErrEmptyCredential
	}
	if m.Status().Terminal {
		return kephaschat.ErrReconnectNotAllowed
	}
	return m.enqueue(ctx, func() { m.connect(credential) })
}

// Reconnect re-enters connecting from the terminal closed state. It is only
// permitted when the policy allows manual reconnects.
func (m *Manager) Reconnect(ctx context.Context, credential string) error {
	if credential == "" {
		return kephaschat.ErrEmptyCredential
	}
	if m.Status().Terminal && !m.cfg.Reconnect.AllowManualReconnect {
		return kephaschat.ErrReconnectNotAllowed
	}
	return m.enqueue(ctx, func() {
		if m.terminal {
			m.logger.Info().Msg("[conn] manual reconnect after terminal close")
			m.terminal = false
			m.attempts = 0
		}
		m.connect(credential)
	})
}

// Disconnect closes the connection with a normal-closure frame. It never
// schedules a reconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.enqueue(ctx, m.disconnect)
}

// Send writes ev if the connection is open and silently drops it otherwise.
// Only encoding errors are returned.
func (m *Manager) Send(ctx context.Context, ev protocol.ClientEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	t := protocol.TypeOf(ev)
	return m.enqueue(ctx, func() { m.send(t, data) })
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Close disconnects and stops the event loop, waiting until it exits or ctx
// is done. It must not be called from a Handler callback, which runs on the
// loop Close waits for.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.quit) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the event loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) enqueue(ctx context.Context, fn func()) error {
	select {
	case <-m.quit:
		return kephaschat.ErrSessionClosed
	default:
	}
	select {
	case m.cmds <- fn:
		return nil
	case <-m.quit:
		return kephaschat.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands work from a connection goroutine to the event loop. It reports
// false once the manager is shutting down.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.cmds <- fn:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.heartbeatC:
			m.sendHeartbeat()
		case <-m.retryC:
			m.retry, m.retryC = nil, nil
			m.dial()
		case <-m.quit:
			m.closing = true
			m.disconnect()
			m.drain()
			return
		}
	}
}

// drain runs work that raced with shutdown so stale dial results get their
// connections closed. New dials are refused while closing.
func (m *Manager) drain() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		default:
			return
		}
	}
}

func (m *Manager) connect(credential string) {
	if m.closing {
		return
	}
	if m.terminal {
		m.logger.Debug().Msg("[conn] connect ignored: reconnect policy exhausted")
		return
	}
	m.credential = credential
	if m.dialCancel != nil || m.conn != nil {
		m.logger.Debug().Str("state", m.state.String()).Msg("[conn] connect ignored: already connecting or open")
		return
	}
	if m.retry != nil {
		m.logger.Debug().Msg("[conn] explicit connect cancels pending reconnect")
		m.stopRetry()
	}
	m.dial()
}

func (m *Manager) dial() {
	endpoint, err := BuildEndpoint(m.cfg.Endpoint, m.cfg.TokenParam, m.credential)
	if err != nil {
		m.logger.Error().Err(err).Msg("[conn] cannot build endpoint")
		m.setState(kephaschat.StateClosed)
		return
	}

	m.gen++
	gen := m.gen
	connID := uuid.New().String()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	m.dialCancel = cancel
	m.setState(kephaschat.StateConnecting)

	logger := m.logger.With().Str("conn_id", connID).Logger()
	logger.Info().
		Str("endpoint", Redact(endpoint, m.cfg.TokenParam)).
		Int("attempt", m.attempts).
		Msg("[conn] dialing")

	go func() {
		conn, resp, err := m.dialer.DialContext(ctx, endpoint, nil)
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil && resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		delivered := m.post(func() { m.handleDial(gen, connID, logger, conn, err) })
		if !delivered && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) handleDial(gen uint64, connID string, logger zerolog.Logger, conn *websocket.Conn, err error) {
	if gen != m.gen {
		// superseded by Disconnect or Close
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		logger.Warn().Err(err).Msg("[conn] dial failed")
		m.handleClosed(gen, err)
		return
	}

	conn.SetReadLimit(m.cfg.ReadLimit)
	m.conn = conn
	m.connID = connID
	m.connLog = logger
	m.attempts = 0

	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
	m.heartbeatC = m.heartbeat.C

	logger.Info().Msg("[conn] open")
	m.setState(kephaschat.StateOpen)

	go m.readLoop(gen, conn, logger)
}

// readLoop decodes frames off the connection. Frames that fail to decode
// are dropped here and never reach the handler.
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.handleClosed(gen, err) })
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Int("bytes", len(data)).Msg("[conn] dropping malformed frame")
			m.metrics.Dropped(metrics.DropMalformed)
			continue
		}
		if !m.post(func() { m.handleEvent(gen, ev) }) {
			return
		}
	}
}

func (m *Manager) handleEvent(gen uint64, ev protocol.ServerEvent) {
	if gen != m.gen || m.conn == nil {
		return
	}
	m.metrics.FrameIn(string(ev.Type()))

	for _, reply := range m.handler.HandleEvent(ev) {
		data, err := protocol.Encode(reply)
		if err != nil {
			m.connLog.Error().Err(err).Msg("[conn] cannot encode reply")
			continue
		}
		m.send(protocol.TypeOf(reply), data)
	}
}

// handleClosed runs for every read or dial error. Errors never close the
// connection on their own; this is the single place closure is handled.
func (m *Manager) handleClosed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.stopHeartbeat()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		m.connLog.Info().Str("reason", ce.Text).Msg("[conn] closed normally by server")
		m.setState(kephaschat.StateClosed)
		return
	}

	m.connLog.Warn().Err(err).Msg("[conn] connection lost")
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	policy := m.cfg.Reconnect
	if policy.Exhausted(m.attempts) {
		m.terminal = true
		m.metrics.TerminalFailure()
		m.logger.Error().Int("attempts", m.attempts).Msg("[conn] reconnect attempts exhausted; session closed")
		m.setState(kephaschat.StateClosed)
		return
	}

	delay := policy.Delay(m.attempts)
	m.attempts++
	m.retry = time.NewTimer(delay)
	m.retryC = m.retry.C
	m.metrics.ReconnectScheduled(delay)
	m.logger.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("[conn] reconnect scheduled")

	m.setState(kephaschat.StateConnecting)
	if m.cfg.OnReconnectScheduled != nil {
		m.cfg.OnReconnectScheduled(m.attempts, delay)
	}
}

func (m *Manager) disconnect() {
	// invalidate any in-flight dial and the current reader
	m.gen++
	m.stopRetry()
	m.stopHeartbeat()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = m.conn.Close()
		m.conn = nil
		m.connLog.Info().Msg("[conn] disconnected")
	}
	if !m.terminal {
		m.attempts = 0
	}
	m.setState(kephaschat.StateClosed)
}

func (m *Manager) send(t protocol.EventType, data []byte) {
	if m.conn == nil || m.state != kephaschat.StateOpen {
		m.logger.Debug().Str("type", string(t)).Msg("[conn] send skipped: not open")
		m.metrics.Dropped(metrics.DropNotOpen)
		return
	}
	if t != protocol.TypePing && m.limiter != nil && !m.limiter.Allow() {
		m.connLog.Warn().Str("type", string(t)).Msg("[conn] outbound rate limit exceeded; frame dropped")
		m.metrics.Dropped(metrics.DropRateLimited)
		return
	}

	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// the reader observes the broken connection and drives reconnection
		m.connLog.Warn().Err(err).Str("type", string(t)).Msg("[conn] write failed")
		_ = m.conn.Close()
		return
	}
	m.metrics.FrameOut(string(t))
}

func (m *Manager) sendHeartbeat() {
	data, err := protocol.Encode(protocol.Ping{})
	if err != nil {
		return
	}
	m.connLog.Debug().Msg("[conn] heartbeat")
	m.send(protocol.TypePing, data)
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat, m.heartbeatC = nil, nil
	}
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry, m.retryC = nil, nil
	}
}

func (m *Manager) setState(state kephaschat.ConnectionState) {
	connID := ""
	if m.conn != nil {
		connID = m.connID
	}
	st := Status{State: state, Attempts: m.attempts, Terminal: m.terminal, ConnID: connID}

	m.statusMu.Lock()
	prev := m.status
	m.status = st
	m.statusMu.Unlock()

	stateChanged := m.state != state
	m.state = state
	if stateChanged {
		m.metrics.SetState(state)
	}
	if stateChanged || prev.Attempts != st.Attempts || prev.Terminal != st.Terminal {
		m.handler.HandleState(state, st)
	}
}
