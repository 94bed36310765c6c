// Package chattest provides an in-process chat backend speaking the same JSON
// protocol as the production server. It is used by the package tests and by
// the "kephaschat mock" command.
package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/protocol"
)

// ErrServerAlreadyRunning is returned by Start when called twice.
var ErrServerAlreadyRunning = errors.New("server is already running")

// Options configures a Server.
type Options struct {
	// TokenParam is the query parameter carrying the credential.
	TokenParam string
	// Accounts maps credentials to wire roles. When nil every credential is
	// accepted as a "user"; otherwise unknown credentials are rejected with 401.
	Accounts map[string]string
	// UserRoom is the room assigned to users at join time.
	UserRoom string
	// Rooms is the roster sent to operators.
	Rooms []protocol.Chatroom
	// NoJoin suppresses the joined frame so tests can drive it manually.
	NoJoin bool
	// NoPong stops answering heartbeats.
	NoPong bool
	Logger *zerolog.Logger
}

// Server is a fake chat backend. Use Handler with httptest.Server, or Start
// to listen on a real address.
type Server struct {
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	dials     atomic.Int64
	connected chan *Conn

	mu      sync.RWMutex
	conns   map[string]*Conn
	running bool
	server  *http.Server
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.TokenParam == "" {
		opts.TokenParam = kephaschat.DefaultTokenParam
	}
	if opts.UserRoom == "" {
		opts.UserRoom = "room-1"
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{
		opts:      opts,
		logger:    logger,
		connected: make(chan *Conn, 64),
		conns:     make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWebSocket)
	s.router = r
	return s
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr. It returns once the listener is up or failed.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	s.server = &http.Server{Addr: addr, Handler: s.router}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Str("addr", addr).Msg("[chattest] listening")
		return nil
	}
}

// Stop closes every connection with "going away" and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.running = false
	srv := s.server
	s.mu.Unlock()

	for _, c := range s.Conns() {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
	if running && srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Dials returns how many WebSocket upgrades were accepted.
func (s *Server) Dials() int {
	return int(s.dials.Load())
}

// Conns returns the currently connected clients.
func (s *Server) Conns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// NextConn waits for the next accepted connection.
func (s *Server) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.connected:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no connection within %s", timeout)
	}
}

// Broadcast sends ev to every connection in room.
func (s *Server) Broadcast(room string, ev protocol.ServerEvent) {
	for _, c := range s.Conns() {
		if c.Room() == room {
			_ = c.Send(ev)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(s.opts.TokenParam)
	role := "user"
	if s.opts.Accounts != nil {
		var ok bool
		role, ok = s.opts.Accounts[token]
		if !ok {
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("[chattest] rejected unknown credential")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("[chattest] upgrade failed")
		return
	}
	s.dials.Add(1)

	c := &Conn{
		ID:       uuid.New().String(),
		Role:     role,
		Token:    token,
		ws:       ws,
		server:   s,
		received: make(chan protocol.ClientEvent, 256),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()

	s.logger.Debug().Str("conn_id", c.ID).Str("role", role).Msg("[chattest] connected")

	if !s.opts.NoJoin {
		_ = c.Send(s.joinedFor(c))
	}
	select {
	case s.connected <- c:
	default:
	}

	go s.handleConn(c)
}

func (s *Server) joinedFor(c *Conn) protocol.Joined {
	if kephaschat.ParseRole(c.Role) == kephaschat.RoleOperator {
		return protocol.Joined{Role: c.Role, NeedsSelection: true, Chatrooms: s.opts.Rooms}
	}
	c.setRoom(s.opts.UserRoom)
	return protocol.Joined{Role: c.Role, ChatID: protocol.ID(s.opts.UserRoom)}
}

func (s *Server) handleConn(c *Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "")
		close(c.done)
		s.logger.Debug().Str("conn_id", c.ID).Msg("[chattest] disconnected")
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.DecodeClient(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("[chattest] invalid client frame")
			continue
		}
		select {
		case c.received <- ev:
		default:
		}
		s.handleClientEvent(c, ev)
	}
}

func (s *Server) handleClientEvent(c *Conn, ev protocol.ClientEvent) {
	switch e := ev.(type) {
	case protocol.Ping:
		if !s.opts.NoPong {
			_ = c.Send(protocol.Pong{})
		}
	case protocol.SelectChatroom:
		c.setRoom(e.ChatID)
		_ = c.Send(protocol.Selected{ChatID: protocol.ID(e.ChatID), Role: c.Role})
	case protocol.SendMessage:
		room := c.Room()
		if room == "" {
			_ = c.Send(protocol.Error{Message: kephaschat.ServerErrNoChatSelected})
			return
		}
		body, _ := json.Marshal(e.Text)
		s.Broadcast(room, protocol.Message{
			From:        c.Role,
			Body:        body,
			MessageID:   protocol.ID(uuid.New().String()),
			ChatID:      protocol.ID(room),
			CreatedTime: protocol.NewTimestamp(time.Now()),
		})
	}
}

// Conn is one accepted client connection.
type Conn struct {
	ID    string
	Role  string
	Token string

	ws       *websocket.Conn
	server   *Server
	writeMu  sync.Mutex
	received chan protocol.ClientEvent
	done     chan struct{}

	mu     sync.Mutex
	room   string
	closed bool
}

// Room returns the room the connection currently sends into.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// Send writes a server event.
func (c *Conn) Send(ev protocol.ServerEvent) error {
	data, err := protocol.EncodeServer(ev)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame without validation.
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Next waits for the next frame sent by the client.
func (c *Conn) Next(timeout time.Duration) (protocol.ClientEvent, error) {
	select {
	case ev := <-c.received:
		return ev, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no client frame within %s", timeout)
	}
}

// Drop tears the TCP connection down without a close frame.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}

// CloseNormal sends a normal-closure frame and closes the connection.
func (c *Conn) CloseNormal() {
	c.close(websocket.CloseNormalClosure, "bye")
}

// CloseWithCode sends a close frame with code and closes the connection.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.close(code, reason)
}

// Done is closed once the server has stopped reading from the connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
