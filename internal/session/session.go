// Package session implements kephaschat.Session on top of the connection
// manager: the join/selection state machine, the live message store and the
// operator roster.
package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/protocol"
	"github.com/luciancaetano/kephaschat/internal/websocket"
)

// Config configures a Session.
type Config struct {
	Role       kephaschat.Role
	Credential string
	Transport  websocket.Config
	State      Options
}

// Session is the default kephaschat.Session implementation.
type Session struct {
	id         string
	role       kephaschat.Role
	credential string
	logger     zerolog.Logger
	state      *State
	manager    *websocket.Manager
}

var _ kephaschat.Session = (*Session)(nil)

// New creates a Session. The transport stays idle until Connect.
func New(cfg Config) (*Session, error) {
	if cfg.Credential == "" {
		return nil, kephaschat.ErrEmptyCredential
	}
	if cfg.Role == "" {
		cfg.Role = kephaschat.RoleUser
	}

	id := cfg.State.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	base := log.Logger
	if cfg.Transport.Logger != nil {
		base = *cfg.Transport.Logger
	}
	logger := base.With().Str("session_id", id).Str("role", string(cfg.Role)).Logger()

	opts := cfg.State
	opts.SessionID = id
	opts.Role = cfg.Role
	opts.Logger = logger
	state := NewState(opts)

	transport := cfg.Transport
	transport.Logger = &logger
	manager, err := websocket.NewManager(transport, state)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:         id,
		role:       cfg.Role,
		credential: cfg.Credential,
		logger:     logger,
		state:      state,
		manager:    manager,
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Role() kephaschat.Role { return s.role }

func (s *Session) Connect(ctx context.Context) error {
	return s.manager.Connect(ctx, s.credential)
}

func (s *Session) Disconnect(ctx context.Context) error {
	return s.manager.Disconnect(ctx)
}

func (s *Session) Reconnect(ctx context.Context) error {
	return s.manager.Reconnect(ctx, s.credential)
}

func (s *Session) SelectRoom(ctx context.Context, roomID string) error {
	if err := s.state.CheckSelect(roomID); err != nil {
		return err
	}
	s.logger.Debug().Str("room", roomID).Msg("[session] selecting room")
	return s.manager.Send(ctx, protocol.SelectChatroom{ChatID: roomID})
}

func (s *Session) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return kephaschat.ErrEmptyMessage
	}
	return s.manager.Send(ctx, protocol.SendMessage{Text: text})
}

func (s *Session) Snapshot() kephaschat.Snapshot { return s.state.Snapshot() }

func (s *Session) Messages() []kephaschat.Message { return s.state.Messages() }

func (s *Session) Rooms() []kephaschat.RoomRosterEntry { return s.state.Rooms() }

func (s *Session) Close(ctx context.Context) error {
	s.logger.Debug().Msg("[session] closing")
	return s.manager.Close(ctx)
}

// Done is closed once the transport event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.manager.Done() }
