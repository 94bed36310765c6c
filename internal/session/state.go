package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/protocol"
	"github.com/luciancaetano/kephaschat/internal/store"
	"github.com/luciancaetano/kephaschat/internal/websocket"
)

// Hooks are called on the transport event loop after the state has been
// updated. They must not block. A hook must not call Session.Close directly:
// Close waits for the event loop to exit, which cannot happen while the hook
// is running. Start a goroutine instead.
type Hooks struct {
	// OnChange receives every new snapshot.
	OnChange func(kephaschat.Snapshot)
	// OnRoomChange is called after the message store was reset for a new room.
	OnRoomChange func(roomID string)
	// OnMessage is called for every message appended to the store.
	OnMessage func(kephaschat.Message)
	// OnServerError is called for every {"type":"error"} frame.
	OnServerError func(*kephaschat.ServerError)
}

// Options configures a State.
type Options struct {
	SessionID  string
	Role       kephaschat.Role
	RoleMapper store.RoleMapper
	// FilterByRoom drops live messages whose room differs from the current room.
	FilterByRoom bool
	// DedupeByID skips messages whose id was already stored since the last reset.
	DedupeByID bool
	// ResumeRoom re-selects the previous room when an operator rejoins.
	ResumeRoom bool
	Logger     zerolog.Logger
	Hooks      Hooks
}

// State is the role-aware join/selection state machine. It implements
// websocket.Handler and owns the message store and the room roster.
type State struct {
	opts     Options
	logger   zerolog.Logger
	mapper   store.RoleMapper
	messages *store.MessageStore
	rooms    *store.Roster
	now      func() time.Time

	mu     sync.RWMutex
	snap   kephaschat.Snapshot
	role   kephaschat.Role // role reported by the server, or the configured one before join
	resume string
}

// NewState creates a State in the idle phase.
func NewState(opts Options) *State {
	mapper := opts.RoleMapper
	if mapper == nil {
		mapper = store.DefaultRoleMapper
	}
	return &State{
		opts:     opts,
		logger:   opts.Logger,
		mapper:   mapper,
		messages: store.NewMessageStore(opts.DedupeByID),
		rooms:    store.NewRoster(),
		now:      time.Now,
		role:     opts.Role,
		snap: kephaschat.Snapshot{
			SessionID:       opts.SessionID,
			Role:            opts.Role,
			ConnectionState: kephaschat.StateIdle,
			Phase:           kephaschat.PhaseIdle,
		},
	}
}

var _ websocket.Handler = (*State)(nil)

// HandleState maps transport states onto phases.
func (s *State) HandleState(state kephaschat.ConnectionState, status websocket.Status) {
	s.mu.Lock()
	s.snap.ConnectionState = state
	s.snap.Attempts = status.Attempts
	switch state {
	case kephaschat.StateIdle:
		s.snap.Phase = kephaschat.PhaseIdle
	case kephaschat.StateConnecting:
		s.snap.Phase = kephaschat.PhaseConnecting
	case kephaschat.StateOpen:
		// the server's first application frame is expected to be joined
		s.snap.Phase = kephaschat.PhaseAwaitingJoin
	case kephaschat.StateClosed:
		s.snap.Phase = kephaschat.PhaseClosed
	}
	snap := s.snap
	s.mu.Unlock()

	s.logger.Debug().
		Str("state", state.String()).
		Str("phase", snap.Phase.String()).
		Int("attempts", status.Attempts).
		Bool("terminal", status.Terminal).
		Msg("[session] transport state")
	s.notify(snap)
}

// HandleEvent applies one decoded server event and returns the frames to
// send in response.
func (s *State) HandleEvent(ev protocol.ServerEvent) []protocol.ClientEvent {
	switch e := ev.(type) {
	case protocol.Joined:
		return s.handleJoined(e)
	case protocol.Selected:
		s.handleSelected(e)
	case protocol.Pong:
		s.mu.Lock()
		s.snap.LastPong = s.now()
		s.mu.Unlock()
	case protocol.Message:
		s.handleMessage(e)
	case protocol.Error:
		s.handleError(e)
	default:
		s.logger.Warn().Interface("event", ev).Msg("[session] unhandled event")
	}
	return nil
}

func (s *State) handleJoined(e protocol.Joined) []protocol.ClientEvent {
	role := kephaschat.ParseRole(e.Role)
	if role != s.opts.Role {
		s.logger.Warn().
			Str("configured", string(s.opts.Role)).
			Str("server", e.Role).
			Msg("[session] server assigned a different role")
	}

	var replies []protocol.ClientEvent
	var roomChanged string

	s.mu.Lock()
	s.role = role
	s.snap.RawRole = e.Role
	s.snap.Role = role

	switch {
	case role == kephaschat.RoleUser:
		room := string(e.ChatID)
		if room != s.snap.CurrentRoomID {
			s.messages.Reset()
			roomChanged = room
		}
		s.snap.CurrentRoomID = room
		s.snap.NeedsSelection = false
		s.snap.Phase = kephaschat.PhaseUserJoined

	default:
		entries := make([]kephaschat.RoomRosterEntry, 0, len(e.Chatrooms))
		for _, c := range e.Chatrooms {
			entries = append(entries, c.Entry())
		}
		s.rooms.Replace(entries)

		// operators always confirm a room through select_chatroom/selected;
		// a chat_id on the join is only a hint for the room to resume
		if s.resume == "" && e.ChatID != "" {
			s.resume = string(e.ChatID)
		}
		s.snap.CurrentRoomID = ""
		s.snap.NeedsSelection = true
		s.snap.Phase = kephaschat.PhaseAwaitingSelection
		if s.opts.ResumeRoom && s.resume != "" {
			replies = append(replies, protocol.SelectChatroom{ChatID: s.resume})
		}
	}
	resume := s.resume
	snap := s.snap
	s.mu.Unlock()

	s.logger.Info().
		Str("role", e.Role).
		Str("room", snap.CurrentRoomID).
		Bool("needs_selection", snap.NeedsSelection).
		Int("rooms", s.rooms.Len()).
		Msg("[session] joined")
	if len(replies) > 0 {
		s.logger.Info().Str("room", resume).Msg("[session] resuming previous room")
	}

	if roomChanged != "" && s.opts.Hooks.OnRoomChange != nil {
		s.opts.Hooks.OnRoomChange(roomChanged)
	}
	s.notify(snap)
	return replies
}

func (s *State) handleSelected(e protocol.Selected) {
	room := string(e.ChatID)

	s.mu.Lock()
	s.messages.Reset()
	s.snap.CurrentRoomID = room
	s.snap.NeedsSelection = false
	s.snap.Phase = kephaschat.PhaseRoomSelected
	s.resume = room
	snap := s.snap
	s.mu.Unlock()

	s.logger.Info().Str("room", room).Msg("[session] room selected")
	if s.opts.Hooks.OnRoomChange != nil {
		s.opts.Hooks.OnRoomChange(room)
	}
	s.notify(snap)
}

// handleMessage appends regardless of phase, including while a selection is
// still pending, unless FilterByRoom is set.
func (s *State) handleMessage(e protocol.Message) {
	msg := kephaschat.Message{
		ID:         string(e.MessageID),
		RoomID:     string(e.ChatID),
		OriginRole: s.mapper(e.From),
		RawRole:    e.From,
		Kind:       e.MessageKind(),
		Text:       e.Text(),
		Asset:      e.Asset(),
		CreatedAt:  e.CreatedTime.Time(),
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if e.Meta != nil {
		msg.Meta = &kephaschat.MessageMeta{Domain: e.Meta.Domain, Reason: e.Meta.Reason}
	}

	s.mu.RLock()
	current := s.snap.CurrentRoomID
	s.mu.RUnlock()

	if s.opts.FilterByRoom && msg.RoomID != current {
		s.logger.Debug().Str("room", msg.RoomID).Str("current", current).Msg("[session] message for another room dropped")
		return
	}
	if !s.messages.Append(msg) {
		s.logger.Debug().Str("message_id", msg.ID).Msg("[session] duplicate message skipped")
		return
	}
	if s.opts.Hooks.OnMessage != nil {
		s.opts.Hooks.OnMessage(msg)
	}
}

func (s *State) handleError(e protocol.Error) {
	serr := &kephaschat.ServerError{Code: e.Message, At: s.now()}

	s.mu.Lock()
	s.snap.LastError = serr
	snap := s.snap
	s.mu.Unlock()

	s.logger.Warn().Str("error", e.Message).Str("phase", snap.Phase.String()).Msg("[session] server error")
	if s.opts.Hooks.OnServerError != nil {
		s.opts.Hooks.OnServerError(serr)
	}
	s.notify(snap)
}

// CheckSelect validates a room selection request against the current phase
// and, when the join delivered one, the roster.
func (s *State) CheckSelect(roomID string) error {
	if roomID == "" {
		return kephaschat.ErrEmptyRoomID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.role != kephaschat.RoleOperator {
		return kephaschat.ErrNotOperator
	}
	if s.snap.Phase != kephaschat.PhaseAwaitingSelection && s.snap.Phase != kephaschat.PhaseRoomSelected {
		return kephaschat.ErrSelectionNotAllowed
	}
	if s.rooms.Len() > 0 {
		if _, ok := s.rooms.Lookup(roomID); !ok {
			return fmt.Errorf("%w: %s", kephaschat.ErrUnknownRoom, roomID)
		}
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() kephaschat.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Messages returns the live messages of the current room.
func (s *State) Messages() []kephaschat.Message {
	return s.messages.All()
}

// Rooms returns the operator roster.
func (s *State) Rooms() []kephaschat.RoomRosterEntry {
	return s.rooms.All()
}

func (s *State) notify(snap kephaschat.Snapshot) {
	if s.opts.Hooks.OnChange != nil {
		s.opts.Hooks.OnChange(snap)
	}
}
