package kephaschat

import (
	"context"
	"time"
)

// Role is the role a Session authenticates as.
type Role string

const (
	// RoleUser is an end-user. The server assigns its room at join time.
	RoleUser Role = "user"
	// RoleOperator is an operator/admin that handles many rooms and must select one.
	RoleOperator Role = "operator"
)

// ParseRole maps a wire role to a session Role. The server reports operators
// as "operator", "superadmin" or "admin"; anything else is treated as a user.
func ParseRole(raw string) Role {
	switch raw {
	case "operator", "superadmin", "admin", "agent":
		return RoleOperator
	default:
		return RoleUser
	}
}

// DisplayRole is the normalized origin of a message as rendered by a UI.
type DisplayRole string

const (
	DisplayUser  DisplayRole = "user"
	DisplayBot   DisplayRole = "bot"
	DisplayAdmin DisplayRole = "admin"
)

// MessageKind is the payload kind of a Message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindFile  MessageKind = "file"
	KindAudio MessageKind = "audio"
)

// ConnectionState is the coarse transport status exposed to consumers.
type ConnectionState int

const (
	// StateIdle means no connection has been attempted yet.
	StateIdle ConnectionState = iota
	// StateConnecting means a dial is in flight or a reconnect is scheduled.
	StateConnecting
	// StateOpen means the transport is open and heartbeats are running.
	StateOpen
	// StateClosed means the transport is closed, either intentionally or after
	// the reconnect policy was exhausted.
	StateClosed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Phase is the position of a Session in the join/selection state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitingJoin
	PhaseUserJoined
	PhaseAwaitingSelection
	PhaseRoomSelected
	PhaseClosed
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingJoin:
		return "awaiting_join"
	case PhaseUserJoined:
		return "user_joined"
	case PhaseAwaitingSelection:
		return "awaiting_selection"
	case PhaseRoomSelected:
		return "room_selected"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RoomActive reports whether the phase has a confirmed current room.
func (p Phase) RoomActive() bool {
	return p == PhaseUserJoined || p == PhaseRoomSelected
}

// AssetRef points at a file or audio clip that was uploaded out of band.
type AssetRef struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

// MessageMeta carries optional routing information attached by the server.
type MessageMeta struct {
	Domain string `json:"domain,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Message is a normalized live chat message.
//
// Text is set for KindText; Asset is set for KindFile and KindAudio.
type Message struct {
	ID         string       `json:"id,omitempty"`
	RoomID     string       `json:"room_id,omitempty"`
	OriginRole DisplayRole  `json:"origin_role"`
	RawRole    string       `json:"raw_role,omitempty"`
	Kind       MessageKind  `json:"kind"`
	Text       string       `json:"text,omitempty"`
	Asset      *AssetRef    `json:"asset,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	Meta       *MessageMeta `json:"meta,omitempty"`
}

// RoomRosterEntry describes one room visible to an operator.
//
// UserPresent and OperatorPresent are display-only.
type RoomRosterEntry struct {
	RoomID              string    `json:"room_id"`
	CounterpartUserID   string    `json:"counterpart_user_id"`
	CounterpartName     string    `json:"counterpart_name"`
	CounterpartUsername string    `json:"counterpart_username"`
	CounterpartPhone    string    `json:"counterpart_phone,omitempty"`
	UserPresent         bool      `json:"user_present"`
	OperatorPresent     bool      `json:"operator_present"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ReconnectPolicy controls exponential-backoff reconnection.
type ReconnectPolicy struct {
	// BaseDelay is the delay before the first reconnect attempt.
	BaseDelay time.Duration
	// MaxDelay caps every delay. Zero means no cap.
	MaxDelay time.Duration
	// MaxAttempts bounds consecutive reconnect attempts. Zero means unbounded.
	MaxAttempts int
	// AllowManualReconnect permits Session.Reconnect after the policy is exhausted.
	AllowManualReconnect bool
}

// Delay returns the wait before the reconnect that follows `attempts`
// already-made attempts: min(MaxDelay, BaseDelay * 2^attempts).
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		// stop doubling before the duration overflows
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether no further reconnect may be scheduled.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ServerError is an application error frame reported by the backend,
// for example "no_chat_selected".
type ServerError struct {
	Code string    `json:"code"`
	At   time.Time `json:"at"`
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	return "server error: " + e.Code
}

// Snapshot is a consistent, read-only view of a Session.
type Snapshot struct {
	SessionID       string
	Role            Role
	RawRole         string
	ConnectionState ConnectionState
	Phase           Phase
	CurrentRoomID   string
	NeedsSelection  bool
	Attempts        int
	LastError       *ServerError
	LastPong        time.Time
}

// HasRoom reports whether a current room is set.
func (s Snapshot) HasRoom() bool {
	return s.CurrentRoomID != ""
}

// Session is one role-aware chat session over a single persistent connection.
//
// All methods are fire-and-forget: they enqueue work on the session's event
// loop and return. Replies from the server are observed as state changes
// through Snapshot or the OnChange hook, never as return values.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephaschat/chat"
//
//	sess, err := chat.New(chat.NewConfig("wss://chat.example.com/ws", token, kephaschat.RoleOperator))
//	if err != nil {
//	    return err
//	}
//	defer sess.Close(ctx)
//
//	sess.Connect(ctx)
type Session interface {
	// ID returns the unique identifier of the session, used to correlate logs.
	ID() string

	// Role returns the role the session was constructed with.
	Role() Role

	// Connect opens the transport. It is a no-op if the session is already
	// connecting or open, and cancels any pending reconnect timer first.
	//
	// Returns ErrSessionClosed after Close, or ErrReconnectNotAllowed when the
	// reconnect policy has been exhausted and manual reconnects are disabled.
	Connect(ctx context.Context) error

	// Disconnect closes the transport with a normal-closure signal. Pending
	// reconnect timers and the heartbeat are cancelled and no reconnect is
	// scheduled.
	Disconnect(ctx context.Context) error

	// Reconnect is the explicit manual trigger that re-enters Connecting from
	// the terminal Closed phase. It resets the attempt counter.
	Reconnect(ctx context.Context) error

	// SelectRoom asks the server to make roomID the active room. Only
	// operators may select, and only after the join roster was received.
	//
	// The current room is not changed until the server confirms with a
	// "selected" event.
	SelectRoom(ctx context.Context, roomID string) error

	// SendText sends a text message into the active room. It silently does
	// nothing while the transport is not open.
	SendText(ctx context.Context, text string) error

	// Snapshot returns the current session state.
	Snapshot() Snapshot

	// Messages returns the live messages for the current room in arrival order.
	Messages() []Message

	// Rooms returns the operator roster sorted by most recent update first.
	Rooms() []RoomRosterEntry

	// Close tears the session down: it disconnects, stops the event loop and
	// waits for it to exit or for ctx to expire. The session cannot be reused.
	// Hooks run on the event loop and must call Close from a new goroutine.
	Close(ctx context.Context) error
}
