package kephaschat

import (
	"errors"
	"time"
)

// Session errors.
var (
	ErrSessionClosed       = errors.New("session is closed")
	ErrReconnectNotAllowed = errors.New("reconnect policy exhausted and manual reconnect is disabled")
	ErrNotOperator         = errors.New("room selection requires the operator role")
	ErrSelectionNotAllowed = errors.New("room selection is not allowed before the join roster arrives")
	ErrEmptyRoomID         = errors.New("room id is empty")
	ErrUnknownRoom         = errors.New("room is not in the operator roster")
	ErrEmptyMessage        = errors.New("message text is empty")
)

// Configuration errors.
var (
	ErrEmptyCredential = errors.New("credential is empty")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Defaults.
const (
	DefaultTokenParam        = "token"
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultReadLimit         = 1 << 20

	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 15 * time.Second
	DefaultReconnectMaxAttempts = 10
)

// Application error codes sent by the backend in {"type":"error"} frames.
const (
	ServerErrNoChatSelected = "no_chat_selected"
)
