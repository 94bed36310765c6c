package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const maxFrameSize = 1 << 20 // 1MB, matches the connection read limit

// EventType is the "type" discriminator carried by every frame.
type EventType string

// Client to server.
const (
	TypePing           EventType = "ping"
	TypeSelectChatroom EventType = "select_chatroom"
	TypeMessage        EventType = "message"
)

// Server to client. TypeMessage is shared with the client direction.
const (
	TypeJoined   EventType = "joined"
	TypeSelected EventType = "selected"
	TypePong     EventType = "pong"
	TypeError    EventType = "error"
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMissingType   = errors.New("frame has no type")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrInvalidEvent  = errors.New("invalid event")
)

// ClientEvent is an outbound event. The set is closed: Ping, SelectChatroom
// and SendMessage.
type ClientEvent interface {
	clientEventType() EventType
}

// Ping is the heartbeat frame.
type Ping struct{}

// SelectChatroom asks the server to make ChatID the active room.
type SelectChatroom struct {
	ChatID string
}

// SendMessage sends Text into the active room. The room is inferred by the server.
type SendMessage struct {
	Text string
}

func (Ping) clientEventType() EventType           { return TypePing }
func (SelectChatroom) clientEventType() EventType { return TypeSelectChatroom }
func (SendMessage) clientEventType() EventType    { return TypeMessage }

// TypeOf returns the discriminator of a client event.
func TypeOf(ev ClientEvent) EventType {
	if ev == nil {
		return ""
	}
	return ev.clientEventType()
}

type wireSelect struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chat_id"`
}

type wireText struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

type wirePing struct {
	Type EventType `json:"type"`
}

// Encode serializes a client event into a JSON text frame.
func Encode(ev ClientEvent) ([]byte, error) {
	switch e := ev.(type) {
	case Ping:
		return json.Marshal(wirePing{Type: TypePing})
	case SelectChatroom:
		if e.ChatID == "" {
			return nil, fmt.Errorf("%w: select_chatroom without chat_id", ErrInvalidEvent)
		}
		return json.Marshal(wireSelect{Type: TypeSelectChatroom, ChatID: e.ChatID})
	case SendMessage:
		return json.Marshal(wireText{Type: TypeMessage, Text: e.Text})
	case nil:
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidEvent, ev)
	}
}

// Decode parses a server frame into one of Joined, Selected, Pong, Message or
// Error. It never panics; any parse or validation failure returns a nil event
// and an error, and callers are expected to drop the frame.
//
// Unknown fields are ignored.
func Decode(data []byte) (ServerEvent, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var env struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch env.Type {
	case TypeJoined:
		var ev Joined
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("parse joined: %w", err)
		}
		if ev.Role == "" {
			return nil, fmt.Errorf("%w: joined without role", ErrInvalidEvent)
		}
		return ev, nil
	case TypeSelected:
		var ev Selected
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("parse selected: %w", err)
		}
		if ev.ChatID == "" {
			return nil, fmt.Errorf("%w: selected without chat_id", ErrInvalidEvent)
		}
		return ev, nil
	case TypePong:
		return Pong{}, nil
	case TypeMessage:
		var ev Message
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		return ev, nil
	case TypeError:
		var ev Error
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("parse error frame: %w", err)
		}
		return ev, nil
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EncodeServer serializes a server event with its discriminator. Clients never
// need it; it backs the in-process test server.
func EncodeServer(ev ServerEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	t, err := json.Marshal(ev.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = t
	return json.Marshal(fields)
}

// DecodeClient parses a client frame into Ping, SelectChatroom or SendMessage.
func DecodeClient(data []byte) (ClientEvent, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var env struct {
		Type   EventType `json:"type"`
		ChatID ID        `json:"chat_id"`
		Text   *string   `json:"text"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypeSelectChatroom:
		if env.ChatID == "" {
			return nil, fmt.Errorf("%w: select_chatroom without chat_id", ErrInvalidEvent)
		}
		return SelectChatroom{ChatID: string(env.ChatID)}, nil
	case TypeMessage:
		if env.Text == nil {
			return nil, fmt.Errorf("%w: message without text", ErrInvalidEvent)
		}
		return SendMessage{Text: *env.Text}, nil
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
