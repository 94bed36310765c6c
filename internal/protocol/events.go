package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/luciancaetano/kephaschat"
)

// ServerEvent is a decoded inbound frame. The set is closed: Joined, Selected,
// Pong, Message and Error.
type ServerEvent interface {
	Type() EventType
}

// Joined is the first application frame after the transport opens.
//
// Users receive ChatID directly. Operators receive NeedsSelection and the
// Chatrooms roster.
type Joined struct {
	Role           string     `json:"role"`
	ChatID         ID         `json:"chat_id"`
	NeedsSelection bool       `json:"needs_selection"`
	Chatrooms      []Chatroom `json:"chatrooms"`
}

// Chatroom is one roster entry of an operator join.
type Chatroom struct {
	ChatID             ID           `json:"chat_id"`
	UserID             ID           `json:"user_id"`
	IsUserActive       bool         `json:"is_user_active"`
	IsSuperadminActive bool         `json:"is_superadmin_active"`
	UpdatedTime        Timestamp    `json:"updated_time"`
	User               ChatroomUser `json:"user"`
}

// ChatroomUser is the counterpart end-user of a room.
type ChatroomUser struct {
	Name     string `json:"name"`
	UserName string `json:"userName"`
	Phone    string `json:"phone,omitempty"`
}

// Selected confirms a select_chatroom request.
type Selected struct {
	ChatID ID     `json:"chat_id"`
	Role   string `json:"role"`
}

// Pong answers a ping. Liveness does not depend on it.
type Pong struct{}

// Message is a live chat message. Text messages carry the body in Body;
// file and audio messages set IsFile and Kind and reference an uploaded asset,
// either inline in Body as an object or through the top-level URL fields.
type Message struct {
	From        string          `json:"from"`
	Body        json.RawMessage `json:"message"`
	MessageID   ID              `json:"message_id"`
	ChatID      ID              `json:"chat_id"`
	CreatedTime Timestamp       `json:"created_time"`
	Meta        *Meta           `json:"meta,omitempty"`
	IsFile      bool            `json:"is_file"`
	Kind        string          `json:"kind"`
	URL         string          `json:"url"`
	Name        string          `json:"name"`
	FileType    string          `json:"file_type"`
}

// Meta is optional routing information on a message.
type Meta struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// Error is an application error, e.g. "no_chat_selected".
type Error struct {
	Message string `json:"error"`
}

func (Joined) Type() EventType   { return TypeJoined }
func (Selected) Type() EventType { return TypeSelected }
func (Pong) Type() EventType     { return TypePong }
func (Message) Type() EventType  { return TypeMessage }
func (Error) Type() EventType    { return TypeError }

// Entry converts the wire roster entry to the domain type.
func (c Chatroom) Entry() kephaschat.RoomRosterEntry {
	return kephaschat.RoomRosterEntry{
		RoomID:              string(c.ChatID),
		CounterpartUserID:   string(c.UserID),
		CounterpartName:     c.User.Name,
		CounterpartUsername: c.User.UserName,
		CounterpartPhone:    c.User.Phone,
		UserPresent:         c.IsUserActive,
		OperatorPresent:     c.IsSuperadminActive,
		UpdatedAt:           c.UpdatedTime.Time(),
	}
}

// MessageKind returns the payload kind. Anything that is not flagged as a
// file is text; a file without a recognized kind is a plain file.
func (m Message) MessageKind() kephaschat.MessageKind {
	if !m.IsFile && !m.bodyIsObject() {
		return kephaschat.KindText
	}
	if strings.EqualFold(m.Kind, string(kephaschat.KindAudio)) {
		return kephaschat.KindAudio
	}
	return kephaschat.KindFile
}

// Text returns the text body. It is empty for asset messages.
func (m Message) Text() string {
	var s string
	if len(m.Body) == 0 || json.Unmarshal(m.Body, &s) != nil {
		return ""
	}
	return s
}

// Asset returns the referenced upload for file and audio messages.
func (m Message) Asset() *kephaschat.AssetRef {
	if m.MessageKind() == kephaschat.KindText {
		return nil
	}
	ref := &kephaschat.AssetRef{URL: m.URL, Name: m.Name, MimeType: m.FileType}
	if m.bodyIsObject() {
		var inline struct {
			URL  string `json:"url"`
			Name string `json:"name"`
			Type string `json:"type"`
		}
		if json.Unmarshal(m.Body, &inline) == nil {
			if inline.URL != "" {
				ref.URL = inline.URL
			}
			if inline.Name != "" {
				ref.Name = inline.Name
			}
			if inline.Type != "" {
				ref.MimeType = inline.Type
			}
		}
	}
	return ref
}

func (m Message) bodyIsObject() bool {
	b := bytes.TrimSpace(m.Body)
	return len(b) > 0 && b[0] == '{'
}

// ID is an identifier the server may send either as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Timestamp is a server time that tolerates RFC 3339 strings and unix
// seconds or milliseconds. Values it cannot parse decode to the zero time.
type Timestamp struct {
	t time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{t: t} }

// Time returns the parsed time, or the zero time.
func (ts Timestamp) Time() time.Time { return ts.t }

// MarshalJSON encodes the time as RFC 3339.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON never fails on unexpected values.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	ts.t = parseTime(bytes.TrimSpace(data))
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(data []byte) time.Time {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return time.Time{}
	}
	if data[0] == '"' {
		var s string
		if json.Unmarshal(data, &s) != nil {
			return time.Time{}
		}
		s = strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(n)
		}
		return time.Time{}
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return time.Time{}
	}
	return fromUnix(n)
}

// fromUnix treats values above 1e12 as milliseconds.
func fromUnix(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
