package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/luciancaetano/kephaschat"
)

// TestEncode tests the Encode function with every client event
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		event     ClientEvent
		want      string
		wantError bool
	}{
		{
			name:  "ping",
			event: Ping{},
			want:  `{"type":"ping"}`,
		},
		{
			name:  "select chatroom",
			event: SelectChatroom{ChatID: "42"},
			want:  `{"type":"select_chatroom","chat_id":"42"}`,
		},
		{
			name:  "text message",
			event: SendMessage{Text: "hello"},
			want:  `{"type":"message","text":"hello"}`,
		},
		{
			name:  "text message with unicode",
			event: SendMessage{Text: "안녕 👋"},
			want:  `{"type":"message","text":"안녕 👋"}`,
		},
		{
			name:      "select without chat id",
			event:     SelectChatroom{},
			wantError: true,
		},
		{
			name:      "nil event",
			event:     nil,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Encode(tt.event)
			if (err != nil) != tt.wantError {
				t.Fatalf("Encode() error = %v, wantError %v", err, tt.wantError)
			}
			if tt.wantError {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Errorf("Encode() error = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestDecode tests the Decode function with valid frames of every type
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		wantType EventType
	}{
		{"joined user", `{"type":"joined","role":"user","chat_id":"7"}`, TypeJoined},
		{"joined operator", `{"type":"joined","role":"operator","needs_selection":true,"chatrooms":[]}`, TypeJoined},
		{"selected", `{"type":"selected","chat_id":"7","role":"operator"}`, TypeSelected},
		{"pong", `{"type":"pong"}`, TypePong},
		{"message", `{"type":"message","from":"user","message":"hi","message_id":"m1","chat_id":"7"}`, TypeMessage},
		{"error", `{"type":"error","error":"no_chat_selected"}`, TypeError},
		{"extra fields ignored", `{"type":"pong","server_time":123,"nested":{"a":[1,2]}}`, TypePong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if ev == nil {
				t.Fatal("Decode() returned nil event")
			}
			if ev.Type() != tt.wantType {
				t.Errorf("Type() = %v, want %v", ev.Type(), tt.wantType)
			}
		})
	}
}

// TestDecodeMalformed tests that malformed frames return an error and never panic
func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "nil data", data: nil, wantErr: ErrEmptyFrame},
		{name: "empty data", data: []byte{}, wantErr: ErrEmptyFrame},
		{name: "not json", data: []byte("hello")},
		{name: "truncated json", data: []byte(`{"type":"joined"`)},
		{name: "json array", data: []byte(`[1,2,3]`)},
		{name: "json string", data: []byte(`"joined"`)},
		{name: "missing type", data: []byte(`{"chat_id":"1"}`), wantErr: ErrMissingType},
		{name: "unknown type", data: []byte(`{"type":"typing"}`), wantErr: ErrUnknownType},
		{name: "client only type", data: []byte(`{"type":"ping"}`), wantErr: ErrUnknownType},
		{name: "type is a number", data: []byte(`{"type":5}`)},
		{name: "joined without role", data: []byte(`{"type":"joined","chat_id":"1"}`), wantErr: ErrInvalidEvent},
		{name: "selected without chat id", data: []byte(`{"type":"selected"}`), wantErr: ErrInvalidEvent},
		{name: "chatrooms wrong shape", data: []byte(`{"type":"joined","role":"operator","chatrooms":"nope"}`)},
		{name: "binary garbage", data: []byte{0x00, 0xFF, 0xFE, 0x01}},
		{name: "too large", data: []byte(`{"type":"message","message":"` + strings.Repeat("a", maxFrameSize) + `"}`), wantErr: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev, err := Decode(tt.data)
			if err == nil {
				t.Fatalf("Decode() expected error, got event %#v", ev)
			}
			if ev != nil {
				t.Errorf("Decode() event = %#v, want nil", ev)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestDecodeJoinedOperator tests the operator roster fields
func TestDecodeJoinedOperator(t *testing.T) {
	t.Parallel()

	data := `{
		"type": "joined",
		"role": "superadmin",
		"needs_selection": true,
		"chatrooms": [
			{
				"chat_id": 12,
				"user_id": "u-1",
				"is_user_active": true,
				"is_superadmin_active": false,
				"updated_time": "2024-01-02T10:00:00Z",
				"user": {"name": "Ana", "userName": "ana", "phone": "+100"},
				"unread": 3
			}
		]
	}`

	ev, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	joined, ok := ev.(Joined)
	if !ok {
		t.Fatalf("event type = %T, want Joined", ev)
	}
	if !joined.NeedsSelection {
		t.Error("NeedsSelection = false, want true")
	}
	if len(joined.Chatrooms) != 1 {
		t.Fatalf("len(Chatrooms) = %d, want 1", len(joined.Chatrooms))
	}

	entry := joined.Chatrooms[0].Entry()
	want := kephaschat.RoomRosterEntry{
		RoomID:              "12",
		CounterpartUserID:   "u-1",
		CounterpartName:     "Ana",
		CounterpartUsername: "ana",
		CounterpartPhone:    "+100",
		UserPresent:         true,
		OperatorPresent:     false,
		UpdatedAt:           time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
	if !entry.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", entry.UpdatedAt, want.UpdatedAt)
	}
	entry.UpdatedAt = want.UpdatedAt
	if entry != want {
		t.Errorf("Entry() = %+v, want %+v", entry, want)
	}
}

// TestDecodeMessageVariants tests text, file and audio message payloads
func TestDecodeMessageVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		wantKind  kephaschat.MessageKind
		wantText  string
		wantAsset *kephaschat.AssetRef
	}{
		{
			name:     "text",
			data:     `{"type":"message","from":"bot","message":"hello","message_id":1,"chat_id":"9","created_time":"2024-01-01T10:00:00Z"}`,
			wantKind: kephaschat.KindText,
			wantText: "hello",
		},
		{
			name:      "file with top-level fields",
			data:      `{"type":"message","from":"user","is_file":true,"kind":"file","url":"https://cdn/x.pdf","name":"x.pdf","file_type":"application/pdf"}`,
			wantKind:  kephaschat.KindFile,
			wantAsset: &kephaschat.AssetRef{URL: "https://cdn/x.pdf", Name: "x.pdf", MimeType: "application/pdf"},
		},
		{
			name:      "audio with inline object",
			data:      `{"type":"message","from":"user","is_file":true,"kind":"audio","message":{"url":"https://cdn/a.ogg","name":"a.ogg","type":"audio/ogg"}}`,
			wantKind:  kephaschat.KindAudio,
			wantAsset: &kephaschat.AssetRef{URL: "https://cdn/a.ogg", Name: "a.ogg", MimeType: "audio/ogg"},
		},
		{
			name:      "file flag without kind",
			data:      `{"type":"message","from":"admin","is_file":true,"url":"https://cdn/y.png"}`,
			wantKind:  kephaschat.KindFile,
			wantAsset: &kephaschat.AssetRef{URL: "https://cdn/y.png"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			msg, ok := ev.(Message)
			if !ok {
				t.Fatalf("event type = %T, want Message", ev)
			}
			if got := msg.MessageKind(); got != tt.wantKind {
				t.Errorf("MessageKind() = %v, want %v", got, tt.wantKind)
			}
			if got := msg.Text(); got != tt.wantText {
				t.Errorf("Text() = %q, want %q", got, tt.wantText)
			}
			got := msg.Asset()
			if (got == nil) != (tt.wantAsset == nil) {
				t.Fatalf("Asset() = %+v, want %+v", got, tt.wantAsset)
			}
			if got != nil && *got != *tt.wantAsset {
				t.Errorf("Asset() = %+v, want %+v", *got, *tt.wantAsset)
			}
		})
	}
}

// TestIDUnmarshal tests identifiers sent as strings or numbers
func TestIDUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		data    string
		want    ID
		wantErr bool
	}{
		{`"abc"`, "abc", false},
		{`42`, "42", false},
		{`null`, "", false},
		{`{"a":1}`, "", true},
	}

	for _, tt := range tests {
		var id ID
		err := json.Unmarshal([]byte(tt.data), &id)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			continue
		}
		if id != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.data, id, tt.want)
		}
	}
}

// TestTimestampUnmarshal tests the tolerant timestamp parser
func TestTimestampUnmarshal(t *testing.T) {
	t.Parallel()

	ref := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		data string
		want time.Time
	}{
		{"rfc3339", `"2024-01-02T10:00:00Z"`, ref},
		{"rfc3339 with offset", `"2024-01-02T12:00:00+02:00"`, ref},
		{"unix seconds", `1704189600`, ref},
		{"unix millis", `1704189600000`, ref},
		{"numeric string", `"1704189600"`, ref},
		{"null", `null`, time.Time{}},
		{"garbage string", `"yesterday"`, time.Time{}},
		{"object", `{"t":1}`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var ts Timestamp
			if err := json.Unmarshal([]byte(tt.data), &ts); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !ts.Time().Equal(tt.want) {
				t.Errorf("Time() = %v, want %v", ts.Time(), tt.want)
			}
		})
	}
}

// TestEncodeDecodeMessageFrame tests that an encoded text frame carries the discriminator
func TestEncodeDecodeMessageFrame(t *testing.T) {
	t.Parallel()

	data, err := Encode(SendMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env["type"] != "message" || env["text"] != "hi" {
		t.Errorf("frame = %v", env)
	}
	if _, ok := env["chat_id"]; ok {
		t.Error("text frame must not carry chat_id")
	}
}

func BenchmarkDecodeMessage(b *testing.B) {
	data := []byte(`{"type":"message","from":"user","message":"hello there","message_id":"m1","chat_id":"7","created_time":"2024-01-01T10:00:00Z"}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}

func TestEncodeServerRoundTrip(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	events := []ServerEvent{
		Joined{Role: "user", ChatID: "42"},
		Joined{Role: "superadmin", NeedsSelection: true, Chatrooms: []Chatroom{{ChatID: "A", User: ChatroomUser{Name: "Ann"}}}},
		Selected{ChatID: "A", Role: "superadmin"},
		Pong{},
		Message{From: "user", Body: json.RawMessage(`"hi"`), MessageID: "m1", ChatID: "42", CreatedTime: NewTimestamp(created)},
		Error{Message: "no_chat_selected"},
	}

	for _, ev := range events {
		data, err := EncodeServer(ev)
		if err != nil {
			t.Fatalf("EncodeServer(%T): %v", ev, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", data, err)
		}
		if got.Type() != ev.Type() {
			t.Errorf("type = %s, want %s", got.Type(), ev.Type())
		}
	}

	data, _ := EncodeServer(events[4])
	m, _ := Decode(data)
	msg := m.(Message)
	if msg.Text() != "hi" || !msg.CreatedTime.Time().Equal(created) || msg.MessageID != "m1" {
		t.Errorf("message = %+v", msg)
	}

	if _, err := EncodeServer(nil); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("EncodeServer(nil) = %v, want ErrInvalidEvent", err)
	}
}

func TestDecodeClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    ClientEvent
		wantErr error
	}{
		{name: "ping", input: `{"type":"ping"}`, want: Ping{}},
		{name: "select string id", input: `{"type":"select_chatroom","chat_id":"7"}`, want: SelectChatroom{ChatID: "7"}},
		{name: "select numeric id", input: `{"type":"select_chatroom","chat_id":7}`, want: SelectChatroom{ChatID: "7"}},
		{name: "message", input: `{"type":"message","text":"hey"}`, want: SendMessage{Text: "hey"}},
		{name: "empty message text", input: `{"type":"message","text":""}`, want: SendMessage{}},
		{name: "select without id", input: `{"type":"select_chatroom"}`, wantErr: ErrInvalidEvent},
		{name: "message without text", input: `{"type":"message"}`, wantErr: ErrInvalidEvent},
		{name: "no type", input: `{}`, wantErr: ErrMissingType},
		{name: "server type", input: `{"type":"joined"}`, wantErr: ErrUnknownType},
		{name: "empty", input: ``, wantErr: ErrEmptyFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeClient([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestClientEncodeDecodeClient(t *testing.T) {
	t.Parallel()

	for _, ev := range []ClientEvent{Ping{}, SelectChatroom{ChatID: "x"}, SendMessage{Text: "y"}} {
		data, err := Encode(ev)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeClient(data)
		if err != nil {
			t.Fatal(err)
		}
		if got != ev {
			t.Errorf("got %#v, want %#v", got, ev)
		}
	}
}
