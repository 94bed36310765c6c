// Package kephaschat provides a reliable, role-aware chat client transport over a single WebSocket.
//
// A Session connects an end-user or an operator to a chat backend and keeps the session
// semantics correct across network instability: it reconnects with exponential backoff,
// resynchronizes role and room membership on every join, and keeps an ordered log of live
// messages for the active room.
//
// # Architecture
//
// The transport is layered, leaves first:
//
//   - internal/protocol encodes client events and decodes server frames into a tagged union.
//     Malformed or unknown frames decode to an error and are dropped by the caller.
//   - internal/websocket owns exactly one connection: dialing, heartbeat, close handling and
//     backoff reconnection. Every socket callback and timer runs on one event loop goroutine.
//   - internal/session is the join/selection state machine. It consumes decoded events and
//     writes into the message store and the room roster.
//   - internal/store holds the live message log, the operator roster and the history merge.
//   - internal/transcript optionally persists received messages per room in Pebble.
//   - chat is the public constructor; chattest is an in-process backend for tests and the
//     "kephaschat mock" command.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephaschat"
//	    "github.com/luciancaetano/kephaschat/chat"
//	)
//
//	cfg := chat.NewConfig("wss://chat.example.com/ws", token, kephaschat.RoleOperator)
//	cfg.Hooks.OnChange = func(s kephaschat.Snapshot) {
//	    log.Printf("phase=%s room=%s", s.Phase, s.CurrentRoomID)
//	}
//
//	sess, err := chat.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer sess.Close(ctx)
//
//	sess.Connect(ctx)
//	// once the roster arrived:
//	sess.SelectRoom(ctx, sess.Rooms()[0].RoomID)
//
// # Wire Protocol
//
// JSON text frames. Client to server:
//
//	{"type":"ping"}
//	{"type":"select_chatroom","chat_id":"42"}
//	{"type":"message","text":"hello"}
//
// Server to client: joined, selected, pong, message and error. Unknown fields are ignored.
//
// # Reconnection
//
// After an abnormal close the delay for attempt k is min(MaxDelay, BaseDelay * 2^(k-1)).
// Once MaxAttempts is reached the session is permanently closed. Disconnect never schedules
// a reconnect.
//
// # Important
//
//   - The credential travels as a query parameter because browser WebSockets cannot carry
//     custom headers and the backend is shared with browser clients. It may appear in
//     intermediary logs; the library itself redacts it from its own logs.
//   - Live messages are kept in arrival order, which is not timestamp order across a reconnect.
//   - Duplicates delivered after a reconnect are kept unless Config.DedupeByID is set.
package kephaschat
