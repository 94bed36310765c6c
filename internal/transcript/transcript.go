// Package transcript persists live chat messages per room in a Pebble store so
// a restarted client can render earlier history before the live log.
package transcript

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/luciancaetano/kephaschat"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transcript is closed")

const keyPrefix = "m\x00"

// Recorder appends messages under keys of the form
// "m\x00" + room + "\x00" + 8-byte big-endian sequence number. Sequence
// numbers increase monotonically across rooms, so a prefix scan yields a
// room's messages in arrival order.
type Recorder struct {
	mu   sync.Mutex
	db   *pebble.DB
	next uint64
}

// Open opens or creates the store in dir.
func Open(dir string) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("transcript: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}

	r := &Recorder{db: db}
	if err := r.discoverNext(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// discoverNext scans every key for the highest sequence number.
func (r *Recorder) discoverNext() error {
	it, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: upperBound([]byte(keyPrefix)),
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) < 8 {
			continue
		}
		if seq := binary.BigEndian.Uint64(k[len(k)-8:]); seq >= r.next {
			r.next = seq + 1
		}
	}
	return it.Error()
}

// Append stores m under its room.
func (r *Recorder) Append(m kephaschat.Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return ErrClosed
	}
	key := roomPrefix(m.RoomID)
	key = binary.BigEndian.AppendUint64(key, r.next)
	if err := r.db.Set(key, val, pebble.Sync); err != nil {
		return err
	}
	r.next++
	return nil
}

// Load returns up to limit of the most recent messages of room, oldest
// first. A limit <= 0 returns all of them.
func (r *Recorder) Load(room string, limit int) ([]kephaschat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil, ErrClosed
	}

	prefix := roomPrefix(room)
	it, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []kephaschat.Message
	for it.Last(); it.Valid(); it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m kephaschat.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the underlying store. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func roomPrefix(room string) []byte {
	b := make([]byte, 0, len(keyPrefix)+len(room)+1+8)
	b = append(b, keyPrefix...)
	b = append(b, room...)
	return append(b, 0)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
