package store

import "github.com/luciancaetano/kephaschat"

// MergeHistory joins REST-fetched history (ascending CreatedAt) with the live
// log (arrival order) by concatenation. It does not sort across the boundary,
// so callers must render history before live messages start to accumulate.
func MergeHistory(history, live []kephaschat.Message) []kephaschat.Message {
	out := make([]kephaschat.Message, 0, len(history)+len(live))
	out = append(out, history...)
	return append(out, live...)
}
