// Package state implements the per-(guild, actor) sliding-window counters
// and message history the detectors read. Windows are bounded by a horizon
// and evicted lazily; whole actors are evicted after a staleness TTL.
package state

import (
	"time"
)

type entry struct {
	ts     time.Time
	weight int
}

// window is a bounded sliding window of timestamped weighted entries.
// Entries are monotone non-decreasing in timestamp; a late entry is clamped
// forward to the latest observed timestamp rather than breaking the order.
// Not safe for concurrent use; the owning actor record serializes access.
type window struct {
	entries []entry
	horizon time.Duration
}

func newWindow(horizon time.Duration) *window {
	return &window{horizon: horizon}
}

// append adds a weighted entry and lazily evicts entries older than the
// horizon relative to the newest timestamp.
func (w *window) append(ts time.Time, weight int) {
	if n := len(w.entries); n > 0 && ts.Before(w.entries[n-1].ts) {
		ts = w.entries[n-1].ts
	}
	w.entries = append(w.entries, entry{ts: ts, weight: weight})
	w.evict(ts.Add(-w.horizon))
}

// evict drops entries strictly older than cutoff. Entries at or inside the
// cutoff are always retained.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].ts.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(w.entries) {
		w.entries = w.entries[:0]
		return
	}
	n := copy(w.entries, w.entries[i:])
	w.entries = w.entries[:n]
}

// countSince returns the weighted sum of entries at or after cutoff.
func (w *window) countSince(cutoff time.Time) int {
	total := 0
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].ts.Before(cutoff) {
			break
		}
		total += w.entries[i].weight
	}
	return total
}

func (w *window) len() int {
	return len(w.entries)
}

// Message is one recent message retained for spam evidence.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id,omitempty"`
	Text      string    `json:"text"`
}

// messageRing keeps the last cap messages for an actor.
type messageRing struct {
	buf  []Message
	next int
	full bool
}

func newMessageRing(capacity int) *messageRing {
	if capacity <= 0 {
		capacity = 32
	}
	return &messageRing{buf: make([]Message, capacity)}
}

func (r *messageRing) add(m Message) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// since returns messages at or after cutoff, oldest first.
func (r *messageRing) since(cutoff time.Time) []Message {
	var out []Message
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < n; i++ {
		m := r.buf[(start+i)%len(r.buf)]
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}
