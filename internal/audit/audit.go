// Package audit keeps the tamper-evident trail of everything the engine
// decides and does. Every verdict, decision and execution result becomes an
// append-only entry carrying a per-actor sequence number and a SHA-256 hash
// chained to its predecessor, so deletion, insertion or reordering is
// detectable after the fact.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/arbiter"
	"chatguard/internal/detect"
	"chatguard/internal/executor"
	"chatguard/internal/storage"
)

// Common errors.
var (
	ErrChainBroken = errors.New("audit chain integrity broken")
	ErrSequenceGap = errors.New("sequence gap detected in audit trail")
)

// EntryKind classifies what an entry records.
type EntryKind string

const (
	KindVerdict  EntryKind = "verdict"
	KindDecision EntryKind = "decision"
	KindResult   EntryKind = "result"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Sequence  uint64          `json:"sequence"`       // global, gap-free
	ActorSeq  uint64          `json:"actor_sequence"` // per (guild, actor), causal order
	Kind      EntryKind       `json:"kind"`
	GuildID   string          `json:"guild_id"`
	ActorID   string          `json:"actor_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// computeHash hashes the entry's fields in deterministic order, excluding
// EntryHash itself.
func (e *Entry) computeHash() string {
	h := sha256.New()
	h.Write([]byte(e.ID.String()))
	fmt.Fprintf(h, "%d", e.Sequence)
	fmt.Fprintf(h, "%d", e.ActorSeq)
	h.Write([]byte(e.Kind))
	h.Write([]byte(e.GuildID))
	h.Write([]byte(e.ActorID))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write(e.Payload)
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Sink receives every appended entry, e.g. for warehouse export.
type Sink interface {
	Write(ctx context.Context, e *Entry) error
}

// Log is the append-only audit trail. Safe for concurrent writers; entries
// for one actor are causally ordered by ActorSeq.
type Log struct {
	kv    storage.KV
	sinks []Sink

	mu       sync.Mutex
	seq      uint64            // last global sequence
	actorSeq map[string]uint64 // guild|actor -> last sequence
	lastHash string
}

// NewLog opens the trail on kv, resuming sequence numbers and the hash
// chain from any existing entries.
func NewLog(ctx context.Context, kv storage.KV, sinks ...Sink) (*Log, error) {
	l := &Log{
		kv:       kv,
		sinks:    sinks,
		actorSeq: make(map[string]uint64),
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		l.seq = e.Sequence
		l.lastHash = e.EntryHash
		key := e.GuildID + "|" + e.ActorID
		if e.ActorSeq > l.actorSeq[key] {
			l.actorSeq[key] = e.ActorSeq
		}
	}
	return l, nil
}

// RecordVerdict appends a detector verdict.
func (l *Log) RecordVerdict(ctx context.Context, v *detect.Verdict) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}
	return l.append(ctx, KindVerdict, v.GuildID, v.ActorID, payload)
}

// RecordDecision appends an arbiter decision.
func (l *Log) RecordDecision(ctx context.Context, d *arbiter.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return l.append(ctx, KindDecision, d.GuildID, d.ActorID, payload)
}

// RecordResult appends an execution result. Implements executor.Recorder.
func (l *Log) RecordResult(ctx context.Context, d *arbiter.Decision, r *executor.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return l.append(ctx, KindResult, r.GuildID, r.ActorID, payload)
}

func (l *Log) append(ctx context.Context, kind EntryKind, guildID, actorID string, payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	actorKey := guildID + "|" + actorID
	e := &Entry{
		ID:           uuid.New(),
		Sequence:     l.seq + 1,
		ActorSeq:     l.actorSeq[actorKey] + 1,
		Kind:         kind,
		GuildID:      guildID,
		ActorID:      actorID,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
		PreviousHash: l.lastHash,
	}
	e.EntryHash = e.computeHash()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := l.kv.Put(ctx, entryKey(e.Sequence), data); err != nil {
		return fmt.Errorf("failed to persist entry: %w", err)
	}

	l.seq = e.Sequence
	l.actorSeq[actorKey] = e.ActorSeq
	l.lastHash = e.EntryHash

	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			// Sinks are best-effort exports; the KV copy is authoritative.
			continue
		}
	}
	return nil
}

func entryKey(seq uint64) string {
	return fmt.Sprintf("audit:entry:%016d", seq)
}

// Entries returns the full trail in sequence order.
func (l *Log) Entries(ctx context.Context) ([]*Entry, error) {
	pairs, err := l.kv.ScanPrefix(ctx, "audit:entry:")
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		var e Entry
		if err := json.Unmarshal(pairs[k], &e); err != nil {
			return nil, fmt.Errorf("corrupt entry %s: %w", k, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ActorEntries returns one actor's trail in causal order.
func (l *Log) ActorEntries(ctx context.Context, guildID, actorID string) ([]*Entry, error) {
	all, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range all {
		if e.GuildID == guildID && e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify walks the whole chain: recomputed hashes must match, links must
// hold, and global and per-actor sequences must be gap-free.
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.Entries(ctx)
	if err != nil {
		return err
	}

	prevHash := ""
	actorSeq := make(map[string]uint64)
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrSequenceGap, i+1, e.Sequence)
		}
		if e.PreviousHash != prevHash {
			return fmt.Errorf("%w: entry %d previous-hash mismatch", ErrChainBroken, e.Sequence)
		}
		if got := e.computeHash(); got != e.EntryHash {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, e.Sequence)
		}
		key := e.GuildID + "|" + e.ActorID
		if e.ActorSeq != actorSeq[key]+1 {
			return fmt.Errorf("%w: actor %s entry %d has actor-sequence %d, want %d",
				ErrSequenceGap, key, e.Sequence, e.ActorSeq, actorSeq[key]+1)
		}
		actorSeq[key] = e.ActorSeq
		prevHash = e.EntryHash
	}
	return nil
}
