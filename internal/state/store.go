package state

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Metric names tracked per actor. The guild-scoped join metric is recorded
// under the reserved empty actor key.
const (
	MetricMessages    = "messages"
	MetricJoins       = "joins"
	MetricDestructive = "destructive"
	MetricDecisions   = "decisions"
)

// GuildActor is the reserved actor key for guild-scoped metrics.
const GuildActor = ""

const shardCount = 256

// Store is the read/write contract detectors use. Implementations must fail
// safe: on backend errors CountInWindow reports 0, never an inflated count.
type Store interface {
	Record(ctx context.Context, guildID, actorID, metric string, ts time.Time, weight int) error
	CountInWindow(ctx context.Context, guildID, actorID, metric string, dur time.Duration) (int, error)
	RecordMessage(ctx context.Context, guildID, actorID string, msg Message) error
	RecentMessages(ctx context.Context, guildID, actorID string, dur time.Duration) ([]Message, error)
	Snapshot(ctx context.Context, guildID, actorID string) (Evidence, error)
}

// Evidence is the point-in-time state bundle attached to verdicts.
type Evidence struct {
	GuildID  string         `json:"guild_id"`
	ActorID  string         `json:"actor_id"`
	TakenAt  time.Time      `json:"taken_at"`
	Counts   map[string]int `json:"counts"`
	Messages []Message      `json:"messages,omitempty"`
}

type actorKey struct {
	guildID string
	actorID string
}

// actorRecord holds one actor's windows and history behind its own mutex so
// unrelated actors never contend.
type actorRecord struct {
	mu       sync.Mutex
	windows  map[string]*window
	messages *messageRing
	lastSeen time.Time
}

type shard struct {
	mu     sync.RWMutex
	actors map[actorKey]*actorRecord
}

// MemoryStoreConfig configures the in-memory store.
type MemoryStoreConfig struct {
	MaxHorizon time.Duration // longest window any detector asks for
	StaleAfter time.Duration // whole-actor eviction TTL
	MaxActors  int           // hard cap on tracked actors
	MessageCap int           // recent messages retained per actor
}

// DefaultMemoryStoreConfig returns sensible defaults.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		MaxHorizon: 10 * time.Minute,
		StaleAfter: 24 * time.Hour,
		MaxActors:  100000,
		MessageCap: 32,
	}
}

// MemoryStore keeps sliding windows in memory, sharded by (guild, actor).
// A TTL LRU tracks actor recency: actors idle beyond StaleAfter, or beyond
// the MaxActors cap, are evicted wholesale.
type MemoryStore struct {
	cfg    MemoryStoreConfig
	shards [shardCount]shard
	recent *expirable.LRU[actorKey, struct{}]
	now    func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	s := &MemoryStore{cfg: cfg, now: time.Now}
	for i := range s.shards {
		s.shards[i].actors = make(map[actorKey]*actorRecord)
	}
	s.recent = expirable.NewLRU(cfg.MaxActors, func(key actorKey, _ struct{}) {
		s.dropActor(key)
	}, cfg.StaleAfter)
	return s
}

func shardFor(key actorKey) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key.guildID))
	h.Write([]byte{0})
	h.Write([]byte(key.actorID))
	return h.Sum32() % shardCount
}

func (s *MemoryStore) actor(key actorKey) *actorRecord {
	sh := &s.shards[shardFor(key)]

	sh.mu.RLock()
	rec, ok := sh.actors[key]
	sh.mu.RUnlock()
	if ok {
		return rec
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok = sh.actors[key]; ok {
		return rec
	}
	rec = &actorRecord{
		windows:  make(map[string]*window),
		messages: newMessageRing(s.cfg.MessageCap),
	}
	sh.actors[key] = rec
	return rec
}

func (s *MemoryStore) dropActor(key actorKey) {
	sh := &s.shards[shardFor(key)]
	sh.mu.Lock()
	delete(sh.actors, key)
	sh.mu.Unlock()
}

// Record appends a weighted entry to the actor's window for metric.
func (s *MemoryStore) Record(ctx context.Context, guildID, actorID, metric string, ts time.Time, weight int) error {
	key := actorKey{guildID: guildID, actorID: actorID}
	rec := s.actor(key)

	rec.mu.Lock()
	w, ok := rec.windows[metric]
	if !ok {
		w = newWindow(s.cfg.MaxHorizon)
		rec.windows[metric] = w
	}
	w.append(ts, weight)
	rec.lastSeen = s.now()
	rec.mu.Unlock()

	s.recent.Add(key, struct{}{}) // refresh staleness TTL
	return nil
}

// CountInWindow returns the weighted count of entries within the trailing
// duration, as of call time.
func (s *MemoryStore) CountInWindow(ctx context.Context, guildID, actorID, metric string, dur time.Duration) (int, error) {
	key := actorKey{guildID: guildID, actorID: actorID}
	sh := &s.shards[shardFor(key)]

	sh.mu.RLock()
	rec, ok := sh.actors[key]
	sh.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	w, ok := rec.windows[metric]
	if !ok {
		return 0, nil
	}
	return w.countSince(s.now().Add(-dur)), nil
}

// RecordMessage retains a message for spam evidence and duplicate analysis.
func (s *MemoryStore) RecordMessage(ctx context.Context, guildID, actorID string, msg Message) error {
	key := actorKey{guildID: guildID, actorID: actorID}
	rec := s.actor(key)

	rec.mu.Lock()
	rec.messages.add(msg)
	rec.lastSeen = s.now()
	rec.mu.Unlock()

	s.recent.Add(key, struct{}{})
	return nil
}

// RecentMessages returns the actor's messages within the trailing duration,
// oldest first.
func (s *MemoryStore) RecentMessages(ctx context.Context, guildID, actorID string, dur time.Duration) ([]Message, error) {
	key := actorKey{guildID: guildID, actorID: actorID}
	sh := &s.shards[shardFor(key)]

	sh.mu.RLock()
	rec, ok := sh.actors[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.messages.since(s.now().Add(-dur)), nil
}

// Snapshot returns the actor's current counts and recent messages for
// verdict evidence.
func (s *MemoryStore) Snapshot(ctx context.Context, guildID, actorID string) (Evidence, error) {
	ev := Evidence{
		GuildID: guildID,
		ActorID: actorID,
		TakenAt: s.now(),
		Counts:  make(map[string]int),
	}

	key := actorKey{guildID: guildID, actorID: actorID}
	sh := &s.shards[shardFor(key)]

	sh.mu.RLock()
	rec, ok := sh.actors[key]
	sh.mu.RUnlock()
	if !ok {
		return ev, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	cutoff := ev.TakenAt.Add(-s.cfg.MaxHorizon)
	for metric, w := range rec.windows {
		ev.Counts[metric] = w.countSince(cutoff)
	}
	ev.Messages = rec.messages.since(cutoff)
	return ev, nil
}

// TrackedActors reports how many actors currently hold state.
func (s *MemoryStore) TrackedActors() int {
	total := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		total += len(s.shards[i].actors)
		s.shards[i].mu.RUnlock()
	}
	return total
}
