package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/arbiter"
	"chatguard/internal/detect"
	"chatguard/internal/executor"
	"chatguard/internal/storage"
)

func newLog(t *testing.T) (*Log, *storage.MemoryKV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	l, err := NewLog(context.Background(), kv)
	if err != nil {
		t.Fatal(err)
	}
	return l, kv
}

func sampleVerdict(guild, actor string) *detect.Verdict {
	return &detect.Verdict{
		Detector:        "spam",
		GuildID:         guild,
		ActorID:         actor,
		Severity:        detect.SeverityHigh,
		Reason:          "message rate",
		SuggestedAction: detect.ActionMute,
		Timestamp:       time.Now(),
	}
}

func sampleDecision(guild, actor string) *arbiter.Decision {
	return &arbiter.Decision{
		ID:       uuid.New(),
		GuildID:  guild,
		ActorID:  actor,
		Action:   detect.ActionMute,
		Severity: detect.SeverityHigh,
		DedupKey: arbiter.DedupKey(guild, actor, detect.ActionMute),
	}
}

func TestLog_AppendAndVerify(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	d := sampleDecision("g1", "a1")
	if err := l.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordDecision(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordResult(ctx, d, &executor.Result{
		DecisionID: d.ID, GuildID: "g1", ActorID: "a1", Outcome: executor.OutcomeApplied,
	}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	wantKinds := []EntryKind{KindVerdict, KindDecision, KindResult}
	for i, e := range entries {
		if e.Kind != wantKinds[i] {
			t.Errorf("entry %d kind = %s, want %s", i, e.Kind, wantKinds[i])
		}
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry %d sequence = %d", i, e.Sequence)
		}
	}

	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() = %v on untouched trail", err)
	}
}

func TestLog_PerActorSequences(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	for i := 0; i < 3; i++ {
		if err := l.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RecordVerdict(ctx, sampleVerdict("g1", "a2")); err != nil {
		t.Fatal(err)
	}

	a1, err := l.ActorEntries(ctx, "g1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range a1 {
		if e.ActorSeq != uint64(i+1) {
			t.Errorf("a1 entry %d actor seq = %d, want %d", i, e.ActorSeq, i+1)
		}
	}

	a2, err := l.ActorEntries(ctx, "g1", "a2")
	if err != nil {
		t.Fatal(err)
	}
	if len(a2) != 1 || a2[0].ActorSeq != 1 {
		t.Errorf("a2 entries = %+v, want single entry with actor seq 1", a2)
	}
}

func TestLog_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, kv := newLog(t)

	for i := 0; i < 5; i++ {
		if err := l.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
			t.Fatal(err)
		}
	}

	// Rewrite entry 3's payload in place.
	key := entryKey(3)
	raw, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatal(err)
	}
	e.GuildID = "tampered"
	mod, _ := json.Marshal(&e)
	if err := kv.Put(ctx, key, mod); err != nil {
		t.Fatal(err)
	}

	if err := l.Verify(ctx); !errors.Is(err, ErrChainBroken) {
		t.Errorf("Verify() = %v, want chain-broken", err)
	}
}

func TestLog_VerifyDetectsDeletion(t *testing.T) {
	ctx := context.Background()
	l, kv := newLog(t)

	for i := 0; i < 5; i++ {
		if err := l.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := kv.Delete(ctx, entryKey(3)); err != nil {
		t.Fatal(err)
	}

	if err := l.Verify(ctx); !errors.Is(err, ErrSequenceGap) {
		t.Errorf("Verify() = %v, want sequence-gap", err)
	}
}

func TestLog_ResumesFromExistingTrail(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	l1, err := NewLog(ctx, kv)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := l1.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh Log over the same KV continues both chains.
	l2, err := NewLog(ctx, kv)
	if err != nil {
		t.Fatal(err)
	}
	if err := l2.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
		t.Fatal(err)
	}

	entries, err := l2.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	last := entries[3]
	if last.Sequence != 4 || last.ActorSeq != 4 {
		t.Errorf("resumed entry seq = %d/%d, want 4/4", last.Sequence, last.ActorSeq)
	}
	if err := l2.Verify(ctx); err != nil {
		t.Errorf("Verify() = %v after resume", err)
	}
}

func TestLog_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			actor := string(rune('a' + w))
			for i := 0; i < 25; i++ {
				_ = l.RecordVerdict(ctx, sampleVerdict("g1", actor))
			}
		}(w)
	}
	wg.Wait()

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 200 {
		t.Fatalf("entries = %d, want 200", len(entries))
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() = %v after concurrent appends", err)
	}
}

type memSink struct {
	mu      sync.Mutex
	entries []*Entry
}

func (m *memSink) Write(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestLog_SinkReceivesEntries(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	sink := &memSink{}
	l, err := NewLog(ctx, kv, sink)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.RecordVerdict(ctx, sampleVerdict("g1", "a1")); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != 1 || sink.entries[0].Kind != KindVerdict {
		t.Errorf("sink entries = %+v", sink.entries)
	}
}
