package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/arbiter"
	"chatguard/internal/audit"
	"chatguard/internal/config"
	"chatguard/internal/detect"
	"chatguard/internal/executor"
	"chatguard/internal/normalize"
	"chatguard/internal/platform"
	"chatguard/internal/schema"
	"chatguard/internal/state"
	"chatguard/internal/storage"
	"chatguard/internal/watchdog"
)

type pipeline struct {
	engine *Engine
	fake   *platform.FakeClient
	trail  *audit.Log
	wd     *watchdog.Watchdog
}

func newPipeline(t *testing.T, scorer detect.Scorer) *pipeline {
	t.Helper()
	ctx := context.Background()

	thresholds := func(string) config.Thresholds { return config.DefaultThresholds() }
	store := state.NewMemoryStore(state.DefaultMemoryStoreConfig())

	detectors := []detect.Detector{
		detect.NewSpamDetector(store, thresholds),
		detect.NewRaidDetector(store, thresholds, nil),
		detect.NewNukeDetector(store, thresholds),
		detect.NewContentRiskDetector(store, thresholds, scorer),
	}

	trail, err := audit.NewLog(ctx, storage.NewMemoryKV())
	if err != nil {
		t.Fatal(err)
	}

	arb := arbiter.New(arbiter.Config{
		CorrelationWindow: 50 * time.Millisecond,
		DetectorCount:     len(detectors),
		SweepInterval:     10 * time.Millisecond,
	}, thresholds)

	fake := platform.NewFakeClient()
	exec := executor.New(fake, trail, nil, thresholds, executor.Config{
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		RateLimit:   1000,
		RateWindow:  10 * time.Second,
	})

	wd := watchdog.New(config.WatchdogConfig{
		CheckInterval:      time.Hour,
		SilentSpan:         30 * time.Minute,
		ErrorRateThreshold: 0.25,
		ErrorRateWindow:    5 * time.Minute,
	}, nil)

	eng := New(Config{Workers: 4, QueueSize: 1024}, normalize.New(nil), detectors, arb, exec, trail, wd)
	eng.Start(ctx)
	return &pipeline{engine: eng, fake: fake, trail: trail, wd: wd}
}

func message(guild, actor, text string, ts time.Time) *schema.Event {
	return &schema.Event{
		EventID:    uuid.New(),
		GuildID:    guild,
		ActorID:    actor,
		Kind:       schema.KindMessage,
		Timestamp:  ts,
		ReceivedAt: ts,
		Payload:    schema.Payload{Text: text, ChannelID: "c1"},
	}
}

func channelDelete(guild, actor string, ts time.Time) *schema.Event {
	return &schema.Event{
		EventID:    uuid.New(),
		GuildID:    guild,
		ActorID:    actor,
		Kind:       schema.KindChannelDelete,
		Timestamp:  ts,
		ReceivedAt: ts,
	}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngine_SpamBurstGetsActioned(t *testing.T) {
	p := newPipeline(t, nil)

	base := time.Now()
	for i := 0; i < 12; i++ {
		ev := message("g1", "spammer", fmt.Sprintf("unique message %d", i), base.Add(time.Duration(i)*100*time.Millisecond))
		if err := p.engine.Ingest(ev); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, req := range p.fake.Executed() {
			if req.ActorID == "spammer" {
				return true
			}
		}
		return false
	}, "no moderation action reached the platform")

	p.engine.Stop()

	if err := p.trail.Verify(context.Background()); err != nil {
		t.Errorf("audit trail broken after pipeline run: %v", err)
	}
	entries, err := p.trail.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var kinds = map[audit.EntryKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[audit.KindVerdict] == 0 || kinds[audit.KindDecision] == 0 || kinds[audit.KindResult] == 0 {
		t.Errorf("trail kinds = %v, want verdicts, decisions and results", kinds)
	}
}

func TestEngine_NukeRevertedAndActorBanned(t *testing.T) {
	p := newPipeline(t, nil)

	base := time.Now()
	p.engine.Ingest(channelDelete("g1", "nuker", base))
	p.engine.Ingest(channelDelete("g1", "nuker", base.Add(time.Second)))

	waitFor(t, 3*time.Second, func() bool {
		return len(p.fake.Restored()) > 0
	}, "guild never restored after nuke")

	waitFor(t, time.Second, func() bool {
		for _, req := range p.fake.Executed() {
			if req.Action == detect.ActionBan && req.ActorID == "nuker" {
				return true
			}
		}
		return false
	}, "nuker never banned")

	p.engine.Stop()
}

func TestEngine_DetectorFailureIsIsolated(t *testing.T) {
	failing := detect.ScorerFunc(func(ctx context.Context, text string) (float64, error) {
		return 0, errors.New("model down")
	})
	p := newPipeline(t, failing)

	base := time.Now()
	for i := 0; i < 12; i++ {
		p.engine.Ingest(message("g1", "spammer", fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	// Spam detection proceeds even though content scoring fails on every
	// message.
	waitFor(t, 3*time.Second, func() bool {
		return len(p.fake.Executed()) > 0
	}, "broken content detector stalled the pipeline")

	p.engine.Stop()

	var contentErrors uint64
	for _, r := range p.wd.Report() {
		if r.Name == "content_risk" {
			contentErrors = r.Errors
		}
	}
	if contentErrors == 0 {
		t.Error("watchdog saw no content_risk errors")
	}
}

func TestEngine_UnrecognizedPayloadDropped(t *testing.T) {
	p := newPipeline(t, nil)

	if err := p.engine.Ingest(struct{ X int }{1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	p.engine.Stop()

	if got := len(p.fake.Executed()); got != 0 {
		t.Errorf("executed = %d actions from junk payload", got)
	}
	entries, _ := p.trail.Entries(context.Background())
	if len(entries) != 0 {
		t.Errorf("trail entries = %d, want 0", len(entries))
	}
}

func TestEngine_QueueFullReturnsError(t *testing.T) {
	// Build an engine but never start it, so the queue fills.
	thresholds := func(string) config.Thresholds { return config.DefaultThresholds() }
	store := state.NewMemoryStore(state.DefaultMemoryStoreConfig())
	trail, err := audit.NewLog(context.Background(), storage.NewMemoryKV())
	if err != nil {
		t.Fatal(err)
	}
	arb := arbiter.New(arbiter.DefaultConfig(), thresholds)
	exec := executor.New(platform.NewFakeClient(), trail, nil, thresholds, executor.DefaultConfig())
	wd := watchdog.New(config.WatchdogConfig{}, nil)

	eng := New(Config{Workers: 1, QueueSize: 1},
		normalize.New(nil),
		[]detect.Detector{detect.NewSpamDetector(store, thresholds)},
		arb, exec, trail, wd)

	if err := eng.Ingest(message("g1", "a1", "x", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := eng.Ingest(message("g1", "a1", "y", time.Now())); err == nil {
		t.Fatal("second ingest should fail on a full queue")
	}
}
