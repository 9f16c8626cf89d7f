package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/alert"
	"chatguard/internal/arbiter"
	"chatguard/internal/config"
	"chatguard/internal/detect"
	"chatguard/internal/platform"
)

func defaults(string) config.Thresholds {
	return config.DefaultThresholds()
}

func testConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		RateLimit:   1000,
		RateWindow:  10 * time.Second,
		QueueSize:   64,
	}
}

type resultRecorder struct {
	mu      sync.Mutex
	results []*Result
}

func (r *resultRecorder) RecordResult(ctx context.Context, d *arbiter.Decision, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *resultRecorder) all() []*Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Result(nil), r.results...)
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(ctx context.Context, a *alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func decision(guild, actor string, action detect.Action, sev detect.Severity) *arbiter.Decision {
	now := time.Now()
	return &arbiter.Decision{
		ID:            uuid.New(),
		GuildID:       guild,
		ActorID:       actor,
		Action:        action,
		Severity:      sev,
		Reason:        "test decision",
		DedupKey:      arbiter.DedupKey(guild, actor, action),
		CreatedAt:     now,
		CooldownUntil: now.Add(5 * time.Minute),
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	rec := &resultRecorder{}
	e := New(fake, rec, nil, defaults, testConfig())
	defer e.Stop()

	d := decision("g1", "a1", detect.ActionBan, detect.SeverityHigh)

	first := e.Apply(ctx, d)
	second := e.Apply(ctx, d)

	if first.Outcome != OutcomeApplied {
		t.Errorf("first outcome = %s, want applied", first.Outcome)
	}
	if second.Outcome != OutcomeSkipped || second.SkipReason != SkipAlreadyApplied {
		t.Errorf("second outcome = %s/%s, want skipped/already_applied",
			second.Outcome, second.SkipReason)
	}
	if got := fake.Executed(); len(got) != 1 {
		t.Errorf("platform calls = %d, want exactly 1", len(got))
	}
	if len(rec.all()) != 2 {
		t.Errorf("recorded results = %d, want 2", len(rec.all()))
	}
}

func TestApply_DuplicateKeyInCooldownSkips(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	d1 := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)
	d2 := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)

	e.Apply(ctx, d1)
	res := e.Apply(ctx, d2)

	if res.Outcome != OutcomeSkipped || res.SkipReason != SkipAlreadyApplied {
		t.Errorf("outcome = %s/%s, want skipped/already_applied", res.Outcome, res.SkipReason)
	}
}

func TestApply_SupersedingDecisionReapplies(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	d1 := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)
	e.Apply(ctx, d1)

	d2 := decision("g1", "a1", detect.ActionBan, detect.SeverityCritical)
	d2.DedupKey = d1.DedupKey
	d2.SupersededID = d1.ID

	res := e.Apply(ctx, d2)
	if res.Outcome != OutcomeApplied {
		t.Errorf("superseding outcome = %s, want applied", res.Outcome)
	}
	if got := fake.Executed(); len(got) != 2 {
		t.Errorf("platform calls = %d, want 2", len(got))
	}
}

func TestApply_TransientErrorRetries(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	fake.FailNext("ban", &platform.TransientError{Op: "ban", Err: errors.New("rate limited")})
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	res := e.Apply(ctx, decision("g1", "a1", detect.ActionBan, detect.SeverityHigh))

	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied after retry", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

func TestApply_PermanentErrorNoRetriesOneAlert(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	fake.FailNext("ban", &platform.PermanentError{Op: "ban", Err: errors.New("missing permissions")})

	notifier := &captureNotifier{}
	alerts := alert.NewDispatcher(16)
	alerts.AddNotifier(notifier)
	alerts.Start(ctx)

	e := New(fake, nil, alerts, defaults, testConfig())

	res := e.Apply(ctx, decision("g1", "a1", detect.ActionBan, detect.SeverityHigh))
	e.Stop()
	alerts.Stop()

	if res.Outcome != OutcomeFailed || res.FailureKind != FailurePermanent {
		t.Errorf("outcome = %s/%s, want failed/permanent", res.Outcome, res.FailureKind)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 for a permanent error", res.Attempts)
	}
	if len(fake.Executed()) != 0 {
		t.Errorf("platform recorded %d executions, want 0", len(fake.Executed()))
	}
	if notifier.count() != 1 {
		t.Errorf("alerts = %d, want 1", notifier.count())
	}
}

func TestApply_ExhaustedRetriesFails(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	for i := 0; i < 4; i++ {
		fake.FailNext("kick", &platform.TransientError{Op: "kick", Err: errors.New("timeout")})
	}
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	res := e.Apply(ctx, decision("g1", "a1", detect.ActionKick, detect.SeverityHigh))

	if res.Outcome != OutcomeFailed || res.FailureKind != FailureExhausted {
		t.Errorf("outcome = %s/%s, want failed/retries_exhausted", res.Outcome, res.FailureKind)
	}
	if res.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", res.Attempts)
	}
}

func TestApply_SupersededBeforeDequeueSkips(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	old := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)
	replacement := decision("g1", "a1", detect.ActionBan, detect.SeverityCritical)

	e.OnSupersede(old, replacement)
	res := e.Apply(ctx, old)

	if res.Outcome != OutcomeSkipped || res.SkipReason != SkipSuperseded {
		t.Errorf("outcome = %s/%s, want skipped/superseded", res.Outcome, res.SkipReason)
	}
	if len(fake.Executed()) != 0 {
		t.Error("superseded decision still reached the platform")
	}
}

func TestApply_RevertRestoresAndBans(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	fake.SetSnapshot("g1", &platform.GuildSnapshot{
		GuildID:  "g1",
		Channels: []platform.ChannelSnapshot{{ID: "c1", Name: "general"}},
	})
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	if err := e.RefreshSnapshot(ctx, "g1"); err != nil {
		t.Fatal(err)
	}

	res := e.Apply(ctx, decision("g1", "nuker", detect.ActionRevertAction, detect.SeverityCritical))
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", res.Outcome)
	}
	if got := fake.Restored(); len(got) != 1 || got[0] != "g1" {
		t.Errorf("restored = %v, want [g1]", got)
	}
	executed := fake.Executed()
	if len(executed) != 1 || executed[0].Action != detect.ActionBan || executed[0].ActorID != "nuker" {
		t.Errorf("executed = %+v, want ban of nuker", executed)
	}
}

func TestApply_MuteDurationTracksCooldown(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	d := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)
	e.Apply(ctx, d)

	executed := fake.Executed()
	if len(executed) != 1 {
		t.Fatal("mute not executed")
	}
	want := time.Until(d.CooldownUntil)
	if diff := want - executed[0].Duration; diff < 0 || diff > time.Second {
		t.Errorf("mute duration = %s, want about %s", executed[0].Duration, want)
	}
}

func TestApply_GuildRateBudget(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.MaxAttempts = 1
	e := New(fake, nil, nil, defaults, cfg)
	defer e.Stop()

	first := e.Apply(ctx, decision("g1", "a1", detect.ActionBan, detect.SeverityHigh))
	second := e.Apply(ctx, decision("g1", "a2", detect.ActionBan, detect.SeverityHigh))

	if first.Outcome != OutcomeApplied {
		t.Errorf("first outcome = %s, want applied", first.Outcome)
	}
	if second.Outcome != OutcomeFailed {
		t.Errorf("second outcome = %s, want failed on exhausted guild budget", second.Outcome)
	}
}

func TestSubmit_PerActorFIFO(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	rec := &resultRecorder{}
	e := New(fake, rec, nil, defaults, testConfig())

	// Distinct dedup keys so both apply.
	d1 := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)
	d2 := decision("g1", "a1", detect.ActionLockdownChannel, detect.SeverityHigh)
	d2.CooldownUntil = d2.CreatedAt // no auto-lift wait

	e.Submit(ctx, d1)
	e.Submit(ctx, d2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.all()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()

	results := rec.all()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].DecisionID != d1.ID || results[1].DecisionID != d2.ID {
		t.Error("decisions applied out of submission order")
	}
}

func TestStop_DrainsQueuedDecisions(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	rec := &resultRecorder{}
	e := New(fake, rec, nil, defaults, testConfig())

	for i := 0; i < 5; i++ {
		g := fmt.Sprintf("g%d", i)
		e.Submit(ctx, decision(g, "a1", detect.ActionMute, detect.SeverityMedium))
	}
	e.Stop()

	if got := len(rec.all()); got != 5 {
		t.Errorf("results = %d, want every queued decision applied before Stop returns", got)
	}
}

func TestPruneApplied_DropsLapsedCooldowns(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFakeClient()
	e := New(fake, nil, nil, defaults, testConfig())
	defer e.Stop()

	now := time.Now()
	lapsed := decision("g1", "a1", detect.ActionMute, detect.SeverityMedium)
	lapsed.CooldownUntil = now.Add(time.Minute)
	live := decision("g2", "a2", detect.ActionMute, detect.SeverityMedium)
	live.CooldownUntil = now.Add(2 * time.Hour)

	e.Apply(ctx, lapsed)
	e.Apply(ctx, live)

	e.pruneApplied(now.Add(30 * time.Minute))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.applied[lapsed.DedupKey]; ok {
		t.Error("lapsed dedup record kept")
	}
	if _, ok := e.applied[live.DedupKey]; !ok {
		t.Error("record inside cool-down pruned")
	}
}
