// Package executor applies arbiter decisions against the platform:
// idempotent per dedup key, bounded retries with jittered exponential
// backoff for transient failures, per-actor FIFO ordering, and per-guild
// rate limiting of platform calls. Every outcome is recorded to the audit
// trail before Apply returns.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/google/uuid"

	"chatguard/internal/alert"
	"chatguard/internal/arbiter"
	"chatguard/internal/config"
	"chatguard/internal/detect"
	"chatguard/internal/platform"
)

// Outcome classifies what happened to a decision.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// SkipReason explains a skipped decision.
type SkipReason string

const (
	SkipAlreadyApplied SkipReason = "already_applied"
	SkipSuperseded     SkipReason = "superseded"
)

// FailureKind explains a failed decision.
type FailureKind string

const (
	FailurePermanent FailureKind = "permanent"
	FailureExhausted FailureKind = "retries_exhausted"
	FailureCancelled FailureKind = "cancelled"
)

// Result is the executor's record of one decision's fate.
type Result struct {
	DecisionID  uuid.UUID     `json:"decision_id"`
	GuildID     string        `json:"guild_id"`
	ActorID     string        `json:"actor_id"`
	Action      detect.Action `json:"action"`
	DedupKey    string        `json:"dedup_key"`
	Outcome     Outcome       `json:"outcome"`
	SkipReason  SkipReason    `json:"skip_reason,omitempty"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	Attempts    int           `json:"attempts"`
	AppliedAt   time.Time     `json:"applied_at,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// Recorder persists results to the audit trail.
type Recorder interface {
	RecordResult(ctx context.Context, d *arbiter.Decision, r *Result) error
}

// Config configures the executor.
type Config struct {
	MaxAttempts int           // total tries per decision
	BaseBackoff time.Duration // first retry delay, doubled each attempt
	RateLimit   int64         // platform calls per guild per window
	RateWindow  time.Duration
	QueueSize   int // per-actor queue depth
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseBackoff: 500 * time.Millisecond,
		RateLimit:   20,
		RateWindow:  10 * time.Second,
		QueueSize:   64,
	}
}

type queued struct {
	ctx      context.Context
	decision *arbiter.Decision
}

// Executor drives moderation actions.
type Executor struct {
	client     platform.Client
	recorder   Recorder
	alerts     *alert.Dispatcher
	thresholds func(guildID string) config.Thresholds
	config     Config

	mu         sync.Mutex
	queues     map[string]chan queued            // guild|actor -> serial queue
	applied    map[string]*arbiter.Decision      // dedup key -> last applied decision
	superseded map[uuid.UUID]bool                // decisions cancelled before dequeue
	cancels    map[uuid.UUID]chan struct{}       // decision -> in-flight cancel signal
	limiters   map[string]*slidingwindow.Limiter // guild -> rate limiter
	snapshots  map[string]*platform.GuildSnapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an executor. alerts may be nil to disable admin alerts.
func New(client platform.Client, recorder Recorder, alerts *alert.Dispatcher,
	thresholds func(string) config.Thresholds, cfg Config) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultConfig().RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultConfig().RateWindow
	}
	e := &Executor{
		client:     client,
		recorder:   recorder,
		alerts:     alerts,
		thresholds: thresholds,
		config:     cfg,
		queues:     make(map[string]chan queued),
		applied:    make(map[string]*arbiter.Decision),
		superseded: make(map[uuid.UUID]bool),
		cancels:    make(map[uuid.UUID]chan struct{}),
		limiters:   make(map[string]*slidingwindow.Limiter),
		snapshots:  make(map[string]*platform.GuildSnapshot),
		stopCh:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.janitor()
	return e
}

// janitor drops dedup records whose cool-down lapsed. A lapsed record never
// suppresses anything, so the table would otherwise grow with every actor
// ever actioned.
func (e *Executor) janitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pruneApplied(time.Now())
		}
	}
}

func (e *Executor) pruneApplied(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, d := range e.applied {
		if now.After(d.CooldownUntil) {
			delete(e.applied, key)
		}
	}
}

// Stop waits for queued decisions to drain.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Submit enqueues a decision on its actor's serial queue. Decisions for
// the same (guild, actor) apply in submission order; distinct actors never
// wait on each other.
func (e *Executor) Submit(ctx context.Context, d *arbiter.Decision) {
	key := d.GuildID + "|" + d.ActorID

	e.mu.Lock()
	q, ok := e.queues[key]
	if !ok {
		q = make(chan queued, e.config.QueueSize)
		e.queues[key] = q
		e.wg.Add(1)
		go e.actorWorker(q)
	}
	e.mu.Unlock()

	select {
	case q <- queued{ctx: ctx, decision: d}:
	default:
		slog.Warn("actor queue full, dropping decision",
			"decision_id", d.ID, "guild_id", d.GuildID, "actor_id", d.ActorID)
	}
}

// OnSupersede cancels pending work for a superseded decision. Matches
// arbiter.SupersedeHandler.
func (e *Executor) OnSupersede(old, new *arbiter.Decision) {
	e.mu.Lock()
	e.superseded[old.ID] = true
	cancel, ok := e.cancels[old.ID]
	if ok {
		delete(e.cancels, old.ID)
	}
	e.mu.Unlock()
	if ok {
		close(cancel)
	}
}

func (e *Executor) actorWorker(q chan queued) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			// Finish what was already queued before exiting.
			for {
				select {
				case item := <-q:
					e.Apply(item.ctx, item.decision)
				default:
					return
				}
			}
		case item := <-q:
			e.Apply(item.ctx, item.decision)
		}
	}
}

// Apply executes one decision synchronously and returns its result. The
// result is recorded before Apply returns.
func (e *Executor) Apply(ctx context.Context, d *arbiter.Decision) *Result {
	res := e.apply(ctx, d)

	if e.recorder != nil {
		if err := e.recorder.RecordResult(ctx, d, res); err != nil {
			slog.Error("failed to record result", "decision_id", d.ID, "error", err)
		}
	}
	return res
}

func (e *Executor) apply(ctx context.Context, d *arbiter.Decision) *Result {
	res := &Result{
		DecisionID: d.ID,
		GuildID:    d.GuildID,
		ActorID:    d.ActorID,
		Action:     d.Action,
		DedupKey:   d.DedupKey,
	}

	e.mu.Lock()
	if e.superseded[d.ID] {
		delete(e.superseded, d.ID)
		e.mu.Unlock()
		res.Outcome = OutcomeSkipped
		res.SkipReason = SkipSuperseded
		return res
	}
	if prev, ok := e.applied[d.DedupKey]; ok {
		// A replay of the applied decision, or a second decision for a key
		// still in cool-down that does not supersede it, is a skip. A
		// superseding decision re-applies over its predecessor, and a fresh
		// decision after cool-down expiry applies normally.
		replay := prev.ID == d.ID
		duplicate := time.Now().Before(prev.CooldownUntil) && d.SupersededID != prev.ID
		if replay || duplicate {
			e.mu.Unlock()
			res.Outcome = OutcomeSkipped
			res.SkipReason = SkipAlreadyApplied
			slog.Debug("decision already applied", "decision_id", d.ID, "dedup_key", d.DedupKey)
			return res
		}
	}
	cancel := make(chan struct{})
	e.cancels[d.ID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.cancels, d.ID)
		e.mu.Unlock()
	}()

	t := e.thresholds(d.GuildID)
	req := e.buildRequest(d, t)

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		res.Attempts = attempt

		select {
		case <-cancel:
			res.Outcome = OutcomeSkipped
			res.SkipReason = SkipSuperseded
			return res
		case <-ctx.Done():
			res.Outcome = OutcomeFailed
			res.FailureKind = FailureCancelled
			res.Err = ctx.Err().Error()
			return res
		default:
		}

		if !e.allow(d.GuildID) {
			lastErr = fmt.Errorf("guild %s rate budget exhausted", d.GuildID)
			if !e.backoff(ctx, cancel, attempt, res) {
				return res
			}
			continue
		}

		lastErr = e.execute(ctx, d, req)
		if lastErr == nil {
			res.Outcome = OutcomeApplied
			res.AppliedAt = time.Now()
			e.mu.Lock()
			e.applied[d.DedupKey] = d
			e.mu.Unlock()
			e.afterApply(d, t)
			slog.Info("decision applied",
				"decision_id", d.ID, "action", d.Action,
				"guild_id", d.GuildID, "actor_id", d.ActorID, "attempts", attempt)
			return res
		}

		if platform.IsPermanent(lastErr) {
			res.Outcome = OutcomeFailed
			res.FailureKind = FailurePermanent
			res.Err = lastErr.Error()
			e.alertFailure(d, lastErr)
			slog.Error("decision failed permanently",
				"decision_id", d.ID, "action", d.Action, "error", lastErr)
			return res
		}

		if attempt < e.config.MaxAttempts {
			if !e.backoff(ctx, cancel, attempt, res) {
				return res
			}
		}
	}

	res.Outcome = OutcomeFailed
	res.FailureKind = FailureExhausted
	res.Err = lastErr.Error()
	e.alertFailure(d, lastErr)
	slog.Error("decision failed after retries",
		"decision_id", d.ID, "action", d.Action, "attempts", res.Attempts, "error", lastErr)
	return res
}

// backoff sleeps for the attempt's jittered delay. It returns false, with
// res filled in, when the wait was interrupted.
func (e *Executor) backoff(ctx context.Context, cancel chan struct{}, attempt int, res *Result) bool {
	delay := e.config.BaseBackoff << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-cancel:
		res.Outcome = OutcomeSkipped
		res.SkipReason = SkipSuperseded
		return false
	case <-ctx.Done():
		res.Outcome = OutcomeFailed
		res.FailureKind = FailureCancelled
		res.Err = ctx.Err().Error()
		return false
	case <-e.stopCh:
		res.Outcome = OutcomeFailed
		res.FailureKind = FailureCancelled
		res.Err = "executor stopped"
		return false
	}
}

func (e *Executor) buildRequest(d *arbiter.Decision, t config.Thresholds) platform.Request {
	req := platform.Request{
		Action:  d.Action,
		GuildID: d.GuildID,
		ActorID: d.ActorID,
		Reason:  d.Reason,
	}
	switch d.Action {
	case detect.ActionMute:
		// Muted until the decision's cool-down lapses.
		req.Duration = time.Until(d.CooldownUntil)
	case detect.ActionLockdownChannel:
		req.Duration = t.LockdownDuration
	}
	return req
}

// execute performs the platform calls for one attempt.
func (e *Executor) execute(ctx context.Context, d *arbiter.Decision, req platform.Request) error {
	if d.Action != detect.ActionRevertAction {
		return e.client.ExecuteModerationAction(ctx, req)
	}

	// Revert: restore structure from the last snapshot, then ban the
	// actor responsible so the destruction cannot resume.
	snap := e.snapshot(d.GuildID)
	if snap == nil {
		var err error
		snap, err = e.client.SnapshotGuild(ctx, d.GuildID)
		if err != nil {
			return err
		}
	}
	if err := e.client.RestoreGuild(ctx, snap); err != nil {
		return err
	}
	if d.ActorID == "" {
		return nil
	}
	return e.client.ExecuteModerationAction(ctx, platform.Request{
		Action:  detect.ActionBan,
		GuildID: d.GuildID,
		ActorID: d.ActorID,
		Reason:  d.Reason,
	})
}

// afterApply schedules follow-up work for applied actions.
func (e *Executor) afterApply(d *arbiter.Decision, t config.Thresholds) {
	if d.Action != detect.ActionLockdownChannel || t.LockdownDuration <= 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(t.LockdownDuration)
		defer timer.Stop()
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.client.LiftLockdown(ctx, d.GuildID, ""); err != nil {
			slog.Error("failed to lift lockdown", "guild_id", d.GuildID, "error", err)
			return
		}
		slog.Info("lockdown lifted", "guild_id", d.GuildID, "after", t.LockdownDuration)
	}()
}

func (e *Executor) alertFailure(d *arbiter.Decision, err error) {
	if e.alerts == nil {
		return
	}
	e.alerts.Notify(&alert.Alert{
		Kind:    alert.KindSecurity,
		Title:   fmt.Sprintf("moderation action %s failed", d.Action),
		Detail:  err.Error(),
		GuildID: d.GuildID,
		ActorID: d.ActorID,
		Metadata: map[string]any{
			"decision_id": d.ID.String(),
			"severity":    d.Severity.String(),
		},
	})
}

// allow charges one platform call against the guild's rate budget.
func (e *Executor) allow(guildID string) bool {
	e.mu.Lock()
	lim, ok := e.limiters[guildID]
	if !ok {
		lim, _ = slidingwindow.NewLimiter(e.config.RateWindow, e.config.RateLimit,
			func() (slidingwindow.Window, slidingwindow.StopFunc) {
				return slidingwindow.NewLocalWindow()
			})
		e.limiters[guildID] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}

// RefreshSnapshot captures and caches a guild restore point.
func (e *Executor) RefreshSnapshot(ctx context.Context, guildID string) error {
	snap, err := e.client.SnapshotGuild(ctx, guildID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.snapshots[guildID] = snap
	e.mu.Unlock()
	return nil
}

func (e *Executor) snapshot(guildID string) *platform.GuildSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshots[guildID]
}
