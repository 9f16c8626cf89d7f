// Package arbiter merges concurrent detector verdicts into single moderation
// decisions. Verdicts for the same (guild, actor) are collected for a short
// correlation window, merged by max severity with a fixed action-priority
// tie-break, and deduplicated against active decisions so one incident
// produces one decision.
package arbiter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/config"
	"chatguard/internal/detect"
)

// Decision is the arbiter's merged judgment for one incident. Handlers
// receive stable copies; the arbiter's own record may absorb late
// coalesced verdicts while the decision is active.
type Decision struct {
	ID            uuid.UUID         `json:"id"`
	GuildID       string            `json:"guild_id"`
	ActorID       string            `json:"actor_id"`
	Action        detect.Action     `json:"action"`
	Severity      detect.Severity   `json:"severity"`
	Reason        string            `json:"reason"`
	Verdicts      []*detect.Verdict `json:"verdicts"`
	DedupKey      string            `json:"dedup_key"`
	SupersededID  uuid.UUID         `json:"superseded_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CooldownUntil time.Time         `json:"cooldown_until"`
}

// snapshot copies the decision for readers outside the arbiter's lock.
// The active table keeps the original, whose Verdicts may still grow as
// late verdicts coalesce in.
func (d *Decision) snapshot() *Decision {
	c := *d
	c.Verdicts = append([]*detect.Verdict(nil), d.Verdicts...)
	return &c
}

// ActionClass groups actions whose active decisions suppress each other:
// restraints against a single actor, guild lockdowns, and reverts.
func ActionClass(a detect.Action) string {
	switch a {
	case detect.ActionLockdownChannel:
		return "lockdown"
	case detect.ActionRevertAction:
		return "revert"
	default:
		return "restraint"
	}
}

// DedupKey builds the unique-active key for a decision.
func DedupKey(guildID, actorID string, action detect.Action) string {
	return strings.Join([]string{guildID, actorID, ActionClass(action)}, "|")
}

// DecisionHandler receives finalized decisions in per-(guild,actor)
// finalization order.
type DecisionHandler func(context.Context, *Decision) error

// SupersedeHandler is notified when a stronger decision replaces an active
// one, so in-flight work for the old decision can be cancelled.
type SupersedeHandler func(old, new *Decision)

// Config configures the arbiter.
type Config struct {
	CorrelationWindow time.Duration // how long to wait for more verdicts
	DetectorCount     int           // registered detectors; full coverage closes a group early
	SweepInterval     time.Duration // pending-group and active-decision sweep cadence
}

// DefaultConfig returns default arbiter configuration.
func DefaultConfig() Config {
	return Config{
		CorrelationWindow: 2 * time.Second,
		DetectorCount:     4,
		SweepInterval:     500 * time.Millisecond,
	}
}

// pendingGroup accumulates verdicts for one (guild, actor) until its
// deadline passes or every detector has reported.
type pendingGroup struct {
	guildID  string
	actorID  string
	verdicts []*detect.Verdict
	reported map[string]bool
	deadline time.Time
}

// Arbiter collects verdicts and emits decisions.
type Arbiter struct {
	config     Config
	thresholds func(guildID string) config.Thresholds
	handlers   []DecisionHandler
	superseded []SupersedeHandler

	mu      sync.Mutex
	pending map[string]*pendingGroup // guild|actor
	active  map[string]*Decision     // dedup key

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates an arbiter. thresholds supplies per-guild cool-down durations.
func New(cfg Config, thresholds func(string) config.Thresholds) *Arbiter {
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = DefaultConfig().CorrelationWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Arbiter{
		config:     cfg,
		thresholds: thresholds,
		pending:    make(map[string]*pendingGroup),
		active:     make(map[string]*Decision),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// AddHandler registers a decision handler.
func (a *Arbiter) AddHandler(h DecisionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// AddSupersedeHandler registers a supersede notification hook.
func (a *Arbiter) AddSupersedeHandler(h SupersedeHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.superseded = append(a.superseded, h)
}

// Start launches the group sweeper.
func (a *Arbiter) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.sweeper(ctx)
	slog.Info("arbiter started",
		"correlation_window", a.config.CorrelationWindow,
		"detector_count", a.config.DetectorCount)
}

// Stop flushes pending groups and stops the sweeper.
func (a *Arbiter) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.Flush(context.Background())
	slog.Info("arbiter stopped")
}

// Submit feeds one detector verdict. The group for the verdict's
// (guild, actor) closes early once every registered detector has reported.
func (a *Arbiter) Submit(ctx context.Context, v *detect.Verdict) {
	if v == nil {
		return
	}

	a.mu.Lock()
	key := v.GuildID + "|" + v.ActorID
	g, ok := a.pending[key]
	if !ok {
		g = &pendingGroup{
			guildID:  v.GuildID,
			actorID:  v.ActorID,
			reported: make(map[string]bool),
			deadline: a.now().Add(a.config.CorrelationWindow),
		}
		a.pending[key] = g
	}
	g.verdicts = append(g.verdicts, v)
	g.reported[v.Detector] = true

	complete := a.config.DetectorCount > 0 && len(g.reported) >= a.config.DetectorCount
	if complete {
		delete(a.pending, key)
	}
	a.mu.Unlock()

	if complete {
		a.finalize(ctx, g)
	}
}

// Flush finalizes every pending group regardless of deadline.
func (a *Arbiter) Flush(ctx context.Context) {
	a.mu.Lock()
	groups := make([]*pendingGroup, 0, len(a.pending))
	for key, g := range a.pending {
		groups = append(groups, g)
		delete(a.pending, key)
	}
	a.mu.Unlock()

	for _, g := range groups {
		a.finalize(ctx, g)
	}
}

// Active returns a copy of the active decision for a dedup key, or nil
// when none or its cool-down already expired.
func (a *Arbiter) Active(dedupKey string) *Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.active[dedupKey]
	if !ok || a.now().After(d.CooldownUntil) {
		return nil
	}
	return d.snapshot()
}

func (a *Arbiter) sweeper(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// sweep finalizes groups past their deadline and drops expired actives.
func (a *Arbiter) sweep(ctx context.Context) {
	now := a.now()

	a.mu.Lock()
	var due []*pendingGroup
	for key, g := range a.pending {
		if now.After(g.deadline) {
			due = append(due, g)
			delete(a.pending, key)
		}
	}
	for key, d := range a.active {
		if now.After(d.CooldownUntil) {
			delete(a.active, key)
		}
	}
	a.mu.Unlock()

	for _, g := range due {
		a.finalize(ctx, g)
	}
}

// finalize merges a group's verdicts into a decision and resolves it
// against the active-decision table.
func (a *Arbiter) finalize(ctx context.Context, g *pendingGroup) {
	if len(g.verdicts) == 0 {
		return
	}

	merged := merge(g.verdicts)
	now := a.now()
	t := a.thresholds(g.guildID)

	decision := &Decision{
		ID:            uuid.New(),
		GuildID:       g.guildID,
		ActorID:       g.actorID,
		Action:        merged.SuggestedAction,
		Severity:      merged.Severity,
		Reason:        mergedReason(g.verdicts),
		Verdicts:      g.verdicts,
		DedupKey:      DedupKey(g.guildID, g.actorID, merged.SuggestedAction),
		CreatedAt:     now,
		CooldownUntil: now.Add(cooldownFor(merged.Severity, t)),
	}

	a.mu.Lock()
	old, exists := a.active[decision.DedupKey]
	if exists && now.After(old.CooldownUntil) {
		exists = false
	}
	if exists && old.Severity >= decision.Severity {
		// An equal-or-stronger decision is already active for this key:
		// coalesce the late verdicts into its evidence, emit nothing.
		old.Verdicts = append(old.Verdicts, g.verdicts...)
		a.mu.Unlock()
		slog.Debug("verdicts coalesced into active decision",
			"decision_id", old.ID, "guild_id", g.guildID, "actor_id", g.actorID)
		return
	}
	if exists {
		// Supersede upward only.
		decision.SupersededID = old.ID
	}
	a.active[decision.DedupKey] = decision
	// Handlers run unlocked, so hand them a copy: the stored decision keeps
	// absorbing coalesced verdicts under the lock.
	emitted := decision.snapshot()
	handlers := a.handlers
	superseded := a.superseded
	a.mu.Unlock()

	if exists {
		for _, h := range superseded {
			h(old, emitted)
		}
		slog.Info("decision superseded",
			"old_id", old.ID, "new_id", decision.ID,
			"old_severity", old.Severity.String(), "new_severity", decision.Severity.String())
	}

	slog.Info("decision finalized",
		"decision_id", emitted.ID,
		"guild_id", emitted.GuildID,
		"actor_id", emitted.ActorID,
		"action", emitted.Action,
		"severity", emitted.Severity.String(),
		"verdicts", len(emitted.Verdicts))

	for _, h := range handlers {
		if err := h(ctx, emitted); err != nil {
			slog.Error("decision handler failed", "decision_id", emitted.ID, "error", err)
		}
	}
}

// merge picks the verdict carrying the final severity and action: max
// severity, ties broken by the fixed action priority.
func merge(verdicts []*detect.Verdict) *detect.Verdict {
	best := verdicts[0]
	for _, v := range verdicts[1:] {
		if v.Severity > best.Severity {
			best = v
			continue
		}
		if v.Severity == best.Severity &&
			v.SuggestedAction.Priority() > best.SuggestedAction.Priority() {
			best = v
		}
	}
	return best
}

func mergedReason(verdicts []*detect.Verdict) string {
	parts := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		parts = append(parts, v.Detector+": "+v.Reason)
	}
	return strings.Join(parts, " | ")
}

func cooldownFor(s detect.Severity, t config.Thresholds) time.Duration {
	switch s {
	case detect.SeverityCritical:
		return t.CooldownCritical
	case detect.SeverityHigh:
		return t.CooldownHigh
	case detect.SeverityMedium:
		return t.CooldownMedium
	default:
		return t.CooldownLow
	}
}
