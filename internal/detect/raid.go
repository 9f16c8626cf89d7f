package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/schema"
	"chatguard/internal/state"
)

// AccountScorer judges whether a joining account looks suspicious
// (throwaway/bot-farm traits). Pluggable so operators can swap heuristics.
type AccountScorer interface {
	Suspicious(event *schema.Event, minAccountAge time.Duration) bool
}

// DefaultAccountScorer flags accounts younger than the minimum age or
// without a custom avatar.
type DefaultAccountScorer struct{}

// Suspicious implements AccountScorer.
func (DefaultAccountScorer) Suspicious(event *schema.Event, minAccountAge time.Duration) bool {
	if event.Payload.AccountAge > 0 && event.Payload.AccountAge < minAccountAge {
		return true
	}
	return !event.Payload.HasAvatar
}

type joinSample struct {
	ts         time.Time
	suspicious bool
}

// RaidDetector tracks join velocity per guild. Join bursts exceeding the
// threshold produce a guild-wide lockdown verdict, escalating to Critical
// when the suspicious-account ratio among recent joiners is high.
type RaidDetector struct {
	store      state.Store
	thresholds func(guildID string) config.Thresholds
	scorer     AccountScorer

	mu        sync.Mutex
	joins     map[string][]joinSample // guildID -> recent joins
	lastSweep time.Time
}

// NewRaidDetector creates a raid detector. A nil scorer uses the default
// account heuristic.
func NewRaidDetector(store state.Store, thresholds func(string) config.Thresholds, scorer AccountScorer) *RaidDetector {
	if scorer == nil {
		scorer = DefaultAccountScorer{}
	}
	return &RaidDetector{
		store:      store,
		thresholds: thresholds,
		scorer:     scorer,
		joins:      make(map[string][]joinSample),
	}
}

// Name returns the detector name.
func (d *RaidDetector) Name() string { return "raid" }

// Consume evaluates a join event. Non-join events are ignored.
func (d *RaidDetector) Consume(ctx context.Context, event *schema.Event) (*Verdict, error) {
	if event.Kind != schema.KindJoin {
		return nil, nil
	}

	t := d.thresholds(event.GuildID)

	if err := d.store.Record(ctx, event.GuildID, state.GuildActor, state.MetricJoins, event.Timestamp, 1); err != nil {
		return nil, &InternalError{Detector: d.Name(), Err: err}
	}

	suspicious := d.scorer.Suspicious(event, t.MinAccountAge)
	ratio := d.trackJoin(event.GuildID, event.Timestamp, suspicious, t.JoinWindow)

	count, err := d.store.CountInWindow(ctx, event.GuildID, state.GuildActor, state.MetricJoins, t.JoinWindow)
	if err != nil {
		// Storage outage: below threshold, never above.
		return nil, nil
	}
	if count < t.JoinThreshold {
		return nil, nil
	}

	severity := SeverityHigh
	reason := fmt.Sprintf("join burst: %d joins within %s (threshold %d)", count, t.JoinWindow, t.JoinThreshold)
	if ratio >= t.SuspectRatio {
		severity = SeverityCritical
		reason += fmt.Sprintf("; suspicious-account ratio %.2f", ratio)
	}

	evidence, err := d.store.Snapshot(ctx, event.GuildID, state.GuildActor)
	if err != nil {
		evidence = state.Evidence{GuildID: event.GuildID, TakenAt: event.Timestamp}
	}

	return &Verdict{
		Detector:        d.Name(),
		GuildID:         event.GuildID,
		ActorID:         state.GuildActor, // guild-wide verdict
		Severity:        severity,
		Reason:          reason,
		SuggestedAction: ActionLockdownChannel,
		Evidence:        evidence,
		Timestamp:       event.Timestamp,
	}, nil
}

// trackJoin records a join sample and returns the suspicious ratio among
// joins inside the window.
func (d *RaidDetector) trackJoin(guildID string, ts time.Time, suspicious bool, window time.Duration) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := ts.Add(-window)
	samples := d.joins[guildID]
	kept := samples[:0]
	for _, s := range samples {
		if !s.ts.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, joinSample{ts: ts, suspicious: suspicious})
	d.joins[guildID] = kept

	// Guilds whose joins all aged out would otherwise pin a slice forever.
	if ts.Sub(d.lastSweep) >= window {
		for g, s := range d.joins {
			if g == guildID {
				continue
			}
			if len(s) == 0 || s[len(s)-1].ts.Before(cutoff) {
				delete(d.joins, g)
			}
		}
		d.lastSweep = ts
	}

	sus := 0
	for _, s := range kept {
		if s.suspicious {
			sus++
		}
	}
	return float64(sus) / float64(len(kept))
}
