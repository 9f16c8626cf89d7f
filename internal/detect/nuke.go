package detect

import (
	"context"
	"fmt"

	"chatguard/internal/config"
	"chatguard/internal/schema"
	"chatguard/internal/state"
)

// NukeDetector tracks destructive-action velocity per actor over a short
// window. Nuke damage is front-loaded, so the detector fires Critical on the
// second qualifying action rather than waiting out a longer window.
type NukeDetector struct {
	store      state.Store
	thresholds func(guildID string) config.Thresholds
}

// NewNukeDetector creates a nuke detector.
func NewNukeDetector(store state.Store, thresholds func(string) config.Thresholds) *NukeDetector {
	return &NukeDetector{store: store, thresholds: thresholds}
}

// Name returns the detector name.
func (d *NukeDetector) Name() string { return "nuke" }

// Consume evaluates a destructive event. Other kinds are ignored.
func (d *NukeDetector) Consume(ctx context.Context, event *schema.Event) (*Verdict, error) {
	if !event.Kind.IsDestructive() || event.ActorID == "" {
		return nil, nil
	}

	t := d.thresholds(event.GuildID)

	// Mass actions count once per affected target.
	weight := 1
	if event.Kind == schema.KindMassAction && event.Payload.TargetCount > 1 {
		weight = event.Payload.TargetCount
	}

	if err := d.store.Record(ctx, event.GuildID, event.ActorID, state.MetricDestructive, event.Timestamp, weight); err != nil {
		return nil, &InternalError{Detector: d.Name(), Err: err}
	}

	count, err := d.store.CountInWindow(ctx, event.GuildID, event.ActorID, state.MetricDestructive, t.NukeWindow)
	if err != nil {
		// Storage outage: below threshold, never above.
		return nil, nil
	}
	if count < t.NukeThreshold {
		return nil, nil
	}

	evidence, err := d.store.Snapshot(ctx, event.GuildID, event.ActorID)
	if err != nil {
		evidence = state.Evidence{GuildID: event.GuildID, ActorID: event.ActorID, TakenAt: event.Timestamp}
	}

	return &Verdict{
		Detector: d.Name(),
		GuildID:  event.GuildID,
		ActorID:  event.ActorID,
		Severity: SeverityCritical,
		Reason: fmt.Sprintf("destructive-action velocity: %d actions within %s (threshold %d), latest %s",
			count, t.NukeWindow, t.NukeThreshold, event.Kind),
		SuggestedAction: ActionRevertAction,
		Evidence:        evidence,
		Timestamp:       event.Timestamp,
	}, nil
}
