package detect

import (
	"context"
	"fmt"
	"strings"

	"chatguard/internal/config"
	"chatguard/internal/schema"
	"chatguard/internal/state"
)

// Scorer rates message text for content risk on [0,1]. The scoring
// algorithm is external and replaceable; the detector owns only the
// threshold-to-severity mapping and evidence capture.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, text string) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}

// HeuristicScorer is the default scorer: suspicious links, scam keywords
// and low character diversity each add risk. It stands in for an external
// model and keeps the detector testable offline.
type HeuristicScorer struct{}

var scamKeywords = []string{"free nitro", "steam gift", "airdrop", "claim your", "@everyone http"}

// Score implements Scorer.
func (HeuristicScorer) Score(ctx context.Context, text string) (float64, error) {
	if text == "" {
		return 0, nil
	}
	lower := strings.ToLower(text)

	score := 0.0
	if strings.Contains(lower, "http") {
		score += 0.3
		for _, domain := range []string{"discord.gg", "invite", "nitro"} {
			if strings.Contains(lower, domain) {
				score += 0.2
				break
			}
		}
	}
	for _, kw := range scamKeywords {
		if strings.Contains(lower, kw) {
			score += 0.4
			break
		}
	}
	if len(text) > 50 && characterDiversity(text) < 0.5 {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func characterDiversity(text string) float64 {
	seen := make(map[rune]struct{}, len(text))
	total := 0
	for _, r := range text {
		seen[r] = struct{}{}
		total++
	}
	if total == 0 {
		return 1
	}
	return float64(len(seen)) / float64(total)
}

// ContentRiskDetector delegates to a pluggable scorer and maps score bands
// to Low/Medium verdicts.
type ContentRiskDetector struct {
	store      state.Store
	thresholds func(guildID string) config.Thresholds
	scorer     Scorer
}

// NewContentRiskDetector creates a content-risk detector. A nil scorer uses
// the built-in heuristic.
func NewContentRiskDetector(store state.Store, thresholds func(string) config.Thresholds, scorer Scorer) *ContentRiskDetector {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &ContentRiskDetector{store: store, thresholds: thresholds, scorer: scorer}
}

// Name returns the detector name.
func (d *ContentRiskDetector) Name() string { return "content_risk" }

// Consume scores a message event. Scorer failures are detector-internal:
// they surface as InternalError and never abort the pipeline.
func (d *ContentRiskDetector) Consume(ctx context.Context, event *schema.Event) (*Verdict, error) {
	if event.Kind != schema.KindMessage || event.Payload.Text == "" {
		return nil, nil
	}

	t := d.thresholds(event.GuildID)

	score, err := d.scorer.Score(ctx, event.Payload.Text)
	if err != nil {
		return nil, &InternalError{Detector: d.Name(), Err: err}
	}
	if score < t.ContentLowBand {
		return nil, nil
	}

	severity := SeverityLow
	action := ActionWarn
	if score >= t.ContentHighBand {
		severity = SeverityMedium
		action = ActionMute
	}

	evidence, err := d.store.Snapshot(ctx, event.GuildID, event.ActorID)
	if err != nil {
		evidence = state.Evidence{GuildID: event.GuildID, ActorID: event.ActorID, TakenAt: event.Timestamp}
	}
	// Always capture the scored message itself.
	evidence.Messages = append(evidence.Messages, state.Message{
		Timestamp: event.Timestamp,
		ChannelID: event.Payload.ChannelID,
		Text:      event.Payload.Text,
	})

	return &Verdict{
		Detector:        d.Name(),
		GuildID:         event.GuildID,
		ActorID:         event.ActorID,
		Severity:        severity,
		Reason:          fmt.Sprintf("content risk score %.2f", score),
		SuggestedAction: action,
		Evidence:        evidence,
		Timestamp:       event.Timestamp,
	}, nil
}
