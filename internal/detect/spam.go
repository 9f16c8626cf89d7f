package detect

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/logging"
	"chatguard/internal/schema"
	"chatguard/internal/state"
)

// SpamDetector flags actors exceeding message-rate, near-duplicate-content
// or mention thresholds within a sliding window.
type SpamDetector struct {
	store      state.Store
	thresholds func(guildID string) config.Thresholds

	mu       sync.Mutex
	lastWarn map[string]time.Time // guild|actor -> last warn suggestion
}

// NewSpamDetector creates a spam detector reading thresholds per event so
// per-guild overrides and hot reloads apply immediately.
func NewSpamDetector(store state.Store, thresholds func(string) config.Thresholds) *SpamDetector {
	return &SpamDetector{
		store:      store,
		thresholds: thresholds,
		lastWarn:   make(map[string]time.Time),
	}
}

// Name returns the detector name.
func (d *SpamDetector) Name() string { return "spam" }

// Consume evaluates a message event. Non-message events are ignored.
func (d *SpamDetector) Consume(ctx context.Context, event *schema.Event) (*Verdict, error) {
	if event.Kind != schema.KindMessage {
		return nil, nil
	}

	t := d.thresholds(event.GuildID)

	if err := d.store.RecordMessage(ctx, event.GuildID, event.ActorID, state.Message{
		Timestamp: event.Timestamp,
		ChannelID: event.Payload.ChannelID,
		Text:      event.Payload.Text,
	}); err != nil {
		return nil, &InternalError{Detector: d.Name(), Err: err}
	}
	if err := d.store.Record(ctx, event.GuildID, event.ActorID, state.MetricMessages, event.Timestamp, 1); err != nil {
		return nil, &InternalError{Detector: d.Name(), Err: err}
	}

	count, err := d.store.CountInWindow(ctx, event.GuildID, event.ActorID, state.MetricMessages, t.SpamWindow)
	if err != nil {
		// Storage outage: treat as below threshold, never above.
		count = 0
	}

	msgs, err := d.store.RecentMessages(ctx, event.GuildID, event.ActorID, t.SpamWindow)
	if err != nil {
		msgs = nil
	}
	dupRatio := duplicateRatio(msgs)

	var causes []string
	severity := Severity(0)

	if count >= t.SpamHighCount {
		severity = SeverityHigh
		causes = append(causes, fmt.Sprintf("message rate %d/%s", count, t.SpamWindow))
	} else if count >= t.SpamMediumCount {
		severity = SeverityMedium
		causes = append(causes, fmt.Sprintf("elevated message rate %d/%s", count, t.SpamWindow))
	}

	if len(msgs) >= t.DuplicateMinMsgs && dupRatio >= t.DuplicateRatio {
		// Both causes can fire on the same message: report once at the
		// higher severity with both causes in the reason.
		if severity < SeverityHigh {
			severity = SeverityHigh
		}
		sample := logging.TruncateContent(msgs[len(msgs)-1].Text, 48)
		causes = append(causes, fmt.Sprintf("duplicate content ratio %.2f, sample %q", dupRatio, sample))
	}

	if event.Payload.MentionCount >= t.MentionLimit && t.MentionLimit > 0 {
		if severity < SeverityMedium {
			severity = SeverityMedium
		}
		causes = append(causes, fmt.Sprintf("mention spam (%d mentions)", event.Payload.MentionCount))
	}

	if severity == 0 {
		return nil, nil
	}

	evidence, err := d.store.Snapshot(ctx, event.GuildID, event.ActorID)
	if err != nil {
		evidence = state.Evidence{GuildID: event.GuildID, ActorID: event.ActorID, TakenAt: event.Timestamp}
	}
	evidence.Messages = msgs

	return &Verdict{
		Detector:        d.Name(),
		GuildID:         event.GuildID,
		ActorID:         event.ActorID,
		Severity:        severity,
		Reason:          strings.Join(causes, "; "),
		SuggestedAction: d.suggestAction(event.GuildID, event.ActorID, severity, t),
		Evidence:        evidence,
		Timestamp:       event.Timestamp,
	}, nil
}

// suggestAction applies warn-first handling: a Medium first offence gets a
// warning; repeats inside the warn cool-down, and High verdicts, get muted.
func (d *SpamDetector) suggestAction(guildID, actorID string, severity Severity, t config.Thresholds) Action {
	if severity >= SeverityHigh {
		return ActionMute
	}

	key := guildID + "|" + actorID
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastWarn[key]; ok && now.Sub(last) < t.WarnCooldown {
		return ActionMute
	}
	d.lastWarn[key] = now
	return ActionWarn
}

// duplicateRatio computes the share of messages whose normalized text
// repeats an earlier message in the window.
func duplicateRatio(msgs []state.Message) float64 {
	if len(msgs) < 2 {
		return 0
	}
	seen := make(map[uint64]int, len(msgs))
	dups := 0
	for _, m := range msgs {
		h := normalizeHash(m.Text)
		if seen[h] > 0 {
			dups++
		}
		seen[h]++
	}
	return float64(dups) / float64(len(msgs))
}

// normalizeHash hashes text case-folded with whitespace collapsed, so
// trivial variations still count as duplicates.
func normalizeHash(text string) uint64 {
	h := fnv.New64a()
	fields := strings.Fields(strings.ToLower(text))
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{' '})
	}
	return h.Sum64()
}
