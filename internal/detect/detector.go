// Package detect implements the independent abuse detectors: Spam, Raid,
// Nuke and ContentRisk. Each detector consumes normalized events, reads the
// actor-state store, and produces at most one verdict per event. Detectors
// never share mutable state with each other.
package detect

import (
	"context"
	"fmt"
	"time"

	"chatguard/internal/schema"
	"chatguard/internal/state"
)

// Severity grades a verdict.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Action is a suggested mitigation.
type Action string

const (
	ActionWarn            Action = "warn"
	ActionMute            Action = "mute"
	ActionKick            Action = "kick"
	ActionBan             Action = "ban"
	ActionLockdownChannel Action = "lockdown_channel"
	ActionRevertAction    Action = "revert_action"
)

// Priority returns the fixed conflict-resolution rank: RevertAction >
// LockdownChannel > Ban > Kick > Mute > Warn.
func (a Action) Priority() int {
	switch a {
	case ActionRevertAction:
		return 6
	case ActionLockdownChannel:
		return 5
	case ActionBan:
		return 4
	case ActionKick:
		return 3
	case ActionMute:
		return 2
	case ActionWarn:
		return 1
	}
	return 0
}

// Verdict is a single detector's judgment. Immutable once produced.
type Verdict struct {
	Detector        string         `json:"detector"`
	GuildID         string         `json:"guild_id"`
	ActorID         string         `json:"actor_id"`
	Severity        Severity       `json:"severity"`
	Reason          string         `json:"reason"`
	SuggestedAction Action         `json:"suggested_action"`
	Evidence        state.Evidence `json:"evidence"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Detector consumes a normalized event and produces zero or one verdict.
// A detector failure is isolated to that detector: the caller counts it
// toward the watchdog's error rate and keeps processing.
type Detector interface {
	Name() string
	Consume(ctx context.Context, event *schema.Event) (*Verdict, error)
}

// InternalError marks a detector-local failure (e.g. a scoring function
// error) that must not abort the pipeline.
type InternalError struct {
	Detector string
	Err      error
}

// Error returns the error message.
func (e *InternalError) Error() string {
	return fmt.Sprintf("detector %s: %v", e.Detector, e.Err)
}

// Unwrap returns the underlying error.
func (e *InternalError) Unwrap() error {
	return e.Err
}
