// Package schema defines the canonical event algebra for ChatGuard.
// All platform events are normalized to this structure before they reach
// the detectors.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a normalized platform event.
type Kind string

const (
	KindMessage       Kind = "message"
	KindJoin          Kind = "join"
	KindChannelDelete Kind = "channel_delete"
	KindRoleDelete    Kind = "role_delete"
	KindBanCreate     Kind = "ban_create"
	KindMassAction    Kind = "mass_action"
)

// IsValid checks if the kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindMessage, KindJoin, KindChannelDelete, KindRoleDelete, KindBanCreate, KindMassAction:
		return true
	}
	return false
}

// IsDestructive reports whether events of this kind count toward
// destructive-action velocity.
func (k Kind) IsDestructive() bool {
	switch k {
	case KindChannelDelete, KindRoleDelete, KindBanCreate, KindMassAction:
		return true
	}
	return false
}

// Event is the canonical normalized event. Events are immutable once
// produced by the normalizer.
type Event struct {
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	GuildID   string    `json:"guild_id" validate:"required,max=64"`
	ActorID   string    `json:"actor_id" validate:"max=64"`
	Kind      Kind      `json:"kind" validate:"required,event_kind"`
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// ReceivedAt is the local receipt time, used when the platform supplies
	// no timestamp and for ingest lag measurement.
	ReceivedAt time.Time `json:"received_at"`

	Payload Payload `json:"payload"`
}

// Payload carries kind-specific event data. Only the fields relevant to the
// event's kind are populated.
type Payload struct {
	// Message events.
	Text         string `json:"text,omitempty" validate:"max=8192"`
	ChannelID    string `json:"channel_id,omitempty" validate:"max=64"`
	MentionCount int    `json:"mention_count,omitempty" validate:"min=0"`
	HasLink      bool   `json:"has_link,omitempty"`

	// Join events.
	AccountAge time.Duration `json:"account_age,omitempty"`
	HasAvatar  bool          `json:"has_avatar,omitempty"`

	// Destructive events.
	TargetCount int      `json:"target_count,omitempty" validate:"min=0"`
	AffectedIDs []string `json:"affected_ids,omitempty" validate:"max=256,dive,max=64"`
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
