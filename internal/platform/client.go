// Package platform abstracts the chat platform's moderation API behind a
// narrow client interface, with a Discord implementation and an in-memory
// fake for tests. All failures are classified transient or permanent so the
// executor knows whether to retry.
package platform

import (
	"context"
	"time"

	"chatguard/internal/detect"
)

// Request describes one moderation action against the platform.
type Request struct {
	Action    detect.Action `json:"action"`
	GuildID   string        `json:"guild_id"`
	ActorID   string        `json:"actor_id"`
	ChannelID string        `json:"channel_id,omitempty"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration,omitempty"` // mute / lockdown length
}

// ChannelSnapshot captures enough channel state to recreate it.
type ChannelSnapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Topic    string `json:"topic,omitempty"`
	Position int    `json:"position"`
	ParentID string `json:"parent_id,omitempty"`
}

// RoleSnapshot captures enough role state to recreate it.
type RoleSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Permissions int64  `json:"permissions"`
	Position    int    `json:"position"`
}

// GuildSnapshot is the restore point used by revert actions.
type GuildSnapshot struct {
	GuildID  string            `json:"guild_id"`
	TakenAt  time.Time         `json:"taken_at"`
	Channels []ChannelSnapshot `json:"channels"`
	Roles    []RoleSnapshot    `json:"roles"`
}

// Client is the moderation surface the executor drives. Implementations
// must be safe for concurrent use.
type Client interface {
	// ExecuteModerationAction applies one action. Errors are classified
	// into TransientError or PermanentError.
	ExecuteModerationAction(ctx context.Context, req Request) error

	// SnapshotGuild captures current channel and role structure.
	SnapshotGuild(ctx context.Context, guildID string) (*GuildSnapshot, error)

	// RestoreGuild recreates structure missing relative to the snapshot.
	RestoreGuild(ctx context.Context, snap *GuildSnapshot) error

	// LiftLockdown reverses a channel lockdown.
	LiftLockdown(ctx context.Context, guildID, channelID string) error
}
