package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatguard/internal/detect"
)

// DiscordClient implements Client on a discordgo session.
type DiscordClient struct {
	session *discordgo.Session
}

// NewDiscordClient wraps an already-opened session.
func NewDiscordClient(session *discordgo.Session) *DiscordClient {
	return &DiscordClient{session: session}
}

// Dial creates and opens a Discord session with the intents the detectors
// need: guild messages, members and moderation events.
func Dial(token string) (*DiscordClient, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, &PermanentError{Op: "dial", Err: err}
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildModeration |
		discordgo.IntentMessageContent
	if err := session.Open(); err != nil {
		return nil, classify("dial", err)
	}
	return &DiscordClient{session: session}, nil
}

// Session exposes the underlying session for gateway handler registration.
func (c *DiscordClient) Session() *discordgo.Session { return c.session }

// Close closes the gateway connection.
func (c *DiscordClient) Close() error { return c.session.Close() }

// ExecuteModerationAction implements Client.
func (c *DiscordClient) ExecuteModerationAction(ctx context.Context, req Request) error {
	switch req.Action {
	case detect.ActionWarn:
		return c.warn(ctx, req)
	case detect.ActionMute:
		return c.mute(ctx, req)
	case detect.ActionKick:
		return classify("kick", c.session.GuildMemberDeleteWithReason(
			req.GuildID, req.ActorID, req.Reason, discordgo.WithContext(ctx)))
	case detect.ActionBan:
		return classify("ban", c.session.GuildBanCreateWithReason(
			req.GuildID, req.ActorID, req.Reason, 0, discordgo.WithContext(ctx)))
	case detect.ActionLockdownChannel:
		return c.lockdown(ctx, req)
	case detect.ActionRevertAction:
		// Reverting requires a snapshot; the executor calls RestoreGuild
		// directly with one. Reaching here without it is a caller bug.
		return &PermanentError{Op: "revert", Err: fmt.Errorf("revert requires a guild snapshot")}
	}
	return &PermanentError{Op: "execute", Err: fmt.Errorf("unknown action %q", req.Action)}
}

func (c *DiscordClient) warn(ctx context.Context, req Request) error {
	dm, err := c.session.UserChannelCreate(req.ActorID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("warn", err)
	}
	msg := fmt.Sprintf("You have been warned in this server: %s", req.Reason)
	_, err = c.session.ChannelMessageSend(dm.ID, msg, discordgo.WithContext(ctx))
	return classify("warn", err)
}

func (c *DiscordClient) mute(ctx context.Context, req Request) error {
	d := req.Duration
	if d <= 0 {
		d = 10 * time.Minute
	}
	until := time.Now().Add(d)
	return classify("mute", c.session.GuildMemberTimeout(
		req.GuildID, req.ActorID, &until, discordgo.WithContext(ctx)))
}

// lockdown denies send-message for @everyone on the target channel, or on
// every text channel when no channel is named.
func (c *DiscordClient) lockdown(ctx context.Context, req Request) error {
	channels := []string{req.ChannelID}
	if req.ChannelID == "" {
		all, err := c.session.GuildChannels(req.GuildID, discordgo.WithContext(ctx))
		if err != nil {
			return classify("lockdown", err)
		}
		channels = channels[:0]
		for _, ch := range all {
			if ch.Type == discordgo.ChannelTypeGuildText {
				channels = append(channels, ch.ID)
			}
		}
	}

	for _, id := range channels {
		// The @everyone role shares the guild's ID.
		err := c.session.ChannelPermissionSet(id, req.GuildID,
			discordgo.PermissionOverwriteTypeRole, 0, discordgo.PermissionSendMessages,
			discordgo.WithContext(ctx))
		if err != nil {
			return classify("lockdown", err)
		}
	}
	slog.Info("channels locked down", "guild_id", req.GuildID, "channels", len(channels))
	return nil
}

// LiftLockdown implements Client.
func (c *DiscordClient) LiftLockdown(ctx context.Context, guildID, channelID string) error {
	channels := []string{channelID}
	if channelID == "" {
		all, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return classify("lift_lockdown", err)
		}
		channels = channels[:0]
		for _, ch := range all {
			if ch.Type == discordgo.ChannelTypeGuildText {
				channels = append(channels, ch.ID)
			}
		}
	}
	for _, id := range channels {
		if err := c.session.ChannelPermissionDelete(id, guildID, discordgo.WithContext(ctx)); err != nil {
			return classify("lift_lockdown", err)
		}
	}
	return nil
}

// SnapshotGuild implements Client.
func (c *DiscordClient) SnapshotGuild(ctx context.Context, guildID string) (*GuildSnapshot, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("snapshot", err)
	}
	roles, err := c.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("snapshot", err)
	}

	snap := &GuildSnapshot{GuildID: guildID, TakenAt: time.Now()}
	for _, ch := range channels {
		snap.Channels = append(snap.Channels, ChannelSnapshot{
			ID:       ch.ID,
			Name:     ch.Name,
			Type:     int(ch.Type),
			Topic:    ch.Topic,
			Position: ch.Position,
			ParentID: ch.ParentID,
		})
	}
	for _, r := range roles {
		snap.Roles = append(snap.Roles, RoleSnapshot{
			ID:          r.ID,
			Name:        r.Name,
			Color:       r.Color,
			Permissions: r.Permissions,
			Position:    r.Position,
		})
	}
	return snap, nil
}

// RestoreGuild implements Client. Channels and roles present in the
// snapshot but missing from the guild are recreated; nothing is deleted.
func (c *DiscordClient) RestoreGuild(ctx context.Context, snap *GuildSnapshot) error {
	current, err := c.session.GuildChannels(snap.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("restore", err)
	}
	have := make(map[string]bool, len(current))
	for _, ch := range current {
		have[ch.Name] = true
	}

	restored := 0
	for _, ch := range snap.Channels {
		if have[ch.Name] {
			continue
		}
		_, err := c.session.GuildChannelCreateComplex(snap.GuildID, discordgo.GuildChannelCreateData{
			Name:     ch.Name,
			Type:     discordgo.ChannelType(ch.Type),
			Topic:    ch.Topic,
			Position: ch.Position,
			ParentID: ch.ParentID,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return classify("restore", err)
		}
		restored++
	}

	roles, err := c.session.GuildRoles(snap.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("restore", err)
	}
	haveRole := make(map[string]bool, len(roles))
	for _, r := range roles {
		haveRole[r.Name] = true
	}
	for _, r := range snap.Roles {
		if haveRole[r.Name] {
			continue
		}
		color := r.Color
		perms := r.Permissions
		_, err := c.session.GuildRoleCreate(snap.GuildID, &discordgo.RoleParams{
			Name:        r.Name,
			Color:       &color,
			Permissions: &perms,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return classify("restore", err)
		}
		restored++
	}

	slog.Info("guild structure restored",
		"guild_id", snap.GuildID, "recreated", restored, "snapshot_age", time.Since(snap.TakenAt))
	return nil
}
