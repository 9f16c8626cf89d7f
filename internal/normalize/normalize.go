// Package normalize converts raw gateway events into the canonical event
// schema the detectors consume. Normalization is pure lookup-free field
// mapping, except destructive events, whose responsible actor is resolved
// through a pluggable audit-log resolver.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"chatguard/internal/schema"
)

// ErrUnrecognizedEvent marks gateway payloads the engine does not consume.
var ErrUnrecognizedEvent = errors.New("unrecognized event type")

// discordEpoch is the Discord snowflake epoch in milliseconds.
const discordEpoch = 1420070400000

// ActorResolver attributes a destructive event to the actor who caused
// it. Gateway events for deletions do not carry the perpetrator; the
// Discord implementation consults the guild audit log.
type ActorResolver interface {
	ResolveActor(ctx context.Context, guildID string, kind schema.Kind) (string, error)
}

// Normalizer maps gateway payloads onto schema.Event and validates them.
type Normalizer struct {
	resolver  ActorResolver
	validator *schema.Validator
}

// New creates a normalizer. resolver may be nil; destructive events then
// normalize with an empty actor and fail validation upstream.
func New(resolver ActorResolver) *Normalizer {
	return &Normalizer{
		resolver:  resolver,
		validator: schema.NewValidator(),
	}
}

// Normalize converts one raw gateway payload. Unknown payload types return
// ErrUnrecognizedEvent.
func (n *Normalizer) Normalize(ctx context.Context, raw any) (*schema.Event, error) {
	received := time.Now().UTC()

	var (
		event *schema.Event
		err   error
	)
	switch m := raw.(type) {
	case *discordgo.MessageCreate:
		event, err = n.normalizeMessage(m, received)
	case *discordgo.GuildMemberAdd:
		event, err = n.normalizeJoin(m, received)
	case *discordgo.ChannelDelete:
		event, err = n.normalizeDestructive(ctx, m.GuildID, schema.KindChannelDelete, received)
		if event != nil && m.Channel != nil {
			event.Payload.ChannelID = m.Channel.ID
		}
	case *discordgo.GuildRoleDelete:
		event, err = n.normalizeDestructive(ctx, m.GuildID, schema.KindRoleDelete, received)
	case *discordgo.GuildBanAdd:
		event, err = n.normalizeDestructive(ctx, m.GuildID, schema.KindBanCreate, received)
		if event != nil && m.User != nil {
			event.Payload.AffectedIDs = []string{m.User.ID}
			event.Payload.TargetCount = 1
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnrecognizedEvent, raw)
	}
	if err != nil {
		return nil, err
	}

	if err := n.validator.Validate(event); err != nil {
		return nil, fmt.Errorf("normalized event invalid: %w", err)
	}
	return event, nil
}

func (n *Normalizer) normalizeMessage(m *discordgo.MessageCreate, received time.Time) (*schema.Event, error) {
	if m.Author == nil || m.GuildID == "" {
		return nil, fmt.Errorf("%w: message without author or guild", ErrUnrecognizedEvent)
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = received
	}

	mentions := len(m.Mentions) + len(m.MentionRoles)
	if m.MentionEveryone {
		// @everyone is a mass mention regardless of member count.
		mentions += 25
	}

	return &schema.Event{
		EventID:    uuid.New(),
		GuildID:    m.GuildID,
		ActorID:    m.Author.ID,
		Kind:       schema.KindMessage,
		Timestamp:  ts,
		ReceivedAt: received,
		Payload: schema.Payload{
			Text:         m.Content,
			ChannelID:    m.ChannelID,
			MentionCount: mentions,
			HasLink:      hasLink(m.Content),
			AccountAge:   accountAge(m.Author.ID, received),
			HasAvatar:    m.Author.Avatar != "",
		},
	}, nil
}

func (n *Normalizer) normalizeJoin(m *discordgo.GuildMemberAdd, received time.Time) (*schema.Event, error) {
	if m.User == nil || m.GuildID == "" {
		return nil, fmt.Errorf("%w: join without user or guild", ErrUnrecognizedEvent)
	}

	ts := m.JoinedAt
	if ts.IsZero() {
		ts = received
	}

	return &schema.Event{
		EventID:    uuid.New(),
		GuildID:    m.GuildID,
		ActorID:    m.User.ID,
		Kind:       schema.KindJoin,
		Timestamp:  ts,
		ReceivedAt: received,
		Payload: schema.Payload{
			AccountAge: accountAge(m.User.ID, received),
			HasAvatar:  m.User.Avatar != "",
		},
	}, nil
}

func (n *Normalizer) normalizeDestructive(ctx context.Context, guildID string, kind schema.Kind, received time.Time) (*schema.Event, error) {
	if guildID == "" {
		return nil, fmt.Errorf("%w: %s without guild", ErrUnrecognizedEvent, kind)
	}

	actorID := ""
	if n.resolver != nil {
		id, err := n.resolver.ResolveActor(ctx, guildID, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to attribute %s in guild %s: %w", kind, guildID, err)
		}
		actorID = id
	}

	return &schema.Event{
		EventID:    uuid.New(),
		GuildID:    guildID,
		ActorID:    actorID,
		Kind:       kind,
		Timestamp:  received,
		ReceivedAt: received,
	}, nil
}

// accountAge derives the account's age from its snowflake creation time.
func accountAge(id string, now time.Time) time.Duration {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	createdMs := int64(n>>22) + discordEpoch
	created := time.UnixMilli(createdMs)
	if created.After(now) {
		return 0
	}
	return now.Sub(created)
}

func hasLink(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "http://") ||
		strings.Contains(lower, "https://") ||
		strings.Contains(lower, "discord.gg/")
}

// AuditLogResolver attributes destructive events through the Discord
// audit log, the same way moderators would by hand.
type AuditLogResolver struct {
	session *discordgo.Session
}

// NewAuditLogResolver creates a resolver on an open session.
func NewAuditLogResolver(session *discordgo.Session) *AuditLogResolver {
	return &AuditLogResolver{session: session}
}

// ResolveActor implements ActorResolver.
func (r *AuditLogResolver) ResolveActor(ctx context.Context, guildID string, kind schema.Kind) (string, error) {
	var action discordgo.AuditLogAction
	switch kind {
	case schema.KindChannelDelete:
		action = discordgo.AuditLogActionChannelDelete
	case schema.KindRoleDelete:
		action = discordgo.AuditLogActionRoleDelete
	case schema.KindBanCreate:
		action = discordgo.AuditLogActionMemberBanAdd
	default:
		return "", fmt.Errorf("no audit-log action for %s", kind)
	}

	log, err := r.session.GuildAuditLog(guildID, "", "", int(action), 1, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if len(log.AuditLogEntries) == 0 {
		return "", fmt.Errorf("no audit-log entry for %s in guild %s", kind, guildID)
	}
	return log.AuditLogEntries[0].UserID, nil
}
