package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatguard/internal/storage"
)

// RedisStore keeps sliding windows in Redis sorted sets, scored by event
// timestamp. Suitable when several engine replicas share detection state.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	horizon time.Duration
	now     func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, horizon time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "chatguard",
		horizon: horizon,
		now:     time.Now,
	}
}

func (s *RedisStore) windowKey(guildID, actorID, metric string) string {
	return fmt.Sprintf("%s:win:%s:%s:%s", s.prefix, guildID, actorID, metric)
}

func (s *RedisStore) messageKey(guildID, actorID string) string {
	return fmt.Sprintf("%s:msg:%s:%s", s.prefix, guildID, actorID)
}

// Record appends a weighted entry and trims entries beyond the horizon.
func (s *RedisStore) Record(ctx context.Context, guildID, actorID, metric string, ts time.Time, weight int) error {
	key := s.windowKey(guildID, actorID, metric)
	member := fmt.Sprintf("%d:%s", weight, uuid.NewString())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(ts.Add(-s.horizon).UnixNano(), 10))
	pipe.Expire(ctx, key, s.horizon+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.WrapUnavailableError("Record", err)
	}
	return nil
}

// CountInWindow sums entry weights within the trailing duration. Backend
// errors surface as count 0 so an outage can never look like abuse.
func (s *RedisStore) CountInWindow(ctx context.Context, guildID, actorID, metric string, dur time.Duration) (int, error) {
	key := s.windowKey(guildID, actorID, metric)
	cutoff := strconv.FormatInt(s.now().Add(-dur).UnixNano(), 10)

	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return 0, storage.WrapUnavailableError("CountInWindow", err)
	}

	total := 0
	for _, m := range members {
		if i := strings.IndexByte(m, ':'); i > 0 {
			if w, err := strconv.Atoi(m[:i]); err == nil {
				total += w
				continue
			}
		}
		total++
	}
	return total, nil
}

// RecordMessage retains a message for spam evidence.
func (s *RedisStore) RecordMessage(ctx context.Context, guildID, actorID string, msg Message) error {
	key := s.messageKey(guildID, actorID)
	member := fmt.Sprintf("%s\x00%s\x00%s", uuid.NewString(), msg.ChannelID, msg.Text)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.Timestamp.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(msg.Timestamp.Add(-s.horizon).UnixNano(), 10))
	pipe.Expire(ctx, key, s.horizon+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.WrapUnavailableError("RecordMessage", err)
	}
	return nil
}

// RecentMessages returns messages within the trailing duration, oldest first.
func (s *RedisStore) RecentMessages(ctx context.Context, guildID, actorID string, dur time.Duration) ([]Message, error) {
	key := s.messageKey(guildID, actorID)
	cutoff := strconv.FormatInt(s.now().Add(-dur).UnixNano(), 10)

	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, storage.WrapUnavailableError("RecentMessages", err)
	}

	out := make([]Message, 0, len(zs))
	for _, z := range zs {
		raw, ok := z.Member.(string)
		if !ok {
			continue
		}
		parts := strings.SplitN(raw, "\x00", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, Message{
			Timestamp: time.Unix(0, int64(z.Score)),
			ChannelID: parts[1],
			Text:      parts[2],
		})
	}
	return out, nil
}

// Snapshot returns counts for the known metrics plus recent messages.
func (s *RedisStore) Snapshot(ctx context.Context, guildID, actorID string) (Evidence, error) {
	ev := Evidence{
		GuildID: guildID,
		ActorID: actorID,
		TakenAt: s.now(),
		Counts:  make(map[string]int),
	}

	for _, metric := range []string{MetricMessages, MetricJoins, MetricDestructive, MetricDecisions} {
		n, err := s.CountInWindow(ctx, guildID, actorID, metric, s.horizon)
		if err != nil {
			return ev, err
		}
		if n > 0 {
			ev.Counts[metric] = n
		}
	}

	msgs, err := s.RecentMessages(ctx, guildID, actorID, s.horizon)
	if err != nil {
		return ev, err
	}
	ev.Messages = msgs
	return ev, nil
}
