package config

import (
	"log/slog"
	"sync/atomic"
)

// Store provides lock-free access to the current configuration and supports
// hot reload: detectors read one consistent snapshot per event.
type Store struct {
	current atomic.Pointer[Config]
	path    string
}

// NewStore creates a Store holding the given configuration.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Current returns the current configuration snapshot. The returned value
// must be treated as read-only.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// GuildThresholds returns the effective thresholds for a guild: the global
// defaults overlaid with any per-guild override.
func (s *Store) GuildThresholds(guildID string) Thresholds {
	cfg := s.current.Load()
	base := cfg.Thresholds
	if override, ok := cfg.Guilds[guildID]; ok {
		return Merge(base, override)
	}
	return base
}

// Reload re-reads the config file and atomically swaps the snapshot.
// In-flight readers keep the old snapshot; no restart required.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	slog.Info("configuration reloaded", "path", s.path, "guild_overrides", len(cfg.Guilds))
	return nil
}

// Merge overlays a per-guild override onto base thresholds. Zero fields in
// the override inherit the base value.
func Merge(base, override Thresholds) Thresholds {
	out := base
	if override.SpamMediumCount > 0 {
		out.SpamMediumCount = override.SpamMediumCount
	}
	if override.SpamHighCount > 0 {
		out.SpamHighCount = override.SpamHighCount
	}
	if override.SpamWindow > 0 {
		out.SpamWindow = override.SpamWindow
	}
	if override.DuplicateRatio > 0 {
		out.DuplicateRatio = override.DuplicateRatio
	}
	if override.DuplicateMinMsgs > 0 {
		out.DuplicateMinMsgs = override.DuplicateMinMsgs
	}
	if override.MentionLimit > 0 {
		out.MentionLimit = override.MentionLimit
	}
	if override.WarnCooldown > 0 {
		out.WarnCooldown = override.WarnCooldown
	}
	if override.JoinThreshold > 0 {
		out.JoinThreshold = override.JoinThreshold
	}
	if override.JoinWindow > 0 {
		out.JoinWindow = override.JoinWindow
	}
	if override.SuspectRatio > 0 {
		out.SuspectRatio = override.SuspectRatio
	}
	if override.MinAccountAge > 0 {
		out.MinAccountAge = override.MinAccountAge
	}
	if override.LockdownDuration > 0 {
		out.LockdownDuration = override.LockdownDuration
	}
	if override.NukeThreshold > 0 {
		out.NukeThreshold = override.NukeThreshold
	}
	if override.NukeWindow > 0 {
		out.NukeWindow = override.NukeWindow
	}
	if override.ContentLowBand > 0 {
		out.ContentLowBand = override.ContentLowBand
	}
	if override.ContentHighBand > 0 {
		out.ContentHighBand = override.ContentHighBand
	}
	if override.CooldownLow > 0 {
		out.CooldownLow = override.CooldownLow
	}
	if override.CooldownMedium > 0 {
		out.CooldownMedium = override.CooldownMedium
	}
	if override.CooldownHigh > 0 {
		out.CooldownHigh = override.CooldownHigh
	}
	if override.CooldownCritical > 0 {
		out.CooldownCritical = override.CooldownCritical
	}
	return out
}
