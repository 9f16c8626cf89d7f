package platform

import (
	"context"
	"sync"
	"time"
)

// FakeClient is an in-memory Client for tests. Failures can be scripted
// per action: each queued error is returned once, in order.
type FakeClient struct {
	mu        sync.Mutex
	executed  []Request
	lifted    []string // guild|channel
	restored  []string // guild IDs
	failures  map[string][]error // action or op -> queued errors
	snapshots map[string]*GuildSnapshot
}

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		failures:  make(map[string][]error),
		snapshots: make(map[string]*GuildSnapshot),
	}
}

// FailNext queues an error for the next call matching the key (an action
// name like "ban", or "snapshot"/"restore"/"lift_lockdown").
func (f *FakeClient) FailNext(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = append(f.failures[key], err)
}

// SetSnapshot seeds the snapshot returned for a guild.
func (f *FakeClient) SetSnapshot(guildID string, snap *GuildSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[guildID] = snap
}

// Executed returns all successfully applied requests.
func (f *FakeClient) Executed() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.executed...)
}

// Restored returns guild IDs that were restored from snapshots.
func (f *FakeClient) Restored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restored...)
}

// Lifted returns lockdowns lifted, as "guild|channel" keys.
func (f *FakeClient) Lifted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lifted...)
}

func (f *FakeClient) popFailure(key string) error {
	queue := f.failures[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[key] = queue[1:]
	return err
}

// ExecuteModerationAction implements Client.
func (f *FakeClient) ExecuteModerationAction(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Op: string(req.Action), Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(string(req.Action)); err != nil {
		return err
	}
	f.executed = append(f.executed, req)
	return nil
}

// SnapshotGuild implements Client.
func (f *FakeClient) SnapshotGuild(ctx context.Context, guildID string) (*GuildSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("snapshot"); err != nil {
		return nil, err
	}
	if snap, ok := f.snapshots[guildID]; ok {
		return snap, nil
	}
	return &GuildSnapshot{GuildID: guildID, TakenAt: time.Now()}, nil
}

// RestoreGuild implements Client.
func (f *FakeClient) RestoreGuild(ctx context.Context, snap *GuildSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("restore"); err != nil {
		return err
	}
	f.restored = append(f.restored, snap.GuildID)
	return nil
}

// LiftLockdown implements Client.
func (f *FakeClient) LiftLockdown(ctx context.Context, guildID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("lift_lockdown"); err != nil {
		return err
	}
	f.lifted = append(f.lifted, guildID+"|"+channelID)
	return nil
}
