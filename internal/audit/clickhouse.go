package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig configures the warehouse sink.
type ClickHouseConfig struct {
	Hosts         []string      `yaml:"hosts"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TLSEnabled    bool          `yaml:"tls_enabled"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultClickHouseConfig returns the default sink configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:         []string{"localhost:9000"},
		Database:      "chatguard",
		Username:      "default",
		DialTimeout:   10 * time.Second,
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id            UUID,
	sequence      UInt64,
	actor_seq     UInt64,
	kind          LowCardinality(String),
	guild_id      String,
	actor_id      String,
	timestamp     DateTime64(9),
	payload       String,
	previous_hash String,
	entry_hash    String
) ENGINE = MergeTree()
ORDER BY (guild_id, actor_id, sequence)`

// ClickHouseSink batches audit entries into ClickHouse for long-horizon
// queries. It is an export copy; the KV trail stays authoritative.
type ClickHouseSink struct {
	conn   driver.Conn
	config ClickHouseConfig

	mu     sync.Mutex
	buffer []*Entry
	closed bool

	flushTimer *time.Timer
}

// NewClickHouseSink connects, ensures the table, and starts the flush
// timer.
func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}
	if err := conn.Exec(ctx, createAuditTable); err != nil {
		return nil, fmt.Errorf("failed to ensure audit table: %w", err)
	}

	s := &ClickHouseSink{
		conn:   conn,
		config: cfg,
		buffer: make([]*Entry, 0, cfg.BatchSize),
	}
	s.flushTimer = time.AfterFunc(cfg.FlushInterval, s.timerFlush)
	return s, nil
}

// Write implements Sink.
func (s *ClickHouseSink) Write(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("clickhouse sink is closed")
	}
	s.buffer = append(s.buffer, e)
	if len(s.buffer) >= s.config.BatchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

func (s *ClickHouseSink) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if len(s.buffer) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.flushLocked(ctx); err != nil {
			slog.Error("audit sink flush failed", "error", err)
		}
		cancel()
	}
	s.flushTimer.Reset(s.config.FlushInterval)
}

// flushLocked inserts the buffer as one batch. Caller holds the lock.
func (s *ClickHouseSink) flushLocked(ctx context.Context) error {
	entries := s.buffer
	s.buffer = make([]*Entry, 0, s.config.BatchSize)

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO audit_entries")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, e := range entries {
		err := batch.Append(
			e.ID,
			e.Sequence,
			e.ActorSeq,
			string(e.Kind),
			e.GuildID,
			e.ActorID,
			e.Timestamp,
			string(e.Payload),
			e.PreviousHash,
			e.EntryHash,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("audit entries flushed to clickhouse", "count", len(entries))
	return nil
}

// Close flushes remaining entries and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.flushTimer.Stop()

	var flushErr error
	if len(s.buffer) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		flushErr = s.flushLocked(ctx)
		cancel()
	}
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		return err
	}
	return flushErr
}
