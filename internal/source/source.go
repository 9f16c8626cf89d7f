// Package source feeds gateway events from Kafka into the detection
// pipeline. Deployments that embed the gateway client directly do not
// need it; larger fleets publish normalized events to a topic and run
// the detection engine as its own consumer group.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"chatguard/internal/config"
	"chatguard/internal/schema"
)

// Ingester accepts events for processing.
type Ingester interface {
	Ingest(raw any) error
}

// reader is the slice of kafka.Reader the consumer uses. Tests swap in
// a scripted implementation.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads normalized events from a Kafka topic and hands them to
// the engine. Messages that fail to decode are committed and dropped;
// messages the engine refuses (full queue) are not committed, so they
// are redelivered after a restart or rebalance.
type Consumer struct {
	reader reader
	sink   Ingester
	topic  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	consumed atomic.Int64
	dropped  atomic.Int64
}

// New creates a consumer from the source section of the config file.
func New(cfg config.KafkaConfig, sink Ingester) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("source: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("source: topic is required")
	}
	if sink == nil {
		return nil, errors.New("source: ingester is required")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return &Consumer{reader: r, sink: sink, topic: cfg.Topic}, nil
}

// Start begins consuming in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("event source exited", "error", err)
		}
	}()
	slog.Info("event source started", "topic", c.topic)
}

func (c *Consumer) run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("fetch failed", "topic", c.topic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var ev schema.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// Malformed payloads never become valid on redelivery.
			c.dropped.Add(1)
			slog.Warn("dropping undecodable event",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			c.commit(ctx, msg)
			continue
		}

		if err := c.sink.Ingest(&ev); err != nil {
			slog.Error("engine refused event, leaving uncommitted",
				"offset", msg.Offset,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		c.consumed.Add(1)
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		slog.Error("commit failed", "offset", msg.Offset, "error", err)
	}
}

// Stop cancels the consume loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	err := c.reader.Close()
	slog.Info("event source stopped",
		"consumed", c.consumed.Load(),
		"dropped", c.dropped.Load())
	return err
}

// Stats reports consumed and dropped message counts.
func (c *Consumer) Stats() (consumed, dropped int64) {
	return c.consumed.Load(), c.dropped.Load()
}
