package source

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"chatguard/internal/config"
	"chatguard/internal/schema"
)

// scriptedReader serves a fixed set of messages, then blocks until the
// context is cancelled.
type scriptedReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type captureSink struct {
	mu     sync.Mutex
	events []*schema.Event
	refuse int // refuse this many ingests before accepting
}

func (s *captureSink) Ingest(raw any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse > 0 {
		s.refuse--
		return errors.New("queue full")
	}
	s.events = append(s.events, raw.(*schema.Event))
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func encoded(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	ev := schema.Event{
		EventID:   uuid.New(),
		GuildID:   "g1",
		ActorID:   "a1",
		Kind:      schema.KindMessage,
		Timestamp: time.Now(),
		Payload:   schema.Payload{Text: "hello"},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: "events", Offset: offset, Value: data}
}

func runConsumer(r reader, sink Ingester) func() {
	c := &Consumer{reader: r, sink: sink, topic: "events"}
	c.Start(context.Background())
	return func() { c.Stop() }
}

func TestConsumer_DeliversDecodedEvents(t *testing.T) {
	r := &scriptedReader{messages: []kafka.Message{encoded(t, 0), encoded(t, 1), encoded(t, 2)}}
	sink := &captureSink{}
	stop := runConsumer(r, sink)

	deadline := time.Now().Add(time.Second)
	for sink.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if got := sink.count(); got != 3 {
		t.Fatalf("delivered = %d, want 3", got)
	}
	if got := r.committedOffsets(); len(got) != 3 {
		t.Errorf("committed %d offsets, want 3", len(got))
	}
}

func TestConsumer_DropsAndCommitsMalformed(t *testing.T) {
	r := &scriptedReader{messages: []kafka.Message{
		{Topic: "events", Offset: 0, Value: []byte("{not json")},
		encoded(t, 1),
	}}
	sink := &captureSink{}
	stop := runConsumer(r, sink)

	deadline := time.Now().Add(time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if got := sink.count(); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	// The malformed message is committed too, so it is never redelivered.
	if got := r.committedOffsets(); len(got) != 2 {
		t.Errorf("committed %d offsets, want 2", len(got))
	}
}

func TestConsumer_RetriesWhenEngineRefuses(t *testing.T) {
	r := &scriptedReader{messages: []kafka.Message{encoded(t, 0)}}
	sink := &captureSink{refuse: 1}
	stop := runConsumer(r, sink)

	// Refused messages stay uncommitted; the loop backs off and the
	// remaining script is empty, so only the drop counter moves.
	time.Sleep(50 * time.Millisecond)
	stop()

	if got := sink.count(); got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
	if got := r.committedOffsets(); len(got) != 0 {
		t.Errorf("committed %d offsets, want 0", len(got))
	}
}

func TestNew_Validation(t *testing.T) {
	sink := &captureSink{}
	cases := []struct {
		name string
		cfg  config.KafkaConfig
	}{
		{"no brokers", config.KafkaConfig{Topic: "events"}},
		{"no topic", config.KafkaConfig{Brokers: []string{"localhost:9092"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, sink); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := New(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events"}, nil); err == nil {
		t.Error("expected error for nil sink")
	}
}
