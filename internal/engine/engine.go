// Package engine is the pipeline glue: raw gateway payloads come in through
// Ingest, are normalized and fanned out to the detectors on a worker pool,
// and surviving verdicts flow through the arbiter into the executor. Every
// verdict, decision and result is recorded to the audit trail on the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatguard/internal/arbiter"
	"chatguard/internal/audit"
	"chatguard/internal/config"
	"chatguard/internal/detect"
	"chatguard/internal/executor"
	"chatguard/internal/normalize"
	"chatguard/internal/queue"
	"chatguard/internal/schema"
	"chatguard/internal/watchdog"
)

// Config configures the pipeline.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 10000,
	}
}

// FromEngineConfig adapts the file-level engine section.
func FromEngineConfig(c config.EngineConfig) Config {
	cfg := DefaultConfig()
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	return cfg
}

// Engine runs the detection pipeline.
type Engine struct {
	config     Config
	normalizer *normalize.Normalizer
	detectors  []detect.Detector
	arb        *arbiter.Arbiter
	exec       *executor.Executor
	trail      *audit.Log
	wd         *watchdog.Watchdog

	events *queue.RingBuffer[any]
	wg     sync.WaitGroup
}

// New wires the pipeline. The arbiter gains a decision handler that records
// and submits to the executor, and a supersede hook that cancels stale work.
func New(cfg Config, normalizer *normalize.Normalizer, detectors []detect.Detector,
	arb *arbiter.Arbiter, exec *executor.Executor, trail *audit.Log, wd *watchdog.Watchdog) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	e := &Engine{
		config:     cfg,
		normalizer: normalizer,
		detectors:  detectors,
		arb:        arb,
		exec:       exec,
		trail:      trail,
		wd:         wd,
		events:     queue.NewRingBuffer[any](cfg.QueueSize),
	}

	arb.AddHandler(e.onDecision)
	arb.AddSupersedeHandler(exec.OnSupersede)
	for _, d := range detectors {
		wd.Register(d.Name())
	}
	return e
}

// Start launches the workers and the downstream stages.
func (e *Engine) Start(ctx context.Context) {
	e.arb.Start(ctx)
	e.wd.Start(ctx)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	slog.Info("engine started", "workers", e.config.Workers, "detectors", len(e.detectors))
}

// Stop drains in flight work: ingestion first, then arbitration, then
// execution.
func (e *Engine) Stop() {
	e.events.Close()
	e.wg.Wait()
	e.arb.Stop()
	e.exec.Stop()
	e.wd.Stop()
	slog.Info("engine stopped")
}

// Ingest queues one raw gateway payload. Returns an error only when the
// queue is full; unrecognized payloads are dropped later, quietly.
func (e *Engine) Ingest(raw any) error {
	if err := e.events.Push(raw); err != nil {
		return fmt.Errorf("event queue: %w", err)
	}
	return nil
}

// QueueStats reports event queue depth and drop counts.
func (e *Engine) QueueStats() queue.Metrics {
	return e.events.Stats()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	// PopBlocking keeps serving buffered events after Close, so shutdown
	// drains the queue before workers exit.
	for {
		raw, err := e.events.PopBlocking()
		if err != nil {
			return
		}
		e.process(ctx, raw)
	}
}

func (e *Engine) process(ctx context.Context, raw any) {
	event, ok := raw.(*schema.Event)
	if !ok {
		var err error
		event, err = e.normalizer.Normalize(ctx, raw)
		if err != nil {
			if errors.Is(err, normalize.ErrUnrecognizedEvent) {
				return
			}
			slog.Warn("event rejected", "error", err)
			return
		}
	}

	e.wd.ObserveEvent()

	// Detectors run concurrently per event; they serialize only inside
	// the state store's per-key shards.
	var wg sync.WaitGroup
	for _, d := range e.detectors {
		wg.Add(1)
		go func(d detect.Detector) {
			defer wg.Done()
			e.runDetector(ctx, d, event)
		}(d)
	}
	wg.Wait()
}

// runDetector isolates one detector invocation: a failure feeds the
// watchdog and never aborts the event.
func (e *Engine) runDetector(ctx context.Context, d detect.Detector, event *schema.Event) {
	verdict, err := d.Consume(ctx, event)
	e.wd.ObserveInvocation(d.Name(), verdict != nil, err)
	if err != nil {
		slog.Error("detector failed",
			"detector", d.Name(), "event_id", event.EventID, "error", err)
		return
	}
	if verdict == nil {
		return
	}

	if err := e.trail.RecordVerdict(ctx, verdict); err != nil {
		slog.Error("failed to audit verdict", "detector", d.Name(), "error", err)
	}
	e.arb.Submit(ctx, verdict)
}

// onDecision records a finalized decision and hands it to the executor.
func (e *Engine) onDecision(ctx context.Context, d *arbiter.Decision) error {
	if err := e.trail.RecordDecision(ctx, d); err != nil {
		slog.Error("failed to audit decision", "decision_id", d.ID, "error", err)
	}
	e.exec.Submit(ctx, d)
	return nil
}

var _ executor.Recorder = (*audit.Log)(nil)
