// Package alert delivers admin notifications: moderation outcomes that need
// human eyes (permanent failures, critical decisions) and detector health
// warnings from the watchdog. Delivery is fire-and-forget through a bounded
// queue so a slow webhook can never stall the pipeline.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind separates operator alerts about moderation from alerts about the
// system's own health.
type Kind string

const (
	KindSecurity Kind = "security"
	KindHealth   Kind = "health"
)

// Alert is one admin notification.
type Alert struct {
	ID        uuid.UUID      `json:"id"`
	Kind      Kind           `json:"kind"`
	Title     string         `json:"title"`
	Detail    string         `json:"detail"`
	GuildID   string         `json:"guild_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier delivers an alert to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// Dispatcher fans alerts out to all registered notifiers from a bounded
// queue. Alerts are dropped, with a log line, when the queue is full.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier

	queue  chan *Alert
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given queue depth.
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		queue:  make(chan *Alert, queueSize),
		stopCh: make(chan struct{}),
	}
}

// AddNotifier registers a delivery channel.
func (d *Dispatcher) AddNotifier(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers = append(d.notifiers, n)
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.worker(ctx)
}

// Stop drains the queue and stops delivery.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Notify enqueues an alert without blocking.
func (d *Dispatcher) Notify(a *Alert) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	select {
	case d.queue <- a:
	default:
		slog.Warn("alert queue full, dropping alert", "kind", a.Kind, "title", a.Title)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			// Drain what is already queued.
			for {
				select {
				case a := <-d.queue:
					d.deliver(ctx, a)
				default:
					return
				}
			}
		case a := <-d.queue:
			d.deliver(ctx, a)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a *Alert) {
	d.mu.RLock()
	notifiers := d.notifiers
	d.mu.RUnlock()

	for _, n := range notifiers {
		if err := n.Send(ctx, a); err != nil {
			slog.Error("alert delivery failed",
				"notifier", n.Name(), "alert_id", a.ID, "error", err)
		}
	}
}
