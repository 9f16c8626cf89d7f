// Package watchdog monitors the detectors themselves: rolling error rates
// and silent spans. A detector that stops producing verdicts while events
// keep flowing, or whose error rate climbs past the threshold, triggers a
// health alert so a broken detector cannot fail silently.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatguard/internal/alert"
	"chatguard/internal/config"
)

// DetectorReport is one detector's health snapshot.
type DetectorReport struct {
	Name           string    `json:"name"`
	Invocations    uint64    `json:"invocations"`
	Verdicts       uint64    `json:"verdicts"`
	Errors         uint64    `json:"errors"`
	ErrorRate      float64   `json:"error_rate"` // within the rolling window
	LastInvocation time.Time `json:"last_invocation"`
	LastVerdict    time.Time `json:"last_verdict"`
	LastError      string    `json:"last_error,omitempty"`
	Healthy        bool      `json:"healthy"`
}

type sample struct {
	ts     time.Time
	failed bool
}

type detectorState struct {
	invocations uint64
	verdicts    uint64
	errors      uint64
	lastInvoke  time.Time
	lastVerdict time.Time
	lastError   string
	samples     []sample // rolling error-rate window
	alerted     bool     // suppress repeat alerts until recovery
}

// Watchdog tracks detector health.
type Watchdog struct {
	config config.WatchdogConfig
	alerts *alert.Dispatcher

	mu        sync.Mutex
	detectors map[string]*detectorState
	lastEvent time.Time // most recent event seen by the pipeline

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a watchdog. alerts may be nil to disable health alerts.
func New(cfg config.WatchdogConfig, alerts *alert.Dispatcher) *Watchdog {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 5 * time.Minute
	}
	return &Watchdog{
		config:    cfg,
		alerts:    alerts,
		detectors: make(map[string]*detectorState),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Register announces a detector so silence is noticed even before its
// first verdict.
func (w *Watchdog) Register(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.detectors[name]; !ok {
		now := w.now()
		w.detectors[name] = &detectorState{lastInvoke: now, lastVerdict: now}
	}
}

// Start launches the periodic health check.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	slog.Info("watchdog started",
		"check_interval", w.config.CheckInterval,
		"silent_span", w.config.SilentSpan,
		"error_rate_threshold", w.config.ErrorRateThreshold)
}

// Stop halts the health check loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// ObserveEvent records pipeline activity. Detector silence only counts
// against a detector while events are actually flowing.
func (w *Watchdog) ObserveEvent() {
	w.mu.Lock()
	w.lastEvent = w.now()
	w.mu.Unlock()
}

// ObserveInvocation records one detector call and its outcome. produced
// reports whether the call yielded a verdict.
func (w *Watchdog) ObserveInvocation(name string, produced bool, err error) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.detectors[name]
	if !ok {
		// Seed lastVerdict so an unregistered detector gets a full span
		// before it can be flagged silent.
		s = &detectorState{lastVerdict: now}
		w.detectors[name] = s
	}

	s.invocations++
	s.lastInvoke = now
	if produced {
		s.verdicts++
		s.lastVerdict = now
	}
	if err != nil {
		s.errors++
		s.lastError = err.Error()
	}

	s.samples = append(s.samples, sample{ts: now, failed: err != nil})
	s.trim(now.Add(-w.config.ErrorRateWindow))
}

func (s *detectorState) trim(cutoff time.Time) {
	i := 0
	for i < len(s.samples) && s.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

func (s *detectorState) errorRate() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	failed := 0
	for _, smp := range s.samples {
		if smp.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(s.samples))
}

// Report returns the current health snapshot for every detector.
func (w *Watchdog) Report() []DetectorReport {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]DetectorReport, 0, len(w.detectors))
	for name, s := range w.detectors {
		s.trim(now.Add(-w.config.ErrorRateWindow))
		rate := s.errorRate()
		out = append(out, DetectorReport{
			Name:           name,
			Invocations:    s.invocations,
			Verdicts:       s.verdicts,
			Errors:         s.errors,
			ErrorRate:      rate,
			LastInvocation: s.lastInvoke,
			LastVerdict:    s.lastVerdict,
			LastError:      s.lastError,
			Healthy:        !w.unhealthyLocked(s, rate, now),
		})
	}
	return out
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check raises one health alert per detector per unhealthy episode.
func (w *Watchdog) check() {
	now := w.now()

	w.mu.Lock()
	type finding struct {
		name   string
		detail string
	}
	var findings []finding
	for name, s := range w.detectors {
		s.trim(now.Add(-w.config.ErrorRateWindow))
		rate := s.errorRate()
		unhealthy := w.unhealthyLocked(s, rate, now)
		if !unhealthy {
			s.alerted = false
			continue
		}
		if s.alerted {
			continue
		}
		s.alerted = true

		detail := fmt.Sprintf("error rate %.2f over last %s", rate, w.config.ErrorRateWindow)
		if w.silentLocked(s, now) {
			detail = fmt.Sprintf("no verdicts for %s while events flowed (last at %s)",
				now.Sub(s.lastVerdict).Round(time.Second), s.lastVerdict.Format(time.RFC3339))
		}
		findings = append(findings, finding{name: name, detail: detail})
	}
	w.mu.Unlock()

	for _, f := range findings {
		slog.Warn("detector unhealthy", "detector", f.name, "detail", f.detail)
		if w.alerts != nil {
			w.alerts.Notify(&alert.Alert{
				Kind:   alert.KindHealth,
				Title:  fmt.Sprintf("detector %s unhealthy", f.name),
				Detail: f.detail,
			})
		}
	}
}

func (w *Watchdog) unhealthyLocked(s *detectorState, rate float64, now time.Time) bool {
	if w.config.ErrorRateThreshold > 0 && rate >= w.config.ErrorRateThreshold && len(s.samples) > 0 {
		return true
	}
	return w.silentLocked(s, now)
}

// silentLocked reports whether the detector has gone quiet past the
// configured span while events kept flowing. A quiet pipeline is not a
// detector failure.
func (w *Watchdog) silentLocked(s *detectorState, now time.Time) bool {
	if w.config.SilentSpan <= 0 {
		return false
	}
	if now.Sub(w.lastEvent) >= w.config.SilentSpan {
		return false
	}
	return now.Sub(s.lastVerdict) >= w.config.SilentSpan
}
