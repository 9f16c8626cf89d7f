package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(ctx context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestDispatcher_DeliversToAllNotifiers(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(16)
	n1 := &recordingNotifier{}
	n2 := &recordingNotifier{}
	d.AddNotifier(n1)
	d.AddNotifier(n2)
	d.Start(ctx)

	d.Notify(&Alert{Kind: KindSecurity, Title: "ban applied", GuildID: "g1"})
	d.Notify(&Alert{Kind: KindHealth, Title: "detector silent"})
	d.Stop()

	if n1.count() != 2 || n2.count() != 2 {
		t.Errorf("delivered %d/%d, want 2/2", n1.count(), n2.count())
	}
}

func TestDispatcher_PopulatesIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(16)
	n := &recordingNotifier{}
	d.AddNotifier(n)
	d.Start(ctx)

	d.Notify(&Alert{Kind: KindSecurity, Title: "x"})
	d.Stop()

	if n.count() != 1 {
		t.Fatal("alert not delivered")
	}
	a := n.alerts[0]
	if a.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("ID not assigned")
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}
}

func TestDispatcher_FailingNotifierDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(16)
	bad := &recordingNotifier{err: errors.New("unreachable")}
	good := &recordingNotifier{}
	d.AddNotifier(bad)
	d.AddNotifier(good)
	d.Start(ctx)

	d.Notify(&Alert{Kind: KindSecurity, Title: "x"})
	d.Stop()

	if good.count() != 1 {
		t.Errorf("good notifier got %d alerts, want 1", good.count())
	}
}

func TestDispatcher_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	d := NewDispatcher(1)
	// Worker never started: the queue fills after one alert.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(&Alert{Kind: KindSecurity, Title: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on full queue")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("custom header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("test", srv.URL, map[string]string{"X-Token": "secret"})
	err := n.Send(context.Background(), &Alert{Kind: KindSecurity, Title: "raid lockdown", GuildID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "raid lockdown" || got.GuildID != "g1" {
		t.Errorf("server received %+v", got)
	}
}

func TestWebhookNotifier_ScrubsDetail(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	original := &Alert{
		Title:  "action failed",
		Detail: "discord api: Bearer Njk4OTY.secretpart rejected",
	}
	n := NewWebhookNotifier("test", srv.URL, nil)
	if err := n.Send(context.Background(), original); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got.Detail, "secretpart") {
		t.Errorf("credential leaked to webhook: %q", got.Detail)
	}
	// The caller's alert is untouched.
	if !strings.Contains(original.Detail, "secretpart") {
		t.Error("Send mutated the caller's alert")
	}
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("test", srv.URL, nil)
	if err := n.Send(context.Background(), &Alert{Title: "x"}); err == nil {
		t.Fatal("expected error on 403")
	}
}
