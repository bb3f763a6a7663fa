package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/ws"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, append([]byte(nil), p...))
	return nil
}

func (r *recordingSubscriber) Close() {}

func (r *recordingSubscriber) envelopes(t *testing.T) []Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, 0, len(r.payloads))
	for _, p := range r.payloads {
		var env Envelope
		if err := json.Unmarshal(p, &env); err != nil {
			t.Fatalf("undecodable payload %q: %v", p, err)
		}
		out = append(out, env)
	}
	return out
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

type testClock struct {
	mu   sync.Mutex
	next time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = c.next.Add(time.Millisecond)
	return c.next
}

func newTestRelay(t *testing.T, hub *ws.Hub, limit int) (*Relay, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r, err := New(client, hub, Options{
		HistoryLimit: limit,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	clock := &testClock{next: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.now
	return r, mr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishStoresBoundedHistory(t *testing.T) {
	r, _ := newTestRelay(t, nil, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := r.Publish(ctx, "brave-otter", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}
	history, err := r.History(ctx, "brave-otter")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	for i, want := range []string{"line 3", "line 4", "line 5"} {
		if history[i].Log != want {
			t.Fatalf("entry %d: expected %q, got %q", i, want, history[i].Log)
		}
	}
	if !history[0].Timestamp.Before(history[2].Timestamp) {
		t.Fatal("expected history ordered oldest first")
	}
}

func TestPublishKeepsDefaultHistoryLimit(t *testing.T) {
	r, _ := newTestRelay(t, nil, 0)
	ctx := context.Background()

	for i := 1; i <= DefaultHistoryLimit+1; i++ {
		if err := r.Publish(ctx, "brave-otter", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}
	history, err := r.History(ctx, "brave-otter")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != DefaultHistoryLimit {
		t.Fatalf("expected %d entries, got %d", DefaultHistoryLimit, len(history))
	}
	if history[0].Log != "line 2" {
		t.Fatalf("expected oldest entry to be dropped, first is %q", history[0].Log)
	}
	if last := history[len(history)-1].Log; last != fmt.Sprintf("line %d", DefaultHistoryLimit+1) {
		t.Fatalf("expected newest entry last, got %q", last)
	}
}

func TestHistoryOfUnknownSlugIsEmpty(t *testing.T) {
	r, _ := newTestRelay(t, nil, 0)
	history, err := r.History(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %v", history)
	}
}

func TestHistorySkipsUndecodableEntries(t *testing.T) {
	r, mr := newTestRelay(t, nil, 0)
	if err := r.Publish(context.Background(), "brave-otter", "ok"); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if _, err := mr.Push("logs-list:brave-otter", "not json"); err != nil {
		t.Fatalf("seed list: %v", err)
	}
	history, err := r.History(context.Background(), "brave-otter")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 || history[0].Log != "ok" {
		t.Fatalf("unexpected history: %v", history)
	}
}

func TestPublishRejectsEmptySlug(t *testing.T) {
	r, _ := newTestRelay(t, nil, 0)
	if err := r.Publish(context.Background(), " ", "line"); err == nil {
		t.Fatal("expected error for empty slug")
	}
	if err := r.PublishStatus(context.Background(), "", "dep-1", domain.StatusReady); err == nil {
		t.Fatal("expected error for empty slug")
	}
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	r, _ := newTestRelay(t, hub, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	for _, line := range []string{"e1", "e2", "e3"} {
		if err := r.Publish(ctx, "brave-otter", line); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}

	sub := &recordingSubscriber{}
	if err := r.Subscribe(ctx, ChannelKey("brave-otter"), sub); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if err := r.Publish(ctx, "brave-otter", "e4"); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := r.PublishStatus(ctx, "brave-otter", "dep-1", domain.StatusReady); err != nil {
		t.Fatalf("PublishStatus returned error: %v", err)
	}

	waitFor(t, func() bool { return sub.count() >= 5 })
	// Allow any stray duplicate to arrive before asserting.
	time.Sleep(50 * time.Millisecond)

	got := sub.envelopes(t)
	if len(got) != 5 {
		t.Fatalf("expected 5 payloads, got %d: %+v", len(got), got)
	}
	for i, want := range []string{"e1", "e2", "e3", "e4"} {
		if got[i].Type != TypeLog || got[i].Log != want {
			t.Fatalf("payload %d: expected log %q, got %+v", i, want, got[i])
		}
	}
	if got[4].Type != TypeStatus || got[4].Status != domain.StatusReady || got[4].DeploymentID != "dep-1" {
		t.Fatalf("unexpected status payload: %+v", got[4])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	r, _ := newTestRelay(t, hub, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	channel := ChannelKey("brave-otter")
	sub := &recordingSubscriber{}
	if err := r.Subscribe(ctx, channel, sub); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	r.Unsubscribe(channel, sub)
	waitFor(t, func() bool { return hub.Subscribers(channel) == 0 })

	if err := r.Publish(ctx, "brave-otter", "after"); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sub.count() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", sub.count())
	}
}

func TestSubscribeRejectsInvalidChannel(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	r, _ := newTestRelay(t, hub, 0)
	if err := r.Subscribe(context.Background(), "deployments:x", &recordingSubscriber{}); err == nil {
		t.Fatal("expected error for invalid channel")
	}
}

func TestGateSkipsReplayedMessages(t *testing.T) {
	inner := &recordingSubscriber{}
	gate := newGatedSubscriber(inner)
	ts := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	dup, _ := json.Marshal(Envelope{Type: TypeLog, Log: "cloning", Timestamp: ts})
	fresh, _ := json.Marshal(Envelope{Type: TypeLog, Log: "building", Timestamp: ts.Add(time.Second)})
	status, _ := json.Marshal(Envelope{Type: TypeStatus, Status: domain.StatusInProgress, Timestamp: ts})
	for _, p := range [][]byte{dup, fresh, status} {
		if err := gate.Send(p); err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
	}
	if inner.count() != 0 {
		t.Fatal("expected gate to buffer until opened")
	}

	if err := gate.open(map[string]struct{}{dedupeKey("cloning", ts): {}}); err != nil {
		t.Fatalf("open returned error: %v", err)
	}
	got := inner.envelopes(t)
	if len(got) != 2 || got[0].Log != "building" || got[1].Type != TypeStatus {
		t.Fatalf("unexpected flushed payloads: %+v", got)
	}

	if err := gate.Send(dup); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if inner.count() != 3 {
		t.Fatal("expected pass-through once opened")
	}
}

func TestSlugFromChannel(t *testing.T) {
	if slug, ok := SlugFromChannel("logs:brave-otter"); !ok || slug != "brave-otter" {
		t.Fatalf("unexpected slug %q ok=%v", slug, ok)
	}
	if _, ok := SlugFromChannel("logs:"); ok {
		t.Fatal("expected empty slug to be rejected")
	}
	if _, ok := SlugFromChannel("queue:events"); ok {
		t.Fatal("expected foreign channel to be rejected")
	}
}
