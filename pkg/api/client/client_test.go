package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeploySendsOwnerAndBody(t *testing.T) {
	var gotOwner string
	var gotBody DeployInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deployment/deploy" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotOwner = r.Header.Get("X-Owner-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"queued","projectSlug":"brave-otter","deploymentId":"dep-1","url":"http://brave-otter.localhost:8000"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithOwner(" owner-1 "))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := cli.Deploy(context.Background(), DeployInput{SourceURL: "https://github.com/u/r", Slug: "brave-otter"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if gotOwner != "owner-1" {
		t.Fatalf("expected owner header, got %q", gotOwner)
	}
	if gotBody.SourceURL != "https://github.com/u/r" || gotBody.Slug != "brave-otter" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if sub.DeploymentID != "dep-1" || sub.Status != "queued" {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.History(context.Background(), "missing")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "not found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestTailParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs/brave-otter/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "data: {\"type\":\"log\",\"log\":\"Build started\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"status\",\"status\":\"READY\",\"deploymentId\":\"dep-1\"}\n\n")
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var got []StreamMessage
	err := cli.Tail(context.Background(), "brave-otter", func(m StreamMessage) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 || got[0].Log != "Build started" || got[1].Status != "READY" {
		t.Fatalf("unexpected messages %+v", got)
	}
}

func TestTailStopsWhenCallbackFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"log\",\"log\":\"one\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"log\",\"log\":\"two\"}\n\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	cli, _ := New(srv.URL)
	calls := 0
	err := cli.Tail(context.Background(), "brave-otter", func(StreamMessage) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after first message, got err=%v calls=%d", err, calls)
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	cli, err := New("  ")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cli.baseURL != defaultBaseURL {
		t.Fatalf("expected default base url, got %q", cli.baseURL)
	}
	cli, _ = New("api.example.com/")
	if cli.baseURL != "http://api.example.com" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}

func TestQueueEventsParsesJobEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"active\",\"jobId\":\"job-1\",\"deploymentId\":\"dep-1\",\"attempt\":1}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"event\":\"failed\",\"jobId\":\"job-1\",\"error\":\"lease expired\"}\n\n")
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var got []QueueEvent
	err := cli.QueueEvents(context.Background(), func(ev QueueEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("QueueEvents: %v", err)
	}
	if len(got) != 2 || got[0].Type != "active" || got[0].Attempt != 1 || got[1].Error != "lease expired" {
		t.Fatalf("unexpected events %+v", got)
	}
}
