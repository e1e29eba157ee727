package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/workspace-sync/internal/api"
	"github.com/fruitsalade/workspace-sync/internal/auth"
	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/internal/watcher"
	"github.com/fruitsalade/workspace-sync/internal/workspace"
	"github.com/fruitsalade/workspace-sync/pkg/protocol"
	"github.com/fruitsalade/workspace-sync/pkg/retry"
)

const testID = "44444444-4444-4444-4444-444444444444"

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
	}
}

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL:     ts.URL,
		RetryConfig: fastRetry(),
		WatchRetry:  fastRetry(),
	})
	return c, ts
}

// realServer starts the workspace API backed by a temp directory.
func realServer(t *testing.T) (*Client, *watcher.Hub) {
	t.Helper()
	logging.InitNop()

	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	hub := watcher.NewHub(store)
	a := auth.New("test-secret")
	token, _, err := a.IssueToken("user-1", "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	c, ts := testClient(api.NewServer(store, hub, a, api.Options{}).Handler())
	c.SetAuthToken(token)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return c, hub
}

func TestRoundTrip(t *testing.T) {
	c, _ := realServer(t)
	ctx := context.Background()

	n, err := c.Upload(ctx, testID, []UploadFile{
		{Name: "notes.txt", Content: strings.NewReader("hello")},
		{Name: "data.csv", Content: strings.NewReader("a,b\n")},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files, got %d", n)
	}

	names, err := c.List(ctx, testID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "data.csv,notes.txt" {
		t.Errorf("unexpected list %v", names)
	}

	body, ct, err := c.Download(ctx, testID, "notes.txt")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}

	if err := c.Delete(ctx, testID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	names, err = c.List(ctx, testID)
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty list, got %v", names)
	}
}

func TestUploadInvalidName(t *testing.T) {
	c, _ := realServer(t)
	_, err := c.Upload(context.Background(), testID, []UploadFile{
		{Name: "../escape.txt", Content: strings.NewReader("x")},
	})
	if StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestDownloadMissing(t *testing.T) {
	c, _ := realServer(t)
	_, _, err := c.Download(context.Background(), testID, "missing.txt")
	if StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "invalid token", Code: 401})
	}))
	defer ts.Close()

	_, err := c.List(context.Background(), testID)
	if StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid token") {
		t.Errorf("expected server message in error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestListRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]string{"a.txt"})
	}))
	defer ts.Close()

	names, err := c.List(context.Background(), testID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("unexpected names %v", names)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestWatchAgainstServer(t *testing.T) {
	c, hub := realServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Upload(ctx, testID, []UploadFile{{Name: "first.txt", Content: strings.NewReader("1")}}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	events, _ := c.Watch(ctx, testID)
	ev := nextEvent(t, events)
	if ev.Kind != EventChanged || ev.File.FileName != "first.txt" {
		t.Fatalf("expected initial sync of first.txt, got %+v", ev)
	}

	if _, err := c.Upload(ctx, testID, []UploadFile{{Name: "second.txt", Content: strings.NewReader("2")}}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	for {
		ev = nextEvent(t, events)
		if ev.File.FileName == "second.txt" {
			break
		}
	}
	if ev.Kind != EventChanged || ev.File.Workspace != testID {
		t.Errorf("unexpected event %+v", ev)
	}

	cancel()
	for range events {
	}
	deadline := time.Now().Add(5 * time.Second)
	for hub.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watch not released, %d active", hub.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchReconnects(t *testing.T) {
	var conns atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, ": keep-alive\n\n")
		fmt.Fprintf(w, "data: {\"workspace\":%q,\"file_name\":\"f%d.txt\",\"mime_type\":\"text/plain\"}\n\n", testID, n)
		fmt.Fprintf(w, "event: remove\ndata: {\"workspace\":%q,\"file_name\":\"gone.txt\",\"mime_type\":\"text/plain\"}\n\n", testID)
		fmt.Fprintf(w, "event: unknown\ndata: {}\n\n")
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := c.Watch(ctx, testID)

	want := []Event{
		{Kind: EventChanged, File: protocol.UploadedFile{Workspace: testID, FileName: "f1.txt", MimeType: "text/plain"}},
		{Kind: EventRemoved, File: protocol.UploadedFile{Workspace: testID, FileName: "gone.txt", MimeType: "text/plain"}},
		{Kind: EventChanged, File: protocol.UploadedFile{Workspace: testID, FileName: "f2.txt", MimeType: "text/plain"}},
	}
	for i, w := range want {
		if got := nextEvent(t, events); got != w {
			t.Errorf("event %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestWatchStopsOnUnauthorized(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	events, errs := c.Watch(context.Background(), testID)
	select {
	case err := <-errs:
		if StatusCode(err) != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	if _, ok := <-events; ok {
		t.Fatal("expected events channel to be closed")
	}
}
