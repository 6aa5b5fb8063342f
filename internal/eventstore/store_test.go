package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendRequest(ctx, Request{ID: "r", Kind: "chat"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListRequestEvents(ctx, "r", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events from ephemeral store, got %v %v", events, err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var es *Store
	if err := es.AppendEvent(context.Background(), Event{RequestID: "r", Type: TypePrompt}); err != nil {
		t.Fatalf("nil store append: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	requestID := "request-123"
	if err := es.AppendRequest(ctx, Request{ID: requestID, Kind: "chat", Voice: "en_US-amy-medium.onnx"}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	for _, evt := range []Event{
		{RequestID: requestID, Type: TypePrompt, Payload: "hello"},
		{RequestID: requestID, Type: TypeResponse, Payload: "Hello there."},
		{RequestID: requestID, Type: TypeAudioComplete, Payload: `{"fragments":1}`},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListRequestEvents(ctx, requestID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != TypePrompt || events[0].Payload != "hello" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[2].Type != TypeAudioComplete {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(ctx, Request{ID: "old-request", Kind: "chat"}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RequestID: "old-request", Type: TypePrompt}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(ctx, Request{ID: "new-request", Kind: "analyze"}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RequestID: "new-request", Type: TypePrompt}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRequestEvents(ctx, "old-request", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old request pruned")
	}
	events, err = es.ListRequestEvents(ctx, "new-request", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected new request kept, got %d events", len(events))
	}
}
