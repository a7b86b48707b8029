package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"venturegate/internal/domain"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	events   map[string]domain.AuditEvent
}

func (s *flakyStore) InsertAuditEvent(_ context.Context, evt domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	if s.events == nil {
		s.events = map[string]domain.AuditEvent{}
	}
	s.events[evt.ID] = evt
	return nil
}

func (s *flakyStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRecordWritesSynchronously(t *testing.T) {
	store := &flakyStore{}
	log := New(store, nil)
	log.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	evt := log.Record(context.Background(), Entry{VentureID: "v1", EventType: domain.EventGateOverride, Actor: "alice",
		Before: map[string]string{"phase": "desirability"}, After: map[string]string{"phase": "feasibility"}})
	if store.count() != 1 {
		t.Fatalf("expected 1 stored event, got %d", store.count())
	}
	if evt.Timestamp != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected timestamp %s", evt.Timestamp)
	}
	if evt.PayloadHash != PayloadHash(evt) || evt.PayloadHash == "" {
		t.Fatalf("payload hash not stable: %s", evt.PayloadHash)
	}
	if string(evt.Before) != `{"phase":"desirability"}` {
		t.Fatalf("before = %s", evt.Before)
	}
}

func TestRecordRetriesInBackgroundAndReportsFailure(t *testing.T) {
	store := &flakyStore{failures: 2}
	var errBuf bytes.Buffer
	log := New(store, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	log.ErrorLog = slog.New(slog.NewTextHandler(&errBuf, nil))

	var observed []string
	var mu sync.Mutex
	log.Observers = append(log.Observers, func(e domain.AuditEvent) {
		mu.Lock()
		observed = append(observed, e.ID)
		mu.Unlock()
	})

	evt := log.Record(context.Background(), Entry{VentureID: "v1", EventType: domain.EventStateUpdated})
	if store.count() != 0 {
		t.Fatalf("first write should have failed")
	}
	log.Flush()
	if store.count() != 1 {
		t.Fatalf("expected retried event to land, got %d", store.count())
	}
	if !bytes.Contains(errBuf.Bytes(), []byte("audit write failed")) {
		t.Fatalf("secondary channel missing failure: %s", errBuf.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != evt.ID {
		t.Fatalf("observers = %v", observed)
	}
}

func TestPayloadHashCoversContent(t *testing.T) {
	log := New(&flakyStore{}, nil)
	a := log.Build(Entry{VentureID: "v1", EventType: domain.EventStateUpdated, Payload: map[string]int{"version": 2}})
	b := log.Build(Entry{VentureID: "v1", EventType: domain.EventStateUpdated, Payload: map[string]int{"version": 3}})
	if a.PayloadHash == b.PayloadHash {
		t.Fatal("different payloads share a hash")
	}
	if a.Actor != domain.SystemActor {
		t.Fatalf("default actor = %s", a.Actor)
	}
}
