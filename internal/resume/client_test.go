package resume

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExecutionID != "E1" || req.Decision != "approve" {
			t.Errorf("unexpected body %+v (%v)", req, err)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", time.Second)
	var failures []int
	attempts, err := Deliver(context.Background(), client, Request{ExecutionID: "E1", TaskID: "T1", Decision: "approve"},
		Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		func(n int, err error) { failures = append(failures, n) })
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if attempts != 3 || len(failures) != 2 {
		t.Fatalf("attempts=%d failures=%v", attempts, failures)
	}
}

func TestDeliverIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine down", http.StatusBadGateway)
	}))
	defer srv.Close()

	attempts, err := Deliver(context.Background(), NewClient(srv.URL, "", time.Second), Request{ExecutionID: "E1", TaskID: "T1"},
		Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadGateway {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDeliverStopsOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown task", http.StatusNotFound)
	}))
	defer srv.Close()

	attempts, err := Deliver(context.Background(), NewClient(srv.URL, "", time.Second), Request{ExecutionID: "E1", TaskID: "T1"},
		Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	if attempts != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got attempts=%d calls=%d", attempts, calls)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
}

func TestDeliverRetriesRateLimits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	attempts, err := Deliver(context.Background(), NewClient(srv.URL, "", time.Second), Request{ExecutionID: "E1", TaskID: "T1"},
		Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	if err != nil || attempts != 2 {
		t.Fatalf("expected delivery on the second call, got attempts=%d err=%v", attempts, err)
	}
}

func TestResumeWithoutURL(t *testing.T) {
	if err := (&Client{}).Resume(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
}
