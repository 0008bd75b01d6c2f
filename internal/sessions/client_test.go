package sessions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"frameworks/pkg/clients"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:      srv.URL,
		ServiceToken: "svc-token",
		Timeout:      time.Second,
		Executor: clients.HTTPExecutorConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestIsOpen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/sessions/open-1":
			_, _ = w.Write([]byte(`{"open":true}`))
		case "/sessions/closed-1":
			_, _ = w.Write([]byte(`{"open":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	tests := map[string]bool{"open-1": true, "closed-1": false, "gone": false}
	for id, want := range tests {
		got, err := c.IsOpen(context.Background(), id)
		if err != nil {
			t.Fatalf("IsOpen(%s): %v", id, err)
		}
		if got != want {
			t.Fatalf("IsOpen(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestIsOpenRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"open":true}`))
	})

	open, err := c.IsOpen(context.Background(), "s1")
	if err != nil || !open {
		t.Fatalf("expected open after retry, got %v %v", open, err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestIsOpenUnexpectedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	})
	if _, err := c.IsOpen(context.Background(), "s1"); err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestCloseSession(t *testing.T) {
	var closed string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/sessions/s1/close":
			closed = "s1"
			w.WriteHeader(http.StatusNoContent)
		case "/sessions/done/close":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	if err := c.CloseSession(context.Background(), "s1"); err != nil || closed != "s1" {
		t.Fatalf("close s1: %v", err)
	}
	if err := c.CloseSession(context.Background(), "done"); err != nil {
		t.Fatalf("closing an already closed session should succeed: %v", err)
	}
	if err := c.CloseSession(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without base URL")
	}
}
