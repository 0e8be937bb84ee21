package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func backendAddress(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return u.Host
}

func TestProbe_ReturnsOkWhenAlreadyHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New()
	out := p.Probe(context.Background(), backendAddress(t, srv), "/", time.Second, time.Millisecond, 10*time.Millisecond)
	if out != Ok {
		t.Fatalf("expected Ok, got %v", out)
	}
}

func TestProbe_TimesOutWhenNeverHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New()
	out := p.Probe(context.Background(), backendAddress(t, srv), "/", 50*time.Millisecond, time.Millisecond, 5*time.Millisecond)
	if out != TimedOut {
		t.Fatalf("expected TimedOut, got %v", out)
	}
}

func TestProbe_BecomesHealthyPartway(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New()
	out := p.Probe(context.Background(), backendAddress(t, srv), "/", time.Second, time.Millisecond, 5*time.Millisecond)
	if out != Ok {
		t.Fatalf("expected Ok, got %v", out)
	}
}

func TestWaitForDown_ReturnsOkOnceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	addr := backendAddress(t, srv)
	srv.Close() // already unreachable

	p := New()
	out := p.WaitForDown(context.Background(), addr, "/", time.Second, time.Millisecond, 5*time.Millisecond)
	if out != Ok {
		t.Fatalf("expected Ok, got %v", out)
	}
}

func TestProbe_ContextCancellation_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New()
	out := p.Probe(ctx, backendAddress(t, srv), "/", time.Second, time.Millisecond, 5*time.Millisecond)
	if out != TimedOut {
		t.Fatalf("expected TimedOut after context cancellation, got %v", out)
	}
}
