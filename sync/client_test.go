package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

// NOTE: These tests run against httptest only. With no redis configured the
// limiter is the in-process ticker, so a high limit keeps them fast.

func newTestClient(t *testing.T, serverURL string, maxRetries int) *RateLimitedClient {
	t.Helper()
	client, err := NewRateLimitedClient(ClientOptions{
		Rail:        "testrail",
		BaseURL:     serverURL,
		AuthHeader:  "X-API-Key",
		AuthValue:   "secret",
		LimitPerMin: 600000,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.sleep = func(time.Duration) {}
	return client
}

func TestClientRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 4)
	body, err := client.GetJSON(context.Background(), "/v1/things", url.Values{})
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientExhaustsRetriesOnPersistentServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 2)
	_, err := client.GetJSON(context.Background(), "/v1/things", nil)

	var transient *TransientSyncError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientSyncError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected maxRetries+1 = 3 attempts, got %d", got)
	}
}

func TestClientRateLimitResponseIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)
	_, err := client.GetJSON(context.Background(), "/v1/things", nil)

	var transient *TransientSyncError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientSyncError for 429, got %v", err)
	}
}

func TestClientAuthFailureIsFatalWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 4)
	_, err := client.GetJSON(context.Background(), "/v1/things", nil)

	var fatal *FatalSyncError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalSyncError for 401, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("auth failures must not retry, attempts=%d", got)
	}
}

func TestClientSendsAuthHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-API-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)
	if _, err := client.GetJSON(context.Background(), "/v1/things", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotHeader != "secret" {
		t.Fatalf("expected auth header on request, got %q", gotHeader)
	}
}

func TestClientWriteRetriesAtMostOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 5)
	_, err := client.PostJSON(context.Background(), "/v1/payments", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("writes retry once at most, attempts=%d", got)
	}
}
