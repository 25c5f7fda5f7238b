package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoJSONDoesNotRetryClientError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"description":"insufficient liquidity"}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 3)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	_, err := client.DoJSON(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected client error")
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected a single attempt on 4xx, got %d", got)
	}
	statusErr, ok := AsStatusError(err)
	if !ok || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status error in chain, got %v", err)
	}
	if string(statusErr.Body) != `{"description":"insufficient liquidity"}` {
		t.Fatalf("unexpected body: %s", statusErr.Body)
	}
	if !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("unexpected code: %v", err)
	}
}
