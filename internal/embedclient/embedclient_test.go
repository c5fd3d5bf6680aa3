package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	herrors "github.com/mycelial/hiveware/pkg/errors"
)

func TestNewRejectsNonLoopback(t *testing.T) {
	_, err := New(Config{BaseURL: "http://example.com:11434"})
	if err == nil {
		t.Fatal("expected error for non-loopback base url")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:11434"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Dimension() != 1536 {
		t.Errorf("Dimension() = %d, want 1536", c.Dimension())
	}
}

func TestEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: mustLoopback(t, srv.URL), MaxAttempts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("embedding len = %d, want 3", len(got))
	}
}

func TestEmbedRetriesThenFails(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: mustLoopback(t, srv.URL), MaxAttempts: 3, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !herrors.IsRetryable(err) {
		t.Errorf("expected retryable EmbedderUnavailable error, got %v", err)
	}
	if attempts < 2 {
		t.Errorf("expected multiple attempts, got %d", attempts)
	}
}

// mustLoopback rewrites httptest's 127.0.0.1 URL verbatim (httptest already
// binds loopback, so this just documents the precondition for the reader).
func mustLoopback(t *testing.T, url string) string {
	t.Helper()
	return url
}
