package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("sk-test", "", "", 0)
	if c.model != defaultModel {
		t.Errorf("model = %q, want %q", c.model, defaultModel)
	}
	if c.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, defaultBaseURL)
	}
	if c.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", c.maxRetries, defaultMaxRetries)
	}
}

func TestNewClient_ConfiguredRetries(t *testing.T) {
	if c := NewClient("sk-test", "", "", 5); c.maxRetries != 5 {
		t.Errorf("maxRetries = %d, want 5", c.maxRetries)
	}
	if c := NewClient("sk-test", "", "", -1); c.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want default for negative input", c.maxRetries)
	}
}

func TestComplete_RetriesBounded(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", "test/model", srv.URL, 1)

	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 1 retries") {
		t.Errorf("error %q should report the configured retry bound", err)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want exactly 1 attempt", hits)
	}
}

func TestComplete_NonRetryableStatusFailsFast(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad request"}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", "test/model", srv.URL, 5)

	if _, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error")
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1 (no retry on 400)", hits)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"label": "x"}`, `{"label": "x"}`},
		{"```json\n{\"label\": \"x\"}\n```", `{"label": "x"}`},
		{"```\n{\"label\": \"x\"}\n```", `{"label": "x"}`},
		{`Here you go: {"label": "x"} hope that helps`, `{"label": "x"}`},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
