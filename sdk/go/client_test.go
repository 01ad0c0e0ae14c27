package sketchlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewInitializesHTTPClient(t *testing.T) {
	c := New("http://localhost:8080")
	if c.HTTPClient == nil {
		t.Fatal("New returned a client without an HTTP client")
	}
	if c.HTTPClient.Timeout != c.Timeout {
		t.Fatalf("http client timeout %v, want %v", c.HTTPClient.Timeout, c.Timeout)
	}
}

func TestRunsSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/runs" {
			t.Errorf("path = %q, want /v0/runs", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "slk_test" {
			t.Errorf("X-Api-Key = %q, want slk_test", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		json.NewEncoder(w).Encode([]Run{{ID: "r1", Status: "succeeded"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "slk_test"
	runs, err := c.Runs(context.Background(), 5)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestBearerTokenWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "" {
			t.Errorf("X-Api-Key = %q, want empty", got)
		}
		json.NewEncoder(w).Encode(Run{ID: "r1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "slk_test"
	c.BearerToken = "tok"
	if _, err := c.Run(context.Background(), "r1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDoDoesNotMutateZeroValueClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Run{})
	}))
	defer srv.Close()

	// A zero-value Client (not built by New) must still work, and do must not
	// write a fallback transport back onto the struct.
	c := &Client{BaseURL: srv.URL}
	if _, err := c.Runs(context.Background(), 0); err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if c.HTTPClient != nil {
		t.Fatal("do mutated HTTPClient on the client struct")
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"not_found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Run(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", apiErr.StatusCode)
	}
}
