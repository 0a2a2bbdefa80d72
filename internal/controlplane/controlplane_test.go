package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterJobDecodesPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/42/register" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request body: %v", err)
		}
		if body["hostname"] != "node01" || body["hash"] != "abc123" {
			t.Errorf("unexpected request body: %+v", body)
		}
		json.NewEncoder(w).Encode(JobConfig{
			IntervalMillis:    1000,
			EnableMonitoring:  true,
			EnableLikwid:      false,
			BenchmarkRequired: true,
		})
	}))
	defer srv.Close()

	c := &Client{httpClient: srv.Client(), baseURL: srv.URL}
	cfg, err := c.RegisterJob(context.Background(), 42, "node01", "abc123")
	if err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if cfg.IntervalMillis != 1000 || !cfg.EnableMonitoring || cfg.EnableLikwid || !cfg.BenchmarkRequired {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestRegisterJobPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Client{httpClient: srv.Client(), baseURL: srv.URL}
	if _, err := c.RegisterJob(context.Background(), 1, "node01", "hash"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestRegisterNodePostsSystemInfo(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{httpClient: srv.Client(), baseURL: srv.URL}
	err := c.RegisterNode(context.Background(), "abc123", map[string]any{"os": map[string]any{"hostname": "node01"}})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if gotPath != "/nodes/abc123/register" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotBody["os"] == nil {
		t.Errorf("expected os key in posted body: %+v", gotBody)
	}
}
