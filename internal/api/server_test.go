package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"renderd/internal/cache"
	"renderd/internal/config"
	"renderd/internal/models"
	"renderd/internal/pool"
	"renderd/internal/render"
	"renderd/internal/scheduler"
)

type testEnv struct {
	srv   *httptest.Server
	pool  *pool.Pool
	cache *cache.Cache
	sched *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	p, err := pool.New(context.Background(), render.NewLocalEngine(), pool.Config{
		Size: 2, Max: 2, AcquireTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Close)

	c := cache.New(nil, cache.Options{MaxItems: 32, MaxBytes: 8 << 20, TTL: time.Minute})
	sched := scheduler.New(p, c, nil, scheduler.Config{
		Concurrency: 2, QueueMax: 16, RenderTimeout: 5 * time.Second,
	})

	cfg := config.Config{RequestTimeout: 5 * time.Second}
	server := New(cfg, sched, c, p, nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, pool: p, cache: c, sched: sched}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestPostImageRendersJPEG(t *testing.T) {
	env := newTestEnv(t)
	resp := postJSON(t, env.srv.URL+"/image", map[string]any{
		"content": "<p>hi</p>", "width": 100, "height": 80, "format": "jpeg",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %s", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Fatalf("unexpected cache-control: %s", cc)
	}

	var magic [2]byte
	if _, err := io.ReadFull(resp.Body, magic[:]); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if magic != [2]byte{0xFF, 0xD8} {
		t.Fatalf("expected jpeg magic, got %x", magic)
	}
}

func TestInvalidFormatRejectedBeforePool(t *testing.T) {
	env := newTestEnv(t)
	statsBefore := env.pool.Stats()

	resp := postJSON(t, env.srv.URL+"/image", map[string]any{
		"content": "<p>hi</p>", "format": "svgz",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}

	statsAfter := env.pool.Stats()
	if statsAfter.Idle != statsBefore.Idle || statsAfter.Busy != 0 {
		t.Fatalf("validation failure must not touch the pool: before=%+v after=%+v", statsBefore, statsAfter)
	}
}

func TestValidationBounds(t *testing.T) {
	env := newTestEnv(t)
	cases := []map[string]any{
		{"content": "<p>x</p>", "width": 4001},
		{"content": "<p>x</p>", "height": -5},
		{"content": "<p>x</p>", "quality": 200},
		{"content": ""},
	}
	for i, payload := range cases {
		resp := postJSON(t, env.srv.URL+"/image", payload)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.StatusCode)
		}
	}
}

func TestGetImageQueryParams(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/image?content=%3Cp%3Ehi%3C%2Fp%3E&width=64&height=48&format=png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
}

func TestAsyncSubmitAndPoll(t *testing.T) {
	env := newTestEnv(t)
	resp := postJSON(t, env.srv.URL+"/image", map[string]any{
		"content": "<p>async</p>", "format": "png", "async": true,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var submitted jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitted.ID == "" {
		t.Fatalf("expected job id in async response")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("job never completed")
		}
		pollResp, err := http.Get(fmt.Sprintf("%s/job/%s", env.srv.URL, submitted.ID))
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		var polled jobResponse
		if err := json.NewDecoder(pollResp.Body).Decode(&polled); err != nil {
			t.Fatalf("decode poll response: %v", err)
		}
		pollResp.Body.Close()
		if polled.State == models.StateCompleted {
			if len(polled.Result) == 0 {
				t.Fatalf("completed job missing result bytes")
			}
			if !bytes.HasPrefix(polled.Result, []byte{0x89, 'P', 'N', 'G'}) {
				t.Fatalf("expected png result, got %x", polled.Result[:4])
			}
			return
		}
		if polled.State == models.StateFailed {
			t.Fatalf("job failed: %s", polled.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/job/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRepeatRequestServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{"content": "<p>repeat</p>", "width": 64, "height": 48}

	first := postJSON(t, env.srv.URL+"/image", payload)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first render: %d", first.StatusCode)
	}

	hitsBefore := env.cache.Stats().Hits
	second := postJSON(t, env.srv.URL+"/image", payload)
	second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second render: %d", second.StatusCode)
	}
	if hits := env.cache.Stats().Hits; hits <= hitsBefore {
		t.Fatalf("expected repeat request to hit the cache: %d -> %d", hitsBefore, hits)
	}
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/stats"} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		resp.Body.Close()
	}
}

func TestClearCacheEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := postJSON(t, env.srv.URL+"/image", map[string]any{"content": "<p>fill</p>"})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/cache", nil)
	clearResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete cache: %v", err)
	}
	defer clearResp.Body.Close()

	var body map[string]int
	if err := json.NewDecoder(clearResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["cleared"] != 1 {
		t.Fatalf("expected 1 cleared entry, got %d", body["cleared"])
	}
}
