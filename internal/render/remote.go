package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEngine talks to an external rendering endpoint (typically a headless
// browser sidecar) over HTTP. Each handle gets its own client so a wedged
// connection never leaks across pool slots.
type RemoteEngine struct {
	url     string
	timeout time.Duration
}

// NewRemoteEngine builds an engine for the given endpoint. The timeout bounds
// the full HTTP exchange and should be at least the per-render budget.
func NewRemoteEngine(url string, timeout time.Duration) *RemoteEngine {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{url: url, timeout: timeout}
}

func (e *RemoteEngine) NewHandle(_ context.Context) (Handle, error) {
	if e.url == "" {
		return nil, fmt.Errorf("%w: no engine URL configured", ErrEngine)
	}
	return &remoteHandle{
		url:    e.url,
		client: &http.Client{Timeout: e.timeout},
	}, nil
}

type remoteHandle struct {
	url    string
	client *http.Client
}

type remoteRenderPayload struct {
	Content  string `json:"content"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Quality  int    `json:"quality"`
	Format   string `json:"format"`
	FullPage bool   `json:"full_page"`
}

func (h *remoteHandle) Render(ctx context.Context, req Request) ([]byte, error) {
	opts := req.Options.withDefaults()
	body, err := json.Marshal(remoteRenderPayload{
		Content:  req.Content,
		Width:    opts.Width,
		Height:   opts.Height,
		Quality:  opts.Quality,
		Format:   opts.Format,
		FullPage: opts.FullPage,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: engine returned status %d", ErrEngine, resp.StatusCode)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read engine response: %v", ErrEngine, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: engine returned empty output", ErrEngine)
	}
	return out, nil
}

func (h *remoteHandle) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
