package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"
)

const maxRemoteBody = 1 << 20 // 1MB

// Watch event types sent by a relay on a watch stream.
const (
	EventSnapshot = "snapshot"
	EventChange   = "change"
)

// WatchEvent is one frame of a relay watch stream. The first frame is
// always a snapshot of the current value.
type WatchEvent struct {
	Type   string `json:"type"`
	Exists bool   `json:"exists"`
	Data   []byte `json:"data,omitempty"`
}

// NewWatchEvent builds an event for content, where nil means absent.
func NewWatchEvent(typ string, content []byte) WatchEvent {
	return WatchEvent{Type: typ, Exists: content != nil, Data: content}
}

// Content returns the value carried by the event, nil when absent.
func (e WatchEvent) Content() []byte {
	if !e.Exists {
		return nil
	}
	if e.Data == nil {
		return []byte{}
	}
	return e.Data
}

// Remote is a Drive served by a relay over HTTP. Reads are anonymous;
// writes carry the bearer token.
type Remote struct {
	baseURL    string
	key        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	subs       *subscriptions

	// Backoff bounds for reopening a dropped watch stream.
	retryMin time.Duration
	retryMax time.Duration
}

// NewRemote returns a drive named key on the relay at baseURL.
func NewRemote(baseURL, key, token string) (*Remote, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid relay URL %q", baseURL)
	}
	return &Remote{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("drive", key, "relay", baseURL),
		subs:       newSubscriptions(),
		retryMin:   100 * time.Millisecond,
		retryMax:   5 * time.Second,
	}, nil
}

func (r *Remote) Key() string { return r.key }

func (r *Remote) entryURL(key, path string) string {
	return r.baseURL + "/drives/" + url.PathEscape(key) + CleanPath(path)
}

func (r *Remote) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay not reachable: %w", err)
	}
	return resp, nil
}

func (r *Remote) Put(ctx context.Context, path string, data []byte) error {
	if r.subs.isClosed() {
		return ErrClosed
	}
	if data == nil {
		data = []byte{}
	}
	resp, err := r.do(ctx, http.MethodPut, r.entryURL(r.key, path), data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func (r *Remote) Get(ctx context.Context, key, path string) ([]byte, error) {
	if r.subs.isClosed() {
		return nil, ErrClosed
	}
	if key == "" {
		key = r.key
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, http.MethodGet, r.entryURL(key, path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, fmt.Errorf("reading relay response: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	if r.subs.isClosed() {
		return ErrClosed
	}
	resp, err := r.do(ctx, http.MethodDelete, r.entryURL(r.key, path), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}

// Subscribe opens a websocket watch stream on the relay. It returns once
// the relay has sent the current value, so later writes are not missed.
// A dropped stream is reopened with backoff; the snapshot sent on the new
// stream is delivered to fn if it differs from the last value seen.
func (r *Remote) Subscribe(ctx context.Context, key, path string, fn func([]byte)) ([]byte, func(), error) {
	if r.subs.isClosed() {
		return nil, nil, ErrClosed
	}
	if key == "" {
		key = r.key
	}
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	path = CleanPath(path)

	ws, current, err := r.dialWatch(ctx, key, path)
	if err != nil {
		return nil, nil, err
	}

	watchURL := FormatURL(key, path)
	stop, err := r.subs.start(ctx, func(ctx context.Context) {
		last := current
		deliver := func(data []byte) {
			if sameContent(last, data) {
				return
			}
			last = data
			fn(data)
		}
		for {
			err := readWatch(ctx, ws, deliver)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("watch stream ended, reconnecting", "url", watchURL, "error", err)

			var snapshot []byte
			ws, snapshot, err = r.redialWatch(ctx, key, path)
			if err != nil {
				return
			}
			deliver(snapshot)
		}
	})
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	return current, stop, nil
}

// readWatch delivers the content of every frame on ws until the stream
// fails or ctx ends. ws is closed on return.
func readWatch(ctx context.Context, ws *websocket.Conn, deliver func([]byte)) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	defer ws.Close()

	for {
		var ev WatchEvent
		if err := websocket.JSON.Receive(ws, &ev); err != nil {
			return err
		}
		deliver(ev.Content())
	}
}

// dialWatch opens a watch stream and reads its snapshot frame.
func (r *Remote) dialWatch(ctx context.Context, key, path string) (*websocket.Conn, []byte, error) {
	wsURL := r.baseURL + "/watch/" + url.PathEscape(key) + path
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	cfg, err := websocket.NewConfig(wsURL, r.baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("building watch config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("opening watch stream: %w", err)
	}

	var first WatchEvent
	if err := websocket.JSON.Receive(ws, &first); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("reading watch snapshot: %w", err)
	}
	return ws, first.Content(), nil
}

// redialWatch retries dialWatch with exponential backoff until it succeeds
// or ctx ends.
func (r *Remote) redialWatch(ctx context.Context, key, path string) (*websocket.Conn, []byte, error) {
	delay := r.retryMin
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}

		ws, snapshot, err := r.dialWatch(ctx, key, path)
		if err == nil {
			r.logger.Info("watch stream reopened", "url", FormatURL(key, path))
			return ws, snapshot, nil
		}
		r.logger.Debug("watch reconnect failed", "url", FormatURL(key, path), "retry_in", delay, "error", err)
		delay = min(delay*2, r.retryMax)
	}
}

// Close ends every watch stream.
func (r *Remote) Close() error {
	r.subs.close()
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
