package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/storage"
)

const testToken = "relay-token"

var ctx = context.Background()

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRelay(t *testing.T) (*httptest.Server, *storage.Store) {
	t.Helper()
	return newTestRelayWith(t, nil)
}

// newTestRelayWith serves the relay handler behind wrap, if set.
func newTestRelayWith(t *testing.T, wrap func(http.Handler) http.Handler) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	srv := NewServer(store, testToken, 10*time.Millisecond)
	h := srv.Handler()
	if wrap != nil {
		h = wrap(h)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		store.Close()
	})
	return ts, store
}

// dropper cancels the context of every request in flight on demand, which
// makes the relay end its watch streams.
type dropper struct {
	mu      sync.Mutex
	cancels []context.CancelFunc
}

func (d *dropper) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		d.mu.Lock()
		d.cancels = append(d.cancels, cancel)
		d.mu.Unlock()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (d *dropper) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = nil
}

func listDrives(t *testing.T, baseURL string) []string {
	t.Helper()
	resp, err := http.Get(baseURL + "/drives")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Drives []string `json:"drives"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.Drives
}

func newTestRemote(t *testing.T, baseURL, key, token string) *drive.Remote {
	t.Helper()
	d, err := drive.NewRemote(baseURL, key, token)
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return nil
	}
}

func TestRemote_PutGetDelete(t *testing.T) {
	ts, store := newTestRelay(t)
	d := newTestRemote(t, ts.URL, "alice", testToken)

	got, err := d.Get(ctx, "", "/profile.json")
	if err != nil || got != nil {
		t.Fatalf("Get missing = %q, %v; want nil, nil", got, err)
	}

	if err := d.Put(ctx, "/profile.json", []byte(`{"name":"alice"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err = d.Get(ctx, "", "/profile.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"name":"alice"}` {
		t.Errorf("Get = %q", got)
	}

	e, err := store.GetEntry(ctx, "alice", "/profile.json")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if string(e.Content) != `{"name":"alice"}` {
		t.Errorf("stored content = %q", e.Content)
	}

	if err := d.Delete(ctx, "/profile.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = d.Get(ctx, "", "/profile.json")
	if err != nil || got != nil {
		t.Errorf("Get after delete = %q, %v", got, err)
	}
	if err := d.Delete(ctx, "/profile.json"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestRemote_EmptyEntryIsPresent(t *testing.T) {
	ts, _ := newTestRelay(t)
	d := newTestRemote(t, ts.URL, "alice", testToken)

	if err := d.Put(ctx, "/empty", []byte{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := d.Get(ctx, "", "/empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Get = %#v, want empty non-nil", got)
	}
}

func TestRemote_ReadOtherDrive(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := newTestRemote(t, ts.URL, "alice", testToken)
	bob := newTestRemote(t, ts.URL, "bob", "")

	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"alice"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bob.Get(ctx, "alice", "/profile.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"name":"alice"}` {
		t.Errorf("Get = %q", got)
	}
}

func TestRemote_WriteRequiresToken(t *testing.T) {
	ts, _ := newTestRelay(t)

	for _, token := range []string{"", "wrong"} {
		d := newTestRemote(t, ts.URL, "alice", token)
		err := d.Put(ctx, "/profile.json", []byte(`{}`))
		if err == nil || !strings.Contains(err.Error(), "401") {
			t.Errorf("Put with token %q: err = %v, want 401", token, err)
		}
		if err := d.Delete(ctx, "/profile.json"); err == nil {
			t.Errorf("Delete with token %q: want error", token)
		}
	}
}

func TestServer_EmptyTokenRejectsWrites(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	srv := NewServer(store, "", time.Second)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPut, "/drives/alice/profile.json", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestServer_ListDrives(t *testing.T) {
	ts, store := newTestRelay(t)
	for _, k := range []string{"alice", "bob"} {
		if err := store.EnsureDrive(ctx, k); err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]string{"alice", "bob"}, listDrives(t, ts.URL)); diff != "" {
		t.Errorf("drives mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_AnonymousAccessRegistersNothing(t *testing.T) {
	ts, _ := newTestRelay(t)

	for _, key := range []string{"ghost1", "ghost2"} {
		resp, err := http.Get(ts.URL + "/drives/" + key + "/profile.json")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", key, resp.StatusCode)
		}
	}

	watcher := newTestRemote(t, ts.URL, "watcher", "")
	current, unsubscribe, err := watcher.Subscribe(ctx, "ghost3", "/profile.json", func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if current != nil {
		t.Errorf("watch snapshot = %q, want nil", current)
	}
	unsubscribe()

	writer := newTestRemote(t, ts.URL, "ghost4", testToken)
	if err := writer.Delete(ctx, "/profile.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if got := listDrives(t, ts.URL); len(got) != 0 {
		t.Errorf("drives = %v, want none", got)
	}

	if err := writer.Put(ctx, "/profile.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ghost4"}, listDrives(t, ts.URL)); diff != "" {
		t.Errorf("drives after write mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_InvalidKey(t *testing.T) {
	ts, _ := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/drives/a%5Cb/profile.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", body.Error.Type)
	}
}

func TestServer_RequestID(t *testing.T) {
	ts, _ := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/drives")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/drives", nil)
	req.Header.Set("X-Request-Id", "abc")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc" {
		t.Errorf("X-Request-Id = %q, want abc", got)
	}
}

func TestServer_RequestLogCarriesComponent(t *testing.T) {
	var buf syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ts, _ := newTestRelay(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/drives", nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "request_id=req-42") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no request log in:\n%s", buf.String())
	}
	if !strings.Contains(line, "component=relay") {
		t.Errorf("request log missing component: %s", line)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRemote_Subscribe(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := newTestRemote(t, ts.URL, "alice", testToken)
	bob := newTestRemote(t, ts.URL, "bob", "")

	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"v1"}`)); err != nil {
		t.Fatal(err)
	}

	ch := make(chan []byte, 8)
	_, unsubscribe, err := bob.Subscribe(ctx, "alice", "/profile.json", func(b []byte) { ch <- b })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"v2"}`)); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); string(got) != `{"name":"v2"}` {
		t.Errorf("first event = %q", got)
	}

	if err := alice.Delete(ctx, "/profile.json"); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); got != nil {
		t.Errorf("delete event = %q, want nil", got)
	}

	unsubscribe()
	unsubscribe()

	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"v3"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-ch:
		t.Errorf("event after unsubscribe: %q", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemote_SubscribeSurvivesDroppedStream(t *testing.T) {
	var drop dropper
	ts, _ := newTestRelayWith(t, drop.wrap)
	alice := newTestRemote(t, ts.URL, "alice", testToken)
	bob := newTestRemote(t, ts.URL, "bob", "")

	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"v1"}`)); err != nil {
		t.Fatal(err)
	}

	ch := make(chan []byte, 8)
	_, unsubscribe, err := bob.Subscribe(ctx, "alice", "/profile.json", func(b []byte) { ch <- b })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	drop.dropAll()

	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"v2"}`)); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); string(got) != `{"name":"v2"}` {
		t.Errorf("event after drop = %q", got)
	}

	// Give the reopened stream time to arm before the next write.
	time.Sleep(100 * time.Millisecond)
	if err := alice.Put(ctx, "/profile.json", []byte(`{"name":"v3"}`)); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); string(got) != `{"name":"v3"}` {
		t.Errorf("event on reopened stream = %q", got)
	}
	select {
	case v := <-ch:
		t.Errorf("duplicate event: %q", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemote_Closed(t *testing.T) {
	ts, _ := newTestRelay(t)
	d := newTestRemote(t, ts.URL, "alice", testToken)
	d.Close()

	if _, _, err := d.Subscribe(ctx, "", "/profile.json", func([]byte) {}); !errors.Is(err, drive.ErrClosed) {
		t.Errorf("Subscribe after Close: err = %v, want ErrClosed", err)
	}
}

func TestNewRemote_Invalid(t *testing.T) {
	if _, err := drive.NewRemote("ftp://example.com", "alice", ""); err == nil {
		t.Error("want error for non-http relay URL")
	}
	if _, err := drive.NewRemote("http://example.com", "", ""); err == nil {
		t.Error("want error for empty key")
	}
}
