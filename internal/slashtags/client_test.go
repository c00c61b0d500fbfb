package slashtags

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/profile"
	"github.com/kalambet/slashprofile/internal/storage"
)

var ctx = context.Background()

// --- Mock drive ---

type mockDrive struct {
	mu      sync.Mutex
	key     string
	data    map[string][]byte
	puts    int
	deletes int
	getErr  error
	closed  bool
}

func newMockDrive(key string) *mockDrive {
	return &mockDrive{key: key, data: make(map[string][]byte)}
}

func (m *mockDrive) Key() string { return m.key }

func (m *mockDrive) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.data[m.key+path] = data
	return nil
}

func (m *mockDrive) Get(_ context.Context, key, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if key == "" {
		key = m.key
	}
	return m.data[key+path], nil
}

func (m *mockDrive) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.data, m.key+path)
	return nil
}

func (m *mockDrive) Subscribe(ctx context.Context, key, path string, _ func([]byte)) ([]byte, func(), error) {
	current, err := m.Get(ctx, key, path)
	if err != nil {
		return nil, nil, err
	}
	return current, func() {}, nil
}

// racingDrive writes its own profile right before the watch starts, the
// way a concurrent writer can.
type racingDrive struct {
	drive.Drive
	write []byte
}

func (d *racingDrive) Subscribe(ctx context.Context, key, path string, fn func([]byte)) ([]byte, func(), error) {
	if err := d.Drive.Put(ctx, path, d.write); err != nil {
		return nil, nil, err
	}
	return d.Drive.Subscribe(ctx, key, path, fn)
}

func (m *mockDrive) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// --- Helpers ---

func newLocalClient(t *testing.T, store *storage.Store, key string) *Client {
	t.Helper()
	d, err := drive.NewLocal(ctx, store, key, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	c := New(d, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type change struct {
	cur, prev *profile.Profile
}

func waitChange(t *testing.T, ch <-chan change) change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for profile change")
		return change{}
	}
}

// --- Tests ---

func TestCreateUpdateReadDelete(t *testing.T) {
	store := openTestStore(t)
	writer := newLocalClient(t, store, "writer")

	created := profile.Profile{Name: "foo"}
	if err := writer.Create(ctx, created); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := writer.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(&created, got); diff != "" {
		t.Errorf("created profile mismatch (-want +got):\n%s", diff)
	}

	updated := profile.Profile{Name: "bar"}
	if err := writer.Update(ctx, updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reader := newLocalClient(t, store, "reader")
	resolved, err := reader.ReadURL(ctx, writer.URL())
	if err != nil {
		t.Fatalf("ReadURL: %v", err)
	}
	if diff := cmp.Diff(&updated, resolved); diff != "" {
		t.Errorf("reader profile mismatch (-want +got):\n%s", diff)
	}

	if err := writer.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	afterDelete, err := writer.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if afterDelete != nil {
		t.Errorf("after delete Read = %+v, want nil", afterDelete)
	}
	afterDeleteReader, err := reader.ReadURL(ctx, writer.URL()+profile.Path)
	if err != nil {
		t.Fatal(err)
	}
	if afterDeleteReader != nil {
		t.Errorf("after delete reader = %+v, want nil", afterDeleteReader)
	}
}

func TestUpdate_InvalidNeverReachesDrive(t *testing.T) {
	d := newMockDrive("k")
	c := New(d, nil)

	err := c.Update(ctx, []any{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve *profile.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error type = %T, want *profile.ValidationError", err)
	}
	if err.Error() != "Invalid profile:\n - profile must be object" {
		t.Errorf("error = %q", err.Error())
	}

	err = c.Create(ctx, map[string]any{"links": []any{map[string]any{"title": "x"}}})
	if !errors.Is(err, profile.ErrInvalidProfile) {
		t.Fatalf("Create error = %v, want ErrInvalidProfile", err)
	}

	if d.puts != 0 {
		t.Errorf("drive saw %d puts, want 0", d.puts)
	}
}

func TestUpdate_WritesAtProfilePath(t *testing.T) {
	d := newMockDrive("k")
	c := New(d, nil)

	if err := c.Update(ctx, map[string]any{"name": "foo"}); err != nil {
		t.Fatal(err)
	}
	if got := string(d.data["k/profile.json"]); got != `{"name":"foo"}` {
		t.Errorf("stored %q", got)
	}
}

func TestDelete_SkipsValidation(t *testing.T) {
	d := newMockDrive("k")
	d.data["k"+profile.Path] = []byte(`[1,2,3]`)
	c := New(d, nil)

	if err := c.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if d.deletes != 1 {
		t.Errorf("deletes = %d, want 1", d.deletes)
	}
}

func TestRead_Malformed(t *testing.T) {
	d := newMockDrive("k")
	d.data["k"+profile.Path] = []byte("not json")
	c := New(d, nil)

	got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("Read = %+v, want nil", got)
	}
}

func TestReadRaw_Permissive(t *testing.T) {
	d := newMockDrive("k")
	d.data["k"+profile.Path] = []byte(`[1,2,3]`)
	c := New(d, nil)

	got, err := c.ReadRaw(ctx, "")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if diff := cmp.Diff(any([]any{1.0, 2.0, 3.0}), got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_DriveErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	d := newMockDrive("k")
	d.getErr = boom
	c := New(d, nil)

	if _, err := c.Read(ctx); !errors.Is(err, boom) {
		t.Errorf("Read error = %v, want wrapped boom", err)
	}
}

func TestReadURL_Invalid(t *testing.T) {
	c := New(newMockDrive("k"), nil)
	if _, err := c.ReadURL(ctx, "https://example.com"); !errors.Is(err, drive.ErrInvalidURL) {
		t.Errorf("ReadURL error = %v, want ErrInvalidURL", err)
	}
}

func TestURLAndKey(t *testing.T) {
	c := New(newMockDrive("abc"), nil)
	if c.Key() != "abc" {
		t.Errorf("Key = %q", c.Key())
	}
	if c.URL() != "slash:abc" {
		t.Errorf("URL = %q", c.URL())
	}
}

func TestClose(t *testing.T) {
	d := newMockDrive("k")
	c := New(d, nil)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !d.closed {
		t.Error("Close did not close the drive")
	}
}

func TestSubscribe_RemoteUpdated(t *testing.T) {
	store := openTestStore(t)
	writer := newLocalClient(t, store, "writer")
	reader := newLocalClient(t, store, "reader")

	created := profile.Profile{Name: "foo"}
	if err := writer.Create(ctx, created); err != nil {
		t.Fatal(err)
	}

	ch := make(chan change, 4)
	cleanup, err := reader.Subscribe(ctx, writer.URL(), func(cur, prev *profile.Profile) {
		ch <- change{cur, prev}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	updated := profile.Profile{Name: "bar"}
	if err := writer.Update(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got := waitChange(t, ch)
	if diff := cmp.Diff(&updated, got.cur); diff != "" {
		t.Errorf("cur mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&created, got.prev); diff != "" {
		t.Errorf("prev mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_RemoteDeleted(t *testing.T) {
	store := openTestStore(t)
	writer := newLocalClient(t, store, "writer")
	reader := newLocalClient(t, store, "reader")

	created := profile.Profile{Name: "foo"}
	if err := writer.Create(ctx, created); err != nil {
		t.Fatal(err)
	}

	ch := make(chan change, 4)
	cleanup, err := reader.Subscribe(ctx, writer.URL(), func(cur, prev *profile.Profile) {
		ch <- change{cur, prev}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if err := writer.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	got := waitChange(t, ch)
	if got.cur != nil {
		t.Errorf("cur = %+v, want nil", got.cur)
	}
	if diff := cmp.Diff(&created, got.prev); diff != "" {
		t.Errorf("prev mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_LocalUpdated(t *testing.T) {
	store := openTestStore(t)
	writer := newLocalClient(t, store, "writer")

	created := profile.Profile{Name: "foo"}
	if err := writer.Create(ctx, created); err != nil {
		t.Fatal(err)
	}

	ch := make(chan change, 4)
	cleanup, err := writer.Subscribe(ctx, "", func(cur, prev *profile.Profile) {
		ch <- change{cur, prev}
	})
	if err != nil {
		t.Fatal(err)
	}

	updated := profile.Profile{Name: "bar", Links: []profile.Link{{Title: "t", URL: "u"}}}
	if err := writer.Update(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got := waitChange(t, ch)
	if diff := cmp.Diff(&updated, got.cur); diff != "" {
		t.Errorf("cur mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&created, got.prev); diff != "" {
		t.Errorf("prev mismatch (-want +got):\n%s", diff)
	}

	cleanup()
	cleanup()
	if err := writer.Update(ctx, profile.Profile{Name: "baz"}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-ch:
		t.Errorf("delivery after cleanup: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribe_PrevTracksSequence(t *testing.T) {
	store := openTestStore(t)
	writer := newLocalClient(t, store, "writer")

	ch := make(chan change, 8)
	cleanup, err := writer.Subscribe(ctx, "", func(cur, prev *profile.Profile) {
		ch <- change{cur, prev}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	first := profile.Profile{Name: "one"}
	if err := writer.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	got := waitChange(t, ch)
	if got.prev != nil {
		t.Errorf("first prev = %+v, want nil", got.prev)
	}

	second := profile.Profile{Name: "two"}
	if err := writer.Update(ctx, second); err != nil {
		t.Fatal(err)
	}
	got = waitChange(t, ch)
	if diff := cmp.Diff(&first, got.prev); diff != "" {
		t.Errorf("second prev mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&second, got.cur); diff != "" {
		t.Errorf("second cur mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_WriteDuringSubscribe(t *testing.T) {
	store := openTestStore(t)
	d, err := drive.NewLocal(ctx, store, "writer", 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	c := New(&racingDrive{Drive: d, write: []byte(`{"name":"mid"}`)}, nil)
	t.Cleanup(func() { c.Close() })

	if err := c.Create(ctx, profile.Profile{Name: "first"}); err != nil {
		t.Fatal(err)
	}

	ch := make(chan change, 4)
	cleanup, err := c.Subscribe(ctx, "", func(cur, prev *profile.Profile) {
		ch <- change{cur, prev}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	last := profile.Profile{Name: "last"}
	if err := c.Update(ctx, last); err != nil {
		t.Fatal(err)
	}

	got := waitChange(t, ch)
	if diff := cmp.Diff(&last, got.cur); diff != "" {
		t.Errorf("cur mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&profile.Profile{Name: "mid"}, got.prev); diff != "" {
		t.Errorf("prev mismatch (-want +got):\n%s", diff)
	}
}
