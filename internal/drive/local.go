package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/slashprofile/internal/storage"
)

// EntryStore is the subset of storage.Store a Local drive needs.
type EntryStore interface {
	EnsureDrive(ctx context.Context, key string) error
	PutEntry(ctx context.Context, key, path string, content []byte) (int64, error)
	GetEntry(ctx context.Context, key, path string) (storage.Entry, error)
	EntrySeq(ctx context.Context, key, path string) (int64, error)
	DeleteEntry(ctx context.Context, key, path string) error
}

// Local is a Drive backed by a SQLite store. Every drive in the store can
// be read and watched; only its own key is written.
type Local struct {
	store  EntryStore
	key    string
	poll   time.Duration
	logger *slog.Logger
	subs   *subscriptions
}

// NewLocal opens the drive named key in store and registers it. If
// pollInterval is <= 0, subscriptions poll every 500ms.
func NewLocal(ctx context.Context, store EntryStore, key string, pollInterval time.Duration) (*Local, error) {
	d, err := ViewLocal(store, key, pollInterval)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureDrive(ctx, key); err != nil {
		return nil, fmt.Errorf("registering drive %s: %w", key, err)
	}
	return d, nil
}

// ViewLocal is NewLocal without registering the drive. Reads, deletes and
// subscriptions leave the store untouched; the first Put registers it.
func ViewLocal(store EntryStore, key string, pollInterval time.Duration) (*Local, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Local{
		store:  store,
		key:    key,
		poll:   pollInterval,
		logger: slog.Default().With("drive", key),
		subs:   newSubscriptions(),
	}, nil
}

func (d *Local) Key() string { return d.key }

func (d *Local) Put(ctx context.Context, path string, data []byte) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	path = CleanPath(path)
	seq, err := d.store.PutEntry(ctx, d.key, path, data)
	if err != nil {
		return fmt.Errorf("putting %s: %w", path, err)
	}
	d.logger.Debug("entry written", "path", path, "seq", seq, "bytes", len(data))
	return nil
}

func (d *Local) Get(ctx context.Context, key, path string) ([]byte, error) {
	if d.subs.isClosed() {
		return nil, ErrClosed
	}
	if key == "" {
		key = d.key
	}
	path = CleanPath(path)
	e, err := d.store.GetEntry(ctx, key, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", FormatURL(key, path), err)
	}
	if e.Content == nil {
		return []byte{}, nil
	}
	return e.Content, nil
}

func (d *Local) Delete(ctx context.Context, path string) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	path = CleanPath(path)
	if err := d.store.DeleteEntry(ctx, d.key, path); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	d.logger.Debug("entry deleted", "path", path)
	return nil
}

// Subscribe polls the entry's sequence number and reads the content only
// when it moves.
func (d *Local) Subscribe(ctx context.Context, key, path string, fn func([]byte)) ([]byte, func(), error) {
	if key == "" {
		key = d.key
	}
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	path = CleanPath(path)

	// The sequence is read before the content: a write in between moves the
	// sequence, and the poll then finds the content unchanged.
	seq, err := d.seq(ctx, key, path)
	if err != nil {
		return nil, nil, err
	}
	last, err := d.Get(ctx, key, path)
	if err != nil {
		return nil, nil, err
	}
	current := last

	stop, err := d.subs.start(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(d.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := d.seq(ctx, key, path)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("polling entry failed", "url", FormatURL(key, path), "error", err)
				continue
			}
			if next == seq {
				continue
			}
			seq = next

			data, err := d.Get(ctx, key, path)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("reading changed entry failed", "url", FormatURL(key, path), "error", err)
				continue
			}
			if sameContent(last, data) {
				continue
			}
			last = data
			fn(data)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return current, stop, nil
}

// seq returns the entry's sequence number, or -1 when it does not exist.
func (d *Local) seq(ctx context.Context, key, path string) (int64, error) {
	seq, err := d.store.EntrySeq(ctx, key, path)
	if errors.Is(err, storage.ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Close stops all subscriptions. The store stays open; it belongs to the
// caller.
func (d *Local) Close() error {
	d.subs.close()
	return nil
}

func sameContent(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}
