package drive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Dir is a Drive kept as plain files under root/<key>/. Sibling key
// directories are readable as other drives. Subscriptions are driven by
// filesystem notifications, so changes made by other processes are seen.
type Dir struct {
	root   string
	key    string
	logger *slog.Logger
	subs   *subscriptions
}

// NewDir opens (creating if needed) the drive named key under root.
func NewDir(root, key string) (*Dir, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	d := &Dir{
		root:   root,
		key:    key,
		logger: slog.Default().With("drive", key),
		subs:   newSubscriptions(),
	}
	if err := os.MkdirAll(filepath.Join(root, key), 0o755); err != nil {
		return nil, fmt.Errorf("creating drive directory: %w", err)
	}
	return d, nil
}

func (d *Dir) Key() string { return d.key }

func (d *Dir) file(key, path string) string {
	rel := strings.TrimPrefix(CleanPath(path), "/")
	return filepath.Join(d.root, key, filepath.FromSlash(rel))
}

func (d *Dir) Put(ctx context.Context, path string, data []byte) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := d.file(d.key, path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	d.logger.Debug("entry written", "path", CleanPath(path), "bytes", len(data))
	return nil
}

func (d *Dir) Get(ctx context.Context, key, path string) ([]byte, error) {
	if d.subs.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		key = d.key
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return readFile(d.file(key, path))
}

func (d *Dir) Delete(ctx context.Context, path string) error {
	if d.subs.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(d.file(d.key, path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// Subscribe watches the directory holding path and re-reads the file on
// every event that names it.
func (d *Dir) Subscribe(ctx context.Context, key, path string, fn func([]byte)) ([]byte, func(), error) {
	if key == "" {
		key = d.key
	}
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	target := d.file(key, path)
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", parent, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(parent); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("watching %s: %w", parent, err)
	}

	// The watch is armed before the first read, so nothing written after
	// the returned value is missed.
	last, err := readFile(target)
	if err != nil {
		w.Close()
		return nil, nil, err
	}

	current := last
	url := FormatURL(key, path)
	stop, err := d.subs.start(ctx, func(ctx context.Context) {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				data, err := readFile(target)
				if err != nil {
					d.logger.Warn("reading changed file failed", "url", url, "error", err)
					continue
				}
				if sameContent(last, data) {
					continue
				}
				last = data
				fn(data)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Warn("watcher error", "url", url, "error", err)
			}
		}
	})
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	return current, stop, nil
}

// Close stops all subscriptions.
func (d *Dir) Close() error {
	d.subs.close()
	return nil
}

func readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
