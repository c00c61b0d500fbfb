// Package drive defines the storage collaborator the profile facade writes
// through, and the local implementations of it.
package drive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// Scheme prefixes every drive URL.
const Scheme = "slash:"

var (
	// ErrClosed is returned by operations on a closed drive.
	ErrClosed = errors.New("drive closed")
	// ErrInvalidURL is returned for malformed drive URLs.
	ErrInvalidURL = errors.New("invalid drive URL")
	// ErrInvalidKey is returned for keys that cannot name a drive.
	ErrInvalidKey = errors.New("invalid drive key")
)

// Drive stores blobs at paths. Only the drive's own key is writable; Get
// and Subscribe accept any key the implementation can reach, with "" meaning
// the drive itself.
type Drive interface {
	Key() string
	Put(ctx context.Context, path string, data []byte) error
	// Get returns nil, nil when nothing is stored at path.
	Get(ctx context.Context, key, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	// Subscribe returns the value at path the subscription starts from, then
	// calls fn with the new content (nil when deleted) each time it changes
	// after that. Calls for one subscription never overlap. The returned
	// func stops the subscription and may be called many times.
	Subscribe(ctx context.Context, key, path string, fn func([]byte)) (current []byte, stop func(), err error)
	Close() error
}

// FormatURL builds the URL of path in the drive named key. An empty path
// addresses the drive itself.
func FormatURL(key, p string) string {
	if p == "" {
		return Scheme + key
	}
	return Scheme + key + CleanPath(p)
}

// ParseURL splits a drive URL into key and path. Both "slash:<key>/p" and
// "slash://<key>/p" are accepted; path is empty when the URL has none.
func ParseURL(u string) (key, p string, err error) {
	rest, ok := strings.CutPrefix(u, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q: missing %s prefix", ErrInvalidURL, u, Scheme)
	}
	rest = strings.TrimPrefix(rest, "//")
	key, p, _ = strings.Cut(rest, "/")
	if err := ValidateKey(key); err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidURL, u, err)
	}
	if p != "" {
		p = CleanPath(p)
	}
	return key, p, nil
}

// ValidateKey rejects keys that are empty or could escape a directory.
func ValidateKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, "/\\?#"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// CleanPath returns p rooted at "/" with dot segments resolved.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// subscriptions tracks the watcher goroutines of a drive so Close can stop
// and wait for all of them.
type subscriptions struct {
	mu     sync.Mutex
	closed bool
	next   int
	cancel map[int]context.CancelFunc
	wg     sync.WaitGroup
}

func newSubscriptions() *subscriptions {
	return &subscriptions{cancel: make(map[int]context.CancelFunc)}
}

func (s *subscriptions) start(ctx context.Context, run func(ctx context.Context)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	id := s.next
	s.next++
	s.cancel[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.remove(id)
		run(ctx)
	}()

	return func() {
		s.remove(id)
		cancel()
	}, nil
}

func (s *subscriptions) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancel, id)
}

func (s *subscriptions) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close cancels every subscription and waits for their goroutines. It
// reports false if it had already been called.
func (s *subscriptions) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	for id, cancel := range s.cancel {
		cancel()
		delete(s.cancel, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return true
}
