// Package relay serves drives over HTTP so peers without direct access to
// the store can read, write and watch them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/kalambet/slashprofile/internal/api"
	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/storage"
)

const maxEntrySize = 1 << 20 // 1MB

// Server exposes the drives of a store:
//
//	GET    /drives                list drive keys
//	GET    /drives/{key}/*        read an entry
//	PUT    /drives/{key}/*        write an entry (bearer token)
//	DELETE /drives/{key}/*        delete an entry (bearer token)
//	GET    /watch/{key}/*         websocket stream of WatchEvents
//
// Only an authenticated PUT registers a drive. Reads of unknown drives are
// 404; watching one streams its absence until the first write.
type Server struct {
	store  Store
	token  string
	poll   time.Duration
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	streams sync.WaitGroup
}

// Store is what the relay needs from storage.Store.
type Store interface {
	drive.EntryStore
	GetDrive(ctx context.Context, key string) (storage.Drive, error)
	ListDrives(ctx context.Context) ([]storage.Drive, error)
}

// NewServer returns a relay over store. Writes require token; an empty
// token rejects every write.
func NewServer(store Store, token string, pollInterval time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		token:  token,
		poll:   pollInterval,
		logger: slog.Default().With("component", "relay"),
	}
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/drives", s.handleList)
	r.Get("/drives/{key}/*", s.handleGet)
	r.Get("/watch/{key}/*", s.handleWatch)
	r.Group(func(r chi.Router) {
		r.Use(api.BearerAuth(s.token))
		r.Put("/drives/{key}/*", s.handlePut)
		r.Delete("/drives/{key}/*", s.handleDelete)
	})
	return r
}

// Close ends all watch streams and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.streams.Wait()
	return nil
}

// target resolves the drive and path named by the request URL. The drive
// is a view: building it writes nothing to the store.
func (s *Server) target(w http.ResponseWriter, r *http.Request) (*drive.Local, string, bool) {
	d, err := drive.ViewLocal(s.store, chi.URLParam(r, "key"), s.poll)
	if err != nil {
		api.HTTPError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return nil, "", false
	}
	return d, drive.CleanPath(chi.URLParam(r, "*")), true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	drives, err := s.store.ListDrives(r.Context())
	if err != nil {
		api.HTTPError(w, http.StatusInternalServerError, "api_error", "listing drives: %v", err)
		return
	}
	keys := make([]string, 0, len(drives))
	for _, d := range drives {
		keys = append(keys, d.Key)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"drives": keys})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, path, ok := s.target(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetDrive(r.Context(), d.Key()); errors.Is(err, storage.ErrNotFound) {
		api.HTTPError(w, http.StatusNotFound, "not_found", "no drive %s", d.Key())
		return
	} else if err != nil {
		api.HTTPError(w, http.StatusInternalServerError, "api_error", "looking up drive: %v", err)
		return
	}
	data, err := d.Get(r.Context(), "", path)
	if err != nil {
		api.HTTPError(w, http.StatusInternalServerError, "api_error", "reading entry: %v", err)
		return
	}
	if data == nil {
		api.HTTPError(w, http.StatusNotFound, "not_found", "no entry at %s", drive.FormatURL(d.Key(), path))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	d, path, ok := s.target(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxEntrySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		api.HTTPError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading body: %v", err)
		return
	}
	if err := d.Put(r.Context(), path, data); err != nil {
		api.HTTPError(w, http.StatusInternalServerError, "api_error", "writing entry: %v", err)
		return
	}
	s.logger.Info("entry written", "url", drive.FormatURL(d.Key(), path), "bytes", len(data))
	w.WriteHeader(http.StatusNoContent)
}

// handleDelete succeeds for missing entries and unknown drives alike.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	d, path, ok := s.target(w, r)
	if !ok {
		return
	}
	if err := d.Delete(r.Context(), path); err != nil {
		api.HTTPError(w, http.StatusInternalServerError, "api_error", "deleting entry: %v", err)
		return
	}
	s.logger.Info("entry deleted", "url", drive.FormatURL(d.Key(), path))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	d, path, ok := s.target(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		api.HTTPError(w, http.StatusServiceUnavailable, "api_error", "relay is shutting down")
		return
	}
	s.streams.Add(1)
	s.mu.Unlock()
	defer s.streams.Done()

	ws := websocket.Server{Handler: func(conn *websocket.Conn) {
		if err := s.stream(r.Context(), conn, d, path); err != nil {
			s.logger.Debug("watch stream closed", "url", drive.FormatURL(d.Key(), path), "error", err)
		}
	}}
	ws.ServeHTTP(w, r)
}

// stream sends a snapshot followed by a change event per update until the
// peer goes away, the request is cancelled or the relay closes. d belongs
// to this stream and is closed with it.
func (s *Server) stream(reqCtx context.Context, conn *websocket.Conn, d *drive.Local, path string) error {
	defer conn.Close()
	defer d.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(reqCtx, cancel)
	defer stop()

	events := make(chan []byte, 16)
	current, unsubscribe, err := d.Subscribe(ctx, "", path, func(data []byte) {
		select {
		case events <- data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer unsubscribe()

	if err := websocket.JSON.Send(conn, drive.NewWatchEvent(drive.EventSnapshot, current)); err != nil {
		return err
	}

	// The peer never sends frames; a read error means it is gone.
	go func() {
		defer cancel()
		var discard []byte
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-events:
			if err := websocket.JSON.Send(conn, drive.NewWatchEvent(drive.EventChange, data)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		s.logger.Debug("relay request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
