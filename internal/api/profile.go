package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/profile"
	"github.com/kalambet/slashprofile/internal/slashtags"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Profile *slashtags.Client
	Token   string
}

// NewAppHandler returns the profile REST API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/profile", handleGetProfile(deps))
		r.Put("/profile", handleWriteProfile(deps, http.StatusOK))
		r.Post("/profile", handleWriteProfile(deps, http.StatusCreated))
		r.Delete("/profile", handleDeleteProfile(deps))
		r.Post("/profile/validate", handleValidateProfile(deps))
		r.Get("/profile/schema", handleProfileSchema)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleGetProfile serves the own profile, or the one at ?url=. With
// ?raw=true the stored document is returned as-is, without typed decoding.
func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		target := url
		if target == "" {
			target = deps.Profile.URL()
		}

		var (
			v   any
			err error
		)
		if r.URL.Query().Get("raw") == "true" {
			v, err = deps.Profile.ReadRaw(r.Context(), url)
		} else {
			var p *profile.Profile
			if url == "" {
				p, err = deps.Profile.Read(r.Context())
			} else {
				p, err = deps.Profile.ReadURL(r.Context(), url)
			}
			if p != nil {
				v = p
			}
		}
		if err != nil {
			if errors.Is(err, drive.ErrInvalidURL) {
				HTTPError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			HTTPError(w, http.StatusBadGateway, "api_error", "reading profile: %v", err)
			return
		}
		if v == nil {
			HTTPError(w, http.StatusNotFound, "not_found", "no profile at %s", target)
			return
		}

		writeJSON(w, http.StatusOK, v)
	}
}

func handleWriteProfile(deps AppDeps, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		if err := deps.Profile.Update(r.Context(), json.RawMessage(body)); err != nil {
			if errors.Is(err, profile.ErrInvalidProfile) {
				invalidProfile(w, err)
				return
			}
			HTTPError(w, http.StatusBadGateway, "api_error", "writing profile: %v", err)
			return
		}
		slog.Info("profile written", "url", deps.Profile.URL())

		writeJSON(w, status, map[string]any{
			"status": "ok",
			"url":    deps.Profile.URL(),
		})
	}
}

func handleDeleteProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Profile.Delete(r.Context()); err != nil {
			HTTPError(w, http.StatusBadGateway, "api_error", "deleting profile: %v", err)
			return
		}
		slog.Info("profile deleted", "url", deps.Profile.URL())
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleValidateProfile reports whether the body would be accepted by a
// write. It answers 200 either way; "valid" carries the verdict.
func handleValidateProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		resp := validationResponse{Valid: true, Violations: []violationJSON{}}
		if err := deps.Profile.Validate(json.RawMessage(body)); err != nil {
			resp.Valid = false
			resp.Message = err.Error()
			resp.Violations = violationsOf(err)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleProfileSchema(w http.ResponseWriter, r *http.Request) {
	b, err := profile.SchemaJSON()
	if err != nil {
		HTTPError(w, http.StatusInternalServerError, "api_error", "encoding schema: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.Write(b)
}

type violationJSON struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type validationResponse struct {
	Valid      bool            `json:"valid"`
	Message    string          `json:"message,omitempty"`
	Violations []violationJSON `json:"violations"`
}

func violationsOf(err error) []violationJSON {
	out := []violationJSON{}
	var verr *profile.ValidationError
	if !errors.As(err, &verr) {
		return out
	}
	for _, v := range verr.Violations {
		out = append(out, violationJSON{Path: v.Path, Message: v.Message})
	}
	return out
}

// invalidProfile writes a 400 carrying the full validation message and the
// individual violations.
func invalidProfile(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"message":    err.Error(),
			"type":       "invalid_request_error",
			"violations": violationsOf(err),
		},
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		HTTPError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading request body: %v", err)
		return nil, false
	}
	if len(body) == 0 {
		HTTPError(w, http.StatusBadRequest, "invalid_request_error", "request body is required")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HTTPError writes an error body of the form
// {"error":{"message":...,"type":...}}.
func HTTPError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
