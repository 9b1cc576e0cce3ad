// Package api exposes the record store and search surfaces over HTTP and
// MCP for local clients and agents.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/glimpse/internal/search"
	"github.com/kalambet/glimpse/internal/storage"
)

const maxUploadBodySize = 20 << 20 // 20MB

// Capturer saves and deletes screenshots together with their image files.
type Capturer interface {
	Save(image []byte, appID, appLabel string) (storage.Screenshot, error)
	Delete(id string) error
}

// QueryService answers search and listing requests.
type QueryService interface {
	Search(ctx context.Context, query string, k int) ([]search.Result, error)
	Recent(limit int) ([]storage.Screenshot, error)
	ByApp(appID string, limit int) ([]storage.Screenshot, error)
	Apps() ([]string, error)
}

// Deps holds the dependencies of the HTTP surface.
type Deps struct {
	Store    *storage.Store
	Capture  Capturer
	Searcher QueryService
	Token    string
}

// NewHandler returns the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/health", handleHealth)
	r.Get("/screenshots", handleListScreenshots(deps))
	r.Post("/screenshots", handleSaveScreenshot(deps))
	r.Get("/screenshots/{id}", handleGetScreenshot(deps))
	r.Delete("/screenshots/{id}", handleDeleteScreenshot(deps))
	r.Post("/screenshots/{id}/requeue", handleRequeue(deps))
	r.Get("/search", handleSearch(deps))
	r.Get("/apps", handleApps(deps))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// screenshotView is the JSON shape of one record. ExtractedText is null
// until analysis ran; the embedding itself stays internal, only its size is
// reported.
type screenshotView struct {
	ID            string   `json:"id"`
	FilePath      string   `json:"file_path"`
	CapturedAt    string   `json:"captured_at"`
	AppID         string   `json:"app_id"`
	AppLabel      string   `json:"app_label"`
	ExtractedText *string  `json:"extracted_text"`
	EmbeddingDim  int      `json:"embedding_dim"`
	Categories    []string `json:"categories"`
	Tags          []string `json:"tags"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	RetryCount    int      `json:"retry_count"`
	LastError     string   `json:"last_error,omitempty"`
	Score         *float32 `json:"score,omitempty"`
}

func toView(shot storage.Screenshot) screenshotView {
	v := screenshotView{
		ID:           shot.ID,
		FilePath:     shot.FilePath,
		CapturedAt:   shot.CapturedAt.Format(time.RFC3339),
		AppID:        shot.AppID,
		AppLabel:     shot.AppLabel,
		EmbeddingDim: len(shot.Embedding),
		Categories:   shot.Categories,
		Tags:         shot.Tags,
		Description:  shot.Description,
		Status:       string(shot.Status),
		RetryCount:   shot.RetryCount,
		LastError:    shot.LastError,
	}
	if shot.ExtractedText.Valid {
		text := shot.ExtractedText.String
		v.ExtractedText = &text
	}
	return v
}

func toViews(shots []storage.Screenshot) []screenshotView {
	views := make([]screenshotView, len(shots))
	for i, shot := range shots {
		views[i] = toView(shot)
	}
	return views
}

func handleListScreenshots(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)

		var (
			shots []storage.Screenshot
			err   error
		)
		switch {
		case r.URL.Query().Get("status") != "":
			shots, err = deps.Store.ListByStatus(storage.Status(r.URL.Query().Get("status")))
		case r.URL.Query().Get("app") != "":
			shots, err = deps.Searcher.ByApp(r.URL.Query().Get("app"), limit)
		default:
			shots, err = deps.Searcher.Recent(limit)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list screenshots: %v", err)
			return
		}

		writeJSON(w, toViews(shots))
	}
}

type saveRequest struct {
	Image    string `json:"image"`
	AppID    string `json:"app_id"`
	AppLabel string `json:"app_label"`
}

func handleSaveScreenshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req saveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Image == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required")
			return
		}
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 image")
			return
		}
		if req.AppLabel == "" {
			req.AppLabel = "Unknown"
		}

		shot, err := deps.Capture.Save(image, req.AppID, req.AppLabel)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save screenshot: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": shot.ID, "status": string(storage.StatusPending)})
	}
}

func handleGetScreenshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		shot, err := deps.Store.GetScreenshot(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "screenshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get screenshot: %v", err)
			return
		}

		writeJSON(w, toView(shot))
	}
}

func handleDeleteScreenshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Capture.Delete(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "screenshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete screenshot: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleRequeue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.Requeue(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no failed screenshot with that id")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to requeue screenshot: %v", err)
			return
		}

		writeJSON(w, map[string]string{"id": id, "status": string(storage.StatusPending)})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 50)

		results, err := deps.Searcher.Search(r.Context(), query, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		views := make([]screenshotView, len(results))
		for i, res := range results {
			views[i] = toView(res.Screenshot)
			if res.Score != 0 {
				score := res.Score
				views[i].Score = &score
			}
		}
		writeJSON(w, views)
	}
}

func handleApps(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps, err := deps.Searcher.Apps()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list apps: %v", err)
			return
		}
		if apps == nil {
			apps = []string{}
		}
		writeJSON(w, apps)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
