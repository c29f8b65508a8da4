package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chapterhub/internal/cache"
	"chapterhub/internal/chapters"
	"chapterhub/internal/ingest"
	"chapterhub/internal/observability/logging"
	"chapterhub/internal/storage"
)

// ChaptersPath is the collection route; single chapters live beneath it.
const ChaptersPath = "/api/v1/chapters"

type Handler struct {
	Service  *chapters.Service
	Pipeline *ingest.Pipeline
	Store    storage.Repository
	Cache    cache.Cache
	Logger   *slog.Logger
	// UploadDir receives staged uploads; the OS temp dir when empty.
	UploadDir      string
	MaxUploadBytes int64
}

func NewHandler(store storage.Repository, service *chapters.Service, pipeline *ingest.Pipeline) *Handler {
	return &Handler{
		Store:    store,
		Service:  service,
		Pipeline: pipeline,
		Logger:   logging.WithComponent(slog.Default(), "api"),
	}
}

// logger never writes to h; handlers run concurrently.
func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.WithComponent(slog.Default(), "api")
	}
	return h.Logger
}

// Chapters serves the collection: GET lists a page, POST ingests a batch.
func (h *Handler) Chapters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listChapters(w, r)
	case http.MethodPost:
		h.uploadChapters(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	}
}

func (h *Handler) listChapters(w http.ResponseWriter, r *http.Request) {
	filter, page := chapters.ParseQuery(r.URL.Query())
	body, err := h.Service.List(r.Context(), filter, page)
	if err != nil {
		h.logger().Error("list chapters", "error", err)
		WriteRequestError(w, InternalError("Error fetching chapters", err))
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

// ChapterByID serves /api/v1/chapters/{id}.
func (h *Handler) ChapterByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, ChaptersPath+"/")
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		WriteRequestError(w, NotFoundError("Chapter not found"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return
	}

	body, err := h.Service.Get(r.Context(), id)
	if errors.Is(err, chapters.ErrNotFound) {
		WriteRequestError(w, NotFoundError("Chapter not found"))
		return
	}
	if err != nil {
		h.logger().Error("get chapter", "id", id, "error", err)
		WriteRequestError(w, InternalError("Error fetching chapter", err))
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

func (h *Handler) uploadChapters(w http.ResponseWriter, r *http.Request) {
	staged, err := h.stageUpload(w, r)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	summary, err := h.Pipeline.Process(r.Context(), staged)
	switch {
	case errors.Is(err, ingest.ErrNoFile):
		WriteRequestError(w, ValidationError("No file uploaded", nil))
	case errors.Is(err, ingest.ErrInvalidPayload):
		WriteRequestError(w, ValidationError("Invalid JSON file", err))
	case err != nil:
		h.logger().Error("upload chapters", "error", err)
		WriteRequestError(w, InternalError("Error uploading chapters", err))
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// Health reports datastore and cache availability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
