package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/cache"
	"chapterhub/internal/chapters"
	"chapterhub/internal/ingest"
	"chapterhub/internal/models"
	"chapterhub/internal/storage"
)

type failingRepository struct {
	storage.Repository
	err error
}

func (f failingRepository) Ping(context.Context) error { return f.err }

func (f failingRepository) CountChapters(context.Context, storage.ChapterFilter) (int64, error) {
	return 0, f.err
}

func (f failingRepository) ListChapters(context.Context, storage.ChapterFilter, int, int) ([]models.Chapter, error) {
	return nil, f.err
}

func (f failingRepository) GetChapter(context.Context, string) (models.Chapter, error) {
	return models.Chapter{}, f.err
}

func (f failingRepository) InsertChapters(context.Context, []models.Chapter) (storage.InsertResult, error) {
	return storage.InsertResult{}, f.err
}

type testEnv struct {
	handler *Handler
	store   storage.Repository
	cache   *cache.Memory
	uploads string
}

func newTestEnv(t *testing.T, repo storage.Repository) *testEnv {
	t.Helper()
	if repo == nil {
		store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
		require.NoError(t, err)
		repo = store
	}
	mem := cache.NewMemory(128, 0)
	service, err := chapters.NewService(chapters.Config{Repository: repo, Cache: mem})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close(context.Background()) })
	pipeline, err := ingest.NewPipeline(ingest.Config{Repository: repo, Cache: mem})
	require.NoError(t, err)

	handler := NewHandler(repo, service, pipeline)
	handler.Cache = mem
	handler.UploadDir = filepath.Join(t.TempDir(), "uploads")
	return &testEnv{handler: handler, store: repo, cache: mem, uploads: handler.UploadDir}
}

func chapterDoc(subject, class, unit, name, status string) map[string]interface{} {
	return map[string]interface{}{
		"subject": subject,
		"chapter": name,
		"class":   class,
		"unit":    unit,
		"status":  status,
	}
}

func multipartRequest(t *testing.T, field, contentType string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="chapters.json"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, ChaptersPath, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func uploadDocs(t *testing.T, h *Handler, docs ...map[string]interface{}) (*httptest.ResponseRecorder, ingest.Summary) {
	t.Helper()
	payload, err := json.Marshal(docs)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.Chapters(rec, multipartRequest(t, "file", "application/json", payload))
	var summary ingest.Summary
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	}
	return rec, summary
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestUploadThenListAndGet(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, summary := uploadDocs(t, env.handler,
		chapterDoc("Physics", "Class 11", "Mechanics", "Kinematics", "Completed"),
		chapterDoc("Chemistry", "Class 11", "Physical", "Mole Concept", "In Progress"),
		map[string]interface{}{"subject": "Physics"},
	)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Uploaded 2 chapters.", summary.Message)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	require.Len(t, summary.FailedChapters, 1)
	assert.JSONEq(t, `{"subject":"Physics"}`, string(summary.FailedChapters[0].Chapter))

	listRec := httptest.NewRecorder()
	env.handler.Chapters(listRec, httptest.NewRequest(http.MethodGet, ChaptersPath+"?subject=Physics", nil))
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Equal(t, "application/json", listRec.Header().Get("Content-Type"))

	var listing chapters.ListResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listing))
	require.Len(t, listing.Chapters, 1)
	assert.Equal(t, int64(1), listing.Pagination.Total)
	assert.Equal(t, 1, listing.Pagination.Page)
	assert.Equal(t, int64(1), listing.Pagination.Pages)

	id := listing.Chapters[0].ID
	getRec := httptest.NewRecorder()
	env.handler.ChapterByID(getRec, httptest.NewRequest(http.MethodGet, ChaptersPath+"/"+id, nil))
	require.Equal(t, http.StatusOK, getRec.Code)
	var chapter models.Chapter
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &chapter))
	assert.Equal(t, "Kinematics", chapter.Chapter)
	assert.Equal(t, models.StatusCompleted, chapter.Status)
}

func TestUploadInvalidatesCachedListings(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.cache.Set(ctx, chapters.ListingPrefix+"{}:1:10", []byte(`{"chapters":[]}`), 0))
	require.NoError(t, env.cache.Set(ctx, "ratelimit:10.0.0.1", []byte("3"), 0))

	rec, _ := uploadDocs(t, env.handler, chapterDoc("Physics", "Class 11", "Mechanics", "Kinematics", "completed"))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.cache.Get(ctx, chapters.ListingPrefix+"{}:1:10")
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = env.cache.Get(ctx, "ratelimit:10.0.0.1")
	assert.NoError(t, err)
}

func TestUploadRemovesStagedFile(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, _ := uploadDocs(t, env.handler, chapterDoc("Physics", "Class 11", "Mechanics", "Kinematics", "completed"))
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := os.ReadDir(env.uploads)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadWithoutFile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.Chapters(rec, httptest.NewRequest(http.MethodPost, ChaptersPath, strings.NewReader(`[]`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded", decodeError(t, rec).Message)

	rec = httptest.NewRecorder()
	env.handler.Chapters(rec, multipartRequest(t, "document", "application/json", []byte(`[]`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded", decodeError(t, rec).Message)
}

func TestUploadRejectsNonJSONContentType(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.handler.Chapters(rec, multipartRequest(t, "file", "text/csv", []byte("subject,chapter")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Only JSON files are allowed", decodeError(t, rec).Message)
}

func TestUploadAcceptsJSONContentTypeWithCharset(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.handler.Chapters(rec, multipartRequest(t, "file", "application/json; charset=utf-8", []byte(`[]`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Uploaded 0 chapters.")
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.MaxUploadBytes = 64
	payload := []byte(`[` + strings.Repeat(`{"subject":"x"},`, 20) + `{}]`)
	rec := httptest.NewRecorder()
	env.handler.Chapters(rec, multipartRequest(t, "file", "application/json", payload))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File too large", decodeError(t, rec).Message)

	entries, err := os.ReadDir(env.uploads)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadMalformedDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, payload := range []string{`{"subject":"Physics"}`, `[{"subject":`} {
		rec := httptest.NewRecorder()
		env.handler.Chapters(rec, multipartRequest(t, "file", "application/json", []byte(payload)))
		require.Equal(t, http.StatusBadRequest, rec.Code, payload)
		body := decodeError(t, rec)
		assert.Equal(t, "Invalid JSON file", body.Message)
		assert.NotEmpty(t, body.Error)
	}
}

func TestUploadReportsDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := chapterDoc("Physics", "Class 11", "Mechanics", "Kinematics", "completed")
	rec, summary := uploadDocs(t, env.handler, doc, doc)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)

	rec, summary = uploadDocs(t, env.handler, doc)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Uploaded 0 chapters.", summary.Message)
	assert.Equal(t, 1, summary.FailureCount)
}

func TestStoreFailuresSurfaceAs500(t *testing.T) {
	env := newTestEnv(t, failingRepository{err: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	env.handler.Chapters(rec, httptest.NewRequest(http.MethodGet, ChaptersPath, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Error fetching chapters", body.Message)
	assert.Contains(t, body.Error, "connection refused")

	rec = httptest.NewRecorder()
	env.handler.ChapterByID(rec, httptest.NewRequest(http.MethodGet, ChaptersPath+"/0123456789abcdef0123456789abcdef", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error fetching chapter", decodeError(t, rec).Message)

	rec, _ = uploadDocs(t, env.handler, chapterDoc("Physics", "Class 11", "Mechanics", "Kinematics", "completed"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error uploading chapters", decodeError(t, rec).Message)
}

func TestChapterByIDNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"0123456789abcdef0123456789abcdef", "not-an-id", ""} {
		rec := httptest.NewRecorder()
		env.handler.ChapterByID(rec, httptest.NewRequest(http.MethodGet, ChaptersPath+"/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.Equal(t, "Chapter not found", decodeError(t, rec).Message)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.Chapters(rec, httptest.NewRequest(http.MethodDelete, ChaptersPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	env.handler.ChapterByID(rec, httptest.NewRequest(http.MethodPut, ChaptersPath+"/abc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}

func TestHealthReportsComponents(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, []componentStatus{
		{Component: "datastore", Status: "ok"},
		{Component: "cache", Status: "ok"},
	}, payload.Components)
}

func TestHealthDegradedDatastore(t *testing.T) {
	env := newTestEnv(t, failingRepository{err: errors.New("down")})
	env.handler.Cache = cache.Nop{}
	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"degraded"`)
	assert.Contains(t, string(body), `{"component":"cache","status":"disabled"}`)
}

func TestWriteRequestErrorDefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRequestError(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, errorBody{Message: "Internal server error", Error: "boom"}, decodeError(t, rec))
}

func TestNewHandlerSetsDefaultLogger(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.NotNil(t, env.handler.Logger)
}

func TestHandlerWithoutLoggerServesConcurrently(t *testing.T) {
	env := newTestEnv(t, failingRepository{err: errors.New("datastore offline")})
	h := &Handler{Service: env.handler.Service, Pipeline: env.handler.Pipeline, Store: env.store}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.Chapters(rec, httptest.NewRequest(http.MethodGet, ChaptersPath+"?page=2", nil))
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
		}()
	}
	wg.Wait()
	assert.Nil(t, h.Logger)
}
