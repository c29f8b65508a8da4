package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/cache"
	"chapterhub/internal/models"
	"chapterhub/internal/observability/metrics"
	"chapterhub/internal/storage"
	"chapterhub/internal/testsupport/redisstub"
)

const validBatch = `[
	{"subject":"Physics","chapter":"Kinematics","class":"Class 11","unit":"Mechanics","status":"Completed","isWeakChapter":false,"yearWiseQuestionCount":{"2019":2,"2020":4},"questionSolved":40},
	{"subject":"Physics","chapter":"Friction","class":"Class 11","unit":"Mechanics","status":"In Progress","isWeakChapter":true,"questionSolved":12},
	{"subject":"Chemistry","chapter":"Mole Concept","class":"Class 11","unit":"Physical","status":"Not Started"}
]`

type failingRepository struct {
	storage.Repository
	err error
}

func (r failingRepository) InsertChapters(context.Context, []models.Chapter) (storage.InsertResult, error) {
	return storage.InsertResult{}, r.err
}

func stageFile(t *testing.T, content []byte) *StagedFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file-upload.json")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return &StagedFile{Path: path, Name: "chapters.json", Size: int64(len(content))}
}

func newPipeline(t *testing.T, repo storage.Repository, c cache.Cache) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p, err := NewPipeline(Config{Repository: repo, Cache: c, Logger: logger, Metrics: metrics.New()})
	require.NoError(t, err)
	return p, &logs
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage("")
	require.NoError(t, err)
	return store
}

func loggedStages(t *testing.T, logs *bytes.Buffer) []Stage {
	t.Helper()
	var stages []Stage
	decoder := json.NewDecoder(bytes.NewReader(logs.Bytes()))
	for decoder.More() {
		var entry struct {
			Stage Stage `json:"stage"`
		}
		require.NoError(t, decoder.Decode(&entry))
		if entry.Stage != "" {
			stages = append(stages, entry.Stage)
		}
	}
	return stages
}

func TestProcessInsertsValidBatch(t *testing.T) {
	store := newStore(t)
	p, logs := newPipeline(t, store, nil)
	file := stageFile(t, []byte(validBatch))

	summary, err := p.Process(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, Summary{Message: "Uploaded 3 chapters.", SuccessCount: 3, FailureCount: 0}, summary)

	total, err := store.CountChapters(context.Background(), storage.ChapterFilter{Status: models.StatusInProgress})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, err = os.Stat(file.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.Equal(t, []Stage{StageReceived, StageParsed, StageValidated, StageInserted, StageCacheInvalidated, StageCleanedUp, StageResponded}, loggedStages(t, logs))
	assert.Contains(t, logs.String(), `"batch_id":`)

	encoded, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "failedChapters")
}

func TestProcessCleansUpBeforeReportingFailure(t *testing.T) {
	p, logs := newPipeline(t, newStore(t), nil)
	file := stageFile(t, []byte(`{"subject":"Physics"}`))

	_, err := p.Process(context.Background(), file)
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, []Stage{StageReceived, StageFailed, StageCleanedUp}, loggedStages(t, logs))
	_, statErr := os.Stat(file.Path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestProcessReportsInvalidAndDuplicateRecords(t *testing.T) {
	store := newStore(t)
	p, _ := newPipeline(t, store, nil)

	_, err := p.ProcessDocument(context.Background(), []byte(validBatch))
	require.NoError(t, err)

	batch := `[
		{"subject":"Biology","chapter":"Cell Cycle","class":"Class 11","unit":"Cells","status":"completed"},
		{"subject":"Physics","chapter":"Kinematics","class":"Class 11","unit":"Mechanics","status":"completed"},
		{"chapter":"No Subject","class":"Class 11","unit":"Cells","status":"completed"},
		{"subject":"Biology","chapter":"Genetics","class":"Class 12","unit":"Heredity","status":"paused"},
		"not an object"
	]`
	summary, err := p.Process(context.Background(), stageFile(t, []byte(batch)))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 4, summary.FailureCount)
	require.Len(t, summary.FailedChapters, 4)

	assert.JSONEq(t, `{"subject":"Physics","chapter":"Kinematics","class":"Class 11","unit":"Mechanics","status":"completed"}`, string(summary.FailedChapters[0].Chapter))
	assert.Contains(t, summary.FailedChapters[0].Error, storage.ErrDuplicate.Error())
	assert.Contains(t, summary.FailedChapters[1].Error, "subject: is required")
	assert.Contains(t, summary.FailedChapters[2].Error, "status")
	assert.Equal(t, `"not an object"`, string(summary.FailedChapters[3].Chapter))

	total, err := store.CountChapters(context.Background(), storage.ChapterFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
}

func TestProcessAcceptsByteOrderMark(t *testing.T) {
	store := newStore(t)
	p, _ := newPipeline(t, store, nil)
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte(validBatch)...)

	summary, err := p.Process(context.Background(), stageFile(t, content))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SuccessCount)
}

func TestProcessRejectsMalformedDocuments(t *testing.T) {
	for name, content := range map[string]string{
		"object":    `{"subject":"Physics"}`,
		"truncated": `[{"subject":"Physics"`,
		"null":      `null`,
		"empty":     ``,
	} {
		t.Run(name, func(t *testing.T) {
			p, _ := newPipeline(t, newStore(t), nil)
			file := stageFile(t, []byte(content))

			_, err := p.Process(context.Background(), file)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, StageParsed, stageErr.Stage)

			_, statErr := os.Stat(file.Path)
			assert.True(t, errors.Is(statErr, os.ErrNotExist))
		})
	}
}

func TestProcessWithoutFile(t *testing.T) {
	p, _ := newPipeline(t, newStore(t), nil)
	_, err := p.Process(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = p.Process(context.Background(), &StagedFile{Path: filepath.Join(t.TempDir(), "missing.json")})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageReceived, stageErr.Stage)
}

func TestProcessStoreFailureCleansUp(t *testing.T) {
	p, _ := newPipeline(t, failingRepository{Repository: newStore(t), err: errors.New("pool exhausted")}, nil)
	file := stageFile(t, []byte(validBatch))

	_, err := p.Process(context.Background(), file)
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageInserted, stageErr.Stage)
	assert.Contains(t, err.Error(), "pool exhausted")

	_, statErr := os.Stat(file.Path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestProcessInvalidatesListingKeysOnly(t *testing.T) {
	server, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	redisCache, err := cache.NewRedis(cache.Config{URL: server.URL()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisCache.Close() })

	ctx := context.Background()
	require.NoError(t, redisCache.Set(ctx, "chapters:{}:1:10", []byte("stale"), time.Hour))
	require.NoError(t, redisCache.Set(ctx, `chapters:{"subject":"Physics"}:2:5`, []byte("stale"), time.Hour))
	require.NoError(t, redisCache.Set(ctx, "chapter:abc", []byte("item"), time.Hour))

	p, _ := newPipeline(t, newStore(t), redisCache)
	summary, err := p.ProcessDocument(ctx, []byte(validBatch))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.Equal(t, []string{"chapter:abc"}, server.Keys())
}

func TestProcessSucceedsWhenInvalidationFails(t *testing.T) {
	server, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	redisCache, err := cache.NewRedis(cache.Config{URL: server.URL()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisCache.Close() })
	server.FailCommand("SCAN", "ERR scan disabled")

	p, logs := newPipeline(t, newStore(t), redisCache)
	summary, err := p.ProcessDocument(context.Background(), []byte(validBatch))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.Contains(t, logs.String(), "cache invalidation failed")
}

func TestStageErrorUnwraps(t *testing.T) {
	err := &StageError{Stage: StageParsed, Err: ErrInvalidPayload}
	assert.Equal(t, "ingest parsed: invalid chapter payload", err.Error())
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNewPipelineRequiresRepository(t *testing.T) {
	_, err := NewPipeline(Config{})
	assert.Error(t, err)
}
