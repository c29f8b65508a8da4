package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"chapterhub/internal/cache"
	"chapterhub/internal/chapters"
	"chapterhub/internal/models"
	"chapterhub/internal/observability/logging"
	"chapterhub/internal/observability/metrics"
	"chapterhub/internal/storage"
)

const defaultInvalidateTimeout = 5 * time.Second

// InvalidationPrefix is cleared from the cache after every processed batch.
const InvalidationPrefix = chapters.ListingPrefix

type Config struct {
	Repository storage.Repository
	Cache      cache.Cache
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// InvalidateTimeout bounds the post-insert cache sweep.
	InvalidateTimeout time.Duration
}

// Pipeline processes uploaded chapter batches. It holds no per-batch state and
// is safe for concurrent use.
type Pipeline struct {
	repo              storage.Repository
	cache             cache.Cache
	logger            *slog.Logger
	metrics           *metrics.Recorder
	invalidateTimeout time.Duration
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Repository == nil {
		return nil, errors.New("ingest: repository is required")
	}
	p := &Pipeline{
		repo:              cfg.Repository,
		cache:             cfg.Cache,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		invalidateTimeout: cfg.InvalidateTimeout,
	}
	if p.cache == nil {
		p.cache = cache.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = logging.WithComponent(p.logger, "ingest")
	if p.invalidateTimeout <= 0 {
		p.invalidateTimeout = defaultInvalidateTimeout
	}
	return p, nil
}

// Process runs a staged upload through the pipeline. The staged file is
// removed before the batch is reported, whatever the outcome, including a
// panic in a later stage.
func (p *Pipeline) Process(ctx context.Context, file *StagedFile) (Summary, error) {
	ctx = logging.ContextWithBatchID(ctx, newBatchID())
	logger := logging.WithContext(ctx, p.logger)
	if file == nil || file.Path == "" {
		p.enter(logger, StageFailed, "reason", ErrNoFile.Error())
		return Summary{}, &StageError{Stage: StageReceived, Err: ErrNoFile}
	}
	cleaned := false
	defer func() {
		if !cleaned {
			p.cleanup(logger, file)
		}
	}()

	summary, err := p.runStaged(ctx, logger, file)
	p.cleanup(logger, file)
	cleaned = true
	if err != nil {
		return Summary{}, err
	}
	p.respond(logger, summary)
	return summary, nil
}

func (p *Pipeline) runStaged(ctx context.Context, logger *slog.Logger, file *StagedFile) (Summary, error) {
	p.enter(logger, StageReceived, "file", file.Name, "size", file.Size)
	data, err := os.ReadFile(file.Path)
	if err != nil {
		p.enter(logger, StageFailed, "failed_at", StageReceived, "error", err)
		return Summary{}, &StageError{Stage: StageReceived, Err: fmt.Errorf("read staged file: %w", err)}
	}
	return p.run(ctx, logger, data)
}

// ProcessDocument runs an in-memory document through the pipeline, skipping
// the staging and cleanup stages.
func (p *Pipeline) ProcessDocument(ctx context.Context, data []byte) (Summary, error) {
	ctx = logging.ContextWithBatchID(ctx, newBatchID())
	logger := logging.WithContext(ctx, p.logger)
	p.enter(logger, StageReceived, "size", len(data))
	summary, err := p.run(ctx, logger, data)
	if err != nil {
		return Summary{}, err
	}
	p.respond(logger, summary)
	return summary, nil
}

type rejected struct {
	index   int
	chapter json.RawMessage
	reason  string
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, data []byte) (Summary, error) {
	start := time.Now()
	defer func() { p.metrics.ObserveIngestBatch(time.Since(start)) }()

	elements, err := parseDocument(data)
	if err != nil {
		p.enter(logger, StageFailed, "failed_at", StageParsed, "error", err)
		return Summary{}, &StageError{Stage: StageParsed, Err: err}
	}
	p.enter(logger, StageParsed, "elements", len(elements))

	valid := make([]models.Chapter, 0, len(elements))
	sourceIndex := make([]int, 0, len(elements))
	var failures []rejected
	for idx, raw := range elements {
		chapter, err := storage.DecodeChapter(raw)
		if err != nil {
			failures = append(failures, rejected{index: idx, chapter: raw, reason: err.Error()})
			continue
		}
		valid = append(valid, chapter)
		sourceIndex = append(sourceIndex, idx)
	}
	p.metrics.IngestRecords("invalid", len(failures))
	p.enter(logger, StageValidated, "valid", len(valid), "invalid", len(failures))

	inserted, storeRejected := 0, 0
	if len(valid) > 0 {
		result, err := p.repo.InsertChapters(ctx, valid)
		if err != nil {
			p.enter(logger, StageFailed, "failed_at", StageInserted, "error", err)
			return Summary{}, &StageError{Stage: StageInserted, Err: err}
		}
		inserted = len(result.Inserted)
		for _, rejection := range result.Rejected {
			idx := sourceIndex[rejection.Index]
			failures = append(failures, rejected{index: idx, chapter: elements[idx], reason: rejection.Err.Error()})
		}
		storeRejected = len(result.Rejected)
		p.metrics.IngestRecords("inserted", inserted)
		p.metrics.IngestRecords("rejected", storeRejected)
	}
	p.enter(logger, StageInserted, "inserted", inserted, "rejected", storeRejected)

	p.invalidate(ctx, logger)

	sort.SliceStable(failures, func(i, j int) bool { return failures[i].index < failures[j].index })
	summary := Summary{
		Message:      fmt.Sprintf("Uploaded %d chapters.", inserted),
		SuccessCount: inserted,
		FailureCount: len(failures),
	}
	if len(failures) > 0 {
		summary.FailedChapters = make([]FailedChapter, 0, len(failures))
		for _, failure := range failures {
			summary.FailedChapters = append(summary.FailedChapters, FailedChapter{Chapter: failure.chapter, Error: failure.reason})
		}
	}
	return summary, nil
}

func (p *Pipeline) respond(logger *slog.Logger, summary Summary) {
	p.enter(logger, StageResponded, "success", summary.SuccessCount, "failure", summary.FailureCount)
}

// invalidate clears every cached listing page. Cache failures are logged and
// never fail the batch.
func (p *Pipeline) invalidate(ctx context.Context, logger *slog.Logger) {
	if cache.IsDisabled(p.cache) {
		p.enter(logger, StageCacheInvalidated, "skipped", true)
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.invalidateTimeout)
	defer cancel()
	removed, err := p.cache.DeleteByPrefix(cctx, InvalidationPrefix)
	if err != nil && !errors.Is(err, cache.ErrDisabled) {
		p.metrics.CacheError("invalidate")
		logger.Warn("cache invalidation failed", "prefix", InvalidationPrefix, "removed", removed, "error", err)
	}
	p.enter(logger, StageCacheInvalidated, "removed", removed)
}

func (p *Pipeline) cleanup(logger *slog.Logger, file *StagedFile) {
	if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove staged upload", "path", file.Path, "error", err)
	}
	p.enter(logger, StageCleanedUp)
}

func (p *Pipeline) enter(logger *slog.Logger, stage Stage, attrs ...any) {
	p.metrics.IngestStage(string(stage))
	level := slog.LevelDebug
	if stage == StageFailed {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "ingest stage", append([]any{"stage", stage}, attrs...)...)
}

// parseDocument decodes data as UTF-8, honouring a leading byte order mark,
// and splits the top-level JSON array into raw elements.
func parseDocument(data []byte) ([]json.RawMessage, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), decoder))
	if err != nil {
		return nil, fmt.Errorf("%w: decode text: %v", ErrInvalidPayload, err)
	}
	trimmed := bytes.TrimSpace(decoded)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array of chapters", ErrInvalidPayload)
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return elements, nil
}

func newBatchID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
