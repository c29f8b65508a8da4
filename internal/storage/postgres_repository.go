package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"chapterhub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

const uniqueViolation = "23505"

const chapterColumns = `id, subject, chapter, class, unit, status, is_weak_chapter, year_wise_question_count, question_solved, metadata, created_at`

const insertChapterSQL = `
INSERT INTO chapters (id, subject, chapter, class, unit, status, is_weak_chapter, year_wise_question_count, question_solved, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::jsonb, $11)
ON CONFLICT ON CONSTRAINT chapters_natural_key DO NOTHING
RETURNING id`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure the schema has been applied (see ApplyMigrations) before serving
// traffic.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	pool, err := openPool(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func openPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return pool, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withTimeout bounds a single statement by the configured acquire timeout
// when the caller has not already set a tighter deadline.
func (r *postgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= r.cfg.AcquireTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// buildChapterWhere renders the filter as a WHERE clause with positional
// arguments starting at $1.
func buildChapterWhere(filter ChapterFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Class != "" {
		add("class", filter.Class)
	}
	if filter.Unit != "" {
		add("unit", filter.Unit)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Subject != "" {
		add("subject", filter.Subject)
	}
	if filter.WeakOnly {
		clauses = append(clauses, "is_weak_chapter")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *postgresRepository) CountChapters(ctx context.Context, filter ChapterFilter) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, ErrPostgresUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	where, args := buildChapterWhere(filter)
	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM chapters"+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count chapters: %w", err)
	}
	return total, nil
}

func (r *postgresRepository) ListChapters(ctx context.Context, filter ChapterFilter, skip, limit int) ([]models.Chapter, error) {
	if r == nil || r.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	if skip < 0 {
		skip = 0
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	where, args := buildChapterWhere(filter)
	query := "SELECT " + chapterColumns + " FROM chapters" + where +
		` ORDER BY subject COLLATE "C", chapter COLLATE "C", id`
	args = append(args, skip)
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	chapters := make([]models.Chapter, 0)
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	return chapters, nil
}

func (r *postgresRepository) GetChapter(ctx context.Context, id string) (models.Chapter, error) {
	if r == nil || r.pool == nil {
		return models.Chapter{}, ErrPostgresUnavailable
	}
	id = strings.TrimSpace(id)
	if !isValidID(id) {
		return models.Chapter{}, ErrNotFound
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, "SELECT "+chapterColumns+" FROM chapters WHERE id = $1", id)
	chapter, err := scanChapter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Chapter{}, ErrNotFound
		}
		return models.Chapter{}, err
	}
	return chapter, nil
}

// InsertChapters writes the batch in one round trip. Natural-key conflicts
// are skipped by ON CONFLICT so they never abort the batch. Any other
// statement error rolls back the implicit batch transaction, after which each
// record is retried on its own so one bad row cannot sink its siblings.
func (r *postgresRepository) InsertChapters(ctx context.Context, chapters []models.Chapter) (InsertResult, error) {
	if r == nil || r.pool == nil {
		return InsertResult{}, ErrPostgresUnavailable
	}
	if len(chapters) == 0 {
		return InsertResult{}, nil
	}
	prepared := make([]models.Chapter, len(chapters))
	now := r.cfg.Clock()
	for i, chapter := range chapters {
		id, err := generateID()
		if err != nil {
			return InsertResult{}, err
		}
		prepared[i] = chapter.Clone()
		prepared[i].ID = id
		prepared[i].CreatedAt = now
	}

	result, err := r.insertBatch(ctx, prepared)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil || isConnectionError(err) {
		return InsertResult{}, fmt.Errorf("insert chapters: %w", err)
	}
	return r.insertEach(ctx, prepared)
}

func (r *postgresRepository) insertBatch(ctx context.Context, chapters []models.Chapter) (InsertResult, error) {
	batch := &pgx.Batch{}
	for _, chapter := range chapters {
		args, err := chapterInsertArgs(chapter)
		if err != nil {
			return InsertResult{}, err
		}
		batch.Queue(insertChapterSQL, args...)
	}

	results := r.pool.SendBatch(ctx, batch)
	result := InsertResult{}
	for idx, chapter := range chapters {
		var id string
		err := results.QueryRow().Scan(&id)
		switch {
		case err == nil:
			result.Inserted = append(result.Inserted, chapter)
		case errors.Is(err, pgx.ErrNoRows):
			result.Rejected = append(result.Rejected, InsertRejection{Index: idx, Chapter: chapter, Err: ErrDuplicate})
		default:
			_ = results.Close()
			return InsertResult{}, err
		}
	}
	if err := results.Close(); err != nil {
		return InsertResult{}, err
	}
	return result, nil
}

func (r *postgresRepository) insertEach(ctx context.Context, chapters []models.Chapter) (InsertResult, error) {
	result := InsertResult{}
	for idx, chapter := range chapters {
		args, err := chapterInsertArgs(chapter)
		if err != nil {
			result.Rejected = append(result.Rejected, InsertRejection{Index: idx, Chapter: chapter, Err: err})
			continue
		}
		var id string
		err = r.pool.QueryRow(ctx, insertChapterSQL, args...).Scan(&id)
		switch {
		case err == nil:
			result.Inserted = append(result.Inserted, chapter)
		case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
			result.Rejected = append(result.Rejected, InsertRejection{Index: idx, Chapter: chapter, Err: ErrDuplicate})
		case ctx.Err() != nil || isConnectionError(err):
			return InsertResult{}, fmt.Errorf("insert chapters: %w", err)
		default:
			result.Rejected = append(result.Rejected, InsertRejection{Index: idx, Chapter: chapter, Err: err})
		}
	}
	return result, nil
}

func chapterInsertArgs(chapter models.Chapter) ([]any, error) {
	var years any
	if chapter.YearWiseQuestionCount != nil {
		encoded, err := json.Marshal(chapter.YearWiseQuestionCount)
		if err != nil {
			return nil, fmt.Errorf("encode year counts: %w", err)
		}
		years = string(encoded)
	}
	var metadata any
	if len(chapter.Metadata) > 0 {
		metadata = string(chapter.Metadata)
	}
	return []any{
		chapter.ID,
		chapter.Subject,
		chapter.Chapter,
		chapter.Class,
		chapter.Unit,
		string(chapter.Status),
		chapter.IsWeakChapter,
		years,
		chapter.QuestionSolved,
		metadata,
		chapter.CreatedAt,
	}, nil
}

func scanChapter(row pgx.Row) (models.Chapter, error) {
	var (
		chapter  models.Chapter
		status   string
		years    []byte
		metadata []byte
	)
	if err := row.Scan(
		&chapter.ID,
		&chapter.Subject,
		&chapter.Chapter,
		&chapter.Class,
		&chapter.Unit,
		&status,
		&chapter.IsWeakChapter,
		&years,
		&chapter.QuestionSolved,
		&metadata,
		&chapter.CreatedAt,
	); err != nil {
		return models.Chapter{}, err
	}
	chapter.Status = models.ChapterStatus(status)
	chapter.CreatedAt = chapter.CreatedAt.UTC()
	if len(years) > 0 {
		if err := json.Unmarshal(years, &chapter.YearWiseQuestionCount); err != nil {
			return models.Chapter{}, fmt.Errorf("decode year counts for %s: %w", chapter.ID, err)
		}
	}
	if len(metadata) > 0 {
		chapter.Metadata = json.RawMessage(metadata)
	}
	return chapter, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// isConnectionError reports failures that are not attributable to a single
// row, such as a dropped connection or a closed pool. Errors raised while
// encoding one row's arguments are row errors.
func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return true
	case pgconn.Timeout(err):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, puddle.ErrClosedPool), errors.Is(err, ErrPostgresUnavailable):
		return true
	default:
		return false
	}
}

var _ Repository = (*postgresRepository)(nil)
