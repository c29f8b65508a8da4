package chapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"chapterhub/internal/cache"
	"chapterhub/internal/models"
	"chapterhub/internal/observability/logging"
	"chapterhub/internal/observability/metrics"
	"chapterhub/internal/storage"
)

const (
	DefaultCacheTTL     = time.Hour
	DefaultCacheTimeout = 250 * time.Millisecond
	DefaultStoreTimeout = 10 * time.Second
)

// ErrNotFound is returned by Get when no chapter has the requested ID.
var ErrNotFound = storage.ErrNotFound

// ListResponse is the listing payload served to clients and cached verbatim.
type ListResponse struct {
	Chapters   []models.Chapter `json:"chapters"`
	Pagination Pagination       `json:"pagination"`
}

type Pagination struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Pages int64 `json:"pages"`
}

// Config wires a Service. Cache may be nil, in which case caching is off.
type Config struct {
	Repository   storage.Repository
	Cache        cache.Cache
	TTL          time.Duration
	CacheTimeout time.Duration
	// StoreTimeout bounds a shared datastore read. It runs detached from
	// any single caller so one disconnecting client cannot fail the others.
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Service serves chapter reads cache-aside. Cache failures never fail a
// read; writes back to the cache happen in the background and are drained
// by Close.
type Service struct {
	repo         storage.Repository
	cache        cache.Cache
	ttl          time.Duration
	cacheTimeout time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	flight  singleflight.Group
	pending sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("chapters: repository is required")
	}
	svc := &Service{
		repo:         cfg.Repository,
		cache:        cfg.Cache,
		ttl:          cfg.TTL,
		cacheTimeout: cfg.CacheTimeout,
		storeTimeout: cfg.StoreTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if svc.cache == nil {
		svc.cache = cache.Nop{}
	}
	if svc.ttl <= 0 {
		svc.ttl = DefaultCacheTTL
	}
	if svc.cacheTimeout <= 0 {
		svc.cacheTimeout = DefaultCacheTimeout
	}
	if svc.storeTimeout <= 0 {
		svc.storeTimeout = DefaultStoreTimeout
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	svc.logger = logging.WithComponent(svc.logger, "chapters")
	return svc, nil
}

// List returns the serialized listing page for filter and page.
func (s *Service) List(ctx context.Context, filter Filter, page Page) ([]byte, error) {
	key := filter.CacheKey(page)
	if payload, ok := s.cached(ctx, "listing", key); ok {
		return payload, nil
	}

	payload, err := s.shared(ctx, key, func(fctx context.Context) ([]byte, error) {
		return s.loadListing(fctx, filter, page)
	})
	if err != nil {
		return nil, err
	}
	s.storeAsync(ctx, key, payload)
	return payload, nil
}

func (s *Service) loadListing(ctx context.Context, filter Filter, page Page) ([]byte, error) {
	predicate := filter.Predicate()
	var (
		total    int64
		chapters []models.Chapter
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		count, err := s.repo.CountChapters(gctx, predicate)
		if err != nil {
			return fmt.Errorf("count chapters: %w", err)
		}
		total = count
		return nil
	})
	group.Go(func() error {
		list, err := s.repo.ListChapters(gctx, predicate, page.Skip(), page.Limit)
		if err != nil {
			return fmt.Errorf("list chapters: %w", err)
		}
		chapters = list
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if chapters == nil {
		chapters = []models.Chapter{}
	}

	return json.Marshal(ListResponse{
		Chapters: chapters,
		Pagination: Pagination{
			Total: total,
			Page:  page.Number,
			Pages: page.Pages(total),
		},
	})
}

// Get returns the serialized chapter with the given ID, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) ([]byte, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	key := ItemKey(id)
	if payload, ok := s.cached(ctx, "item", key); ok {
		return payload, nil
	}

	payload, err := s.shared(ctx, key, func(fctx context.Context) ([]byte, error) {
		chapter, err := s.repo.GetChapter(fctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chapter)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	s.storeAsync(ctx, key, payload)
	return payload, nil
}

// shared runs load once per key across concurrent callers. The load keeps
// the first caller's context values but not its cancellation; each caller
// stops waiting when its own context ends.
func (s *Service) shared(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
		defer cancel()
		return load(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close waits for background cache writes to finish or for ctx to expire.
// Later writes are dropped.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) cached(ctx context.Context, kind, key string) ([]byte, bool) {
	if cache.IsDisabled(s.cache) {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	payload, err := s.cache.Get(cctx, key)
	switch {
	case err == nil:
		s.metrics.CacheHit(kind)
		return payload, true
	case errors.Is(err, cache.ErrMiss):
		s.metrics.CacheMiss(kind)
	default:
		s.metrics.CacheMiss(kind)
		s.metrics.CacheError("get")
		logging.WithContext(ctx, s.logger).Warn("cache lookup failed", "key", key, "error", err)
	}
	return nil, false
}

// storeAsync writes payload under key without blocking the response. The
// write is detached from the request context but bounded by the cache
// timeout.
func (s *Service) storeAsync(ctx context.Context, key string, payload []byte) {
	if cache.IsDisabled(s.cache) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	logger := logging.WithContext(ctx, s.logger)
	go func() {
		defer s.pending.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cacheTimeout)
		defer cancel()
		if err := s.cache.Set(wctx, key, payload, s.ttl); err != nil {
			s.metrics.CacheError("set")
			logger.Debug("cache write failed", "key", key, "error", err)
		}
	}()
}
