package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chapterhub/internal/models"
)

type dataset struct {
	Chapters map[string]models.Chapter `json:"chapters"`
}

func newDataset() dataset {
	return dataset{Chapters: make(map[string]models.Chapter)}
}

// Storage is the JSON-file datastore used for local development and tests.
// An empty file path keeps the dataset in memory only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	keys     map[string]string
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = newDataset()
	s.keys = make(map[string]string)
	if s.filePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var loaded dataset
	if err := json.NewDecoder(file).Decode(&loaded); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	for id, chapter := range loaded.Chapters {
		s.data.Chapters[id] = chapter
		s.keys[chapter.NaturalKey()] = id
	}
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping always succeeds once the dataset has been loaded.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) CountChapters(ctx context.Context, filter ChapterFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, chapter := range s.data.Chapters {
		if filter.Matches(chapter) {
			total++
		}
	}
	return total, nil
}

func (s *Storage) ListChapters(ctx context.Context, filter ChapterFilter, skip, limit int) ([]models.Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	s.mu.RLock()
	matched := make([]models.Chapter, 0)
	for _, chapter := range s.data.Chapters {
		if filter.Matches(chapter) {
			matched = append(matched, chapter.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Subject != matched[j].Subject {
			return matched[i].Subject < matched[j].Subject
		}
		if matched[i].Chapter != matched[j].Chapter {
			return matched[i].Chapter < matched[j].Chapter
		}
		return matched[i].ID < matched[j].ID
	})

	if skip >= len(matched) {
		return []models.Chapter{}, nil
	}
	end := len(matched)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	return matched[skip:end], nil
}

func (s *Storage) GetChapter(ctx context.Context, id string) (models.Chapter, error) {
	if err := ctx.Err(); err != nil {
		return models.Chapter{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chapter, ok := s.data.Chapters[strings.TrimSpace(id)]
	if !ok {
		return models.Chapter{}, ErrNotFound
	}
	return chapter.Clone(), nil
}

func (s *Storage) InsertChapters(ctx context.Context, chapters []models.Chapter) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := InsertResult{}
	added := make([]models.Chapter, 0, len(chapters))
	now := s.now()
	for idx, chapter := range chapters {
		key := chapter.NaturalKey()
		if _, exists := s.keys[key]; exists {
			result.Rejected = append(result.Rejected, InsertRejection{Index: idx, Chapter: chapter, Err: ErrDuplicate})
			continue
		}
		id, err := generateID()
		if err != nil {
			result.Rejected = append(result.Rejected, InsertRejection{Index: idx, Chapter: chapter, Err: err})
			continue
		}
		stored := chapter.Clone()
		stored.ID = id
		stored.CreatedAt = now
		s.data.Chapters[id] = stored
		s.keys[key] = id
		added = append(added, stored)
	}
	if len(added) == 0 {
		return result, nil
	}
	if err := s.persistLocked(); err != nil {
		for _, chapter := range added {
			delete(s.data.Chapters, chapter.ID)
			delete(s.keys, chapter.NaturalKey())
		}
		return InsertResult{}, fmt.Errorf("persist chapters: %w", err)
	}
	for _, chapter := range added {
		result.Inserted = append(result.Inserted, chapter.Clone())
	}
	return result, nil
}
