package storage

import (
	"context"
	"errors"

	"chapterhub/internal/models"
)

var (
	// ErrNotFound is returned when a chapter lookup does not match any record.
	ErrNotFound = errors.New("chapter not found")
	// ErrDuplicate is reported for records rejected because another chapter
	// already holds the same subject, class, unit, and chapter name.
	ErrDuplicate = errors.New("duplicate chapter")
)

// ChapterFilter restricts chapter queries. Zero-valued fields impose no
// constraint; WeakOnly limits results to chapters flagged as weak.
type ChapterFilter struct {
	Class    string
	Unit     string
	Status   models.ChapterStatus
	Subject  string
	WeakOnly bool
}

// Matches reports whether the chapter satisfies every populated field.
func (f ChapterFilter) Matches(chapter models.Chapter) bool {
	if f.Class != "" && chapter.Class != f.Class {
		return false
	}
	if f.Unit != "" && chapter.Unit != f.Unit {
		return false
	}
	if f.Status != "" && chapter.Status != f.Status {
		return false
	}
	if f.Subject != "" && chapter.Subject != f.Subject {
		return false
	}
	if f.WeakOnly && !chapter.IsWeakChapter {
		return false
	}
	return true
}

// InsertRejection describes a valid record the datastore refused to persist.
type InsertRejection struct {
	Index   int
	Chapter models.Chapter
	Err     error
}

// InsertResult reports the outcome of an unordered bulk insert. Inserted holds
// the persisted chapters with their assigned IDs; Rejected holds the records
// refused individually. A rejection never prevents its siblings from being
// written.
type InsertResult struct {
	Inserted []models.Chapter
	Rejected []InsertRejection
}

// Repository exposes the chapter collection to the read and ingestion paths.
type Repository interface {
	Ping(ctx context.Context) error
	CountChapters(ctx context.Context, filter ChapterFilter) (int64, error)
	// ListChapters returns a page of matching chapters ordered by subject,
	// then chapter name, then ID.
	ListChapters(ctx context.Context, filter ChapterFilter, skip, limit int) ([]models.Chapter, error)
	GetChapter(ctx context.Context, id string) (models.Chapter, error)
	InsertChapters(ctx context.Context, chapters []models.Chapter) (InsertResult, error)
}

var _ Repository = (*Storage)(nil)
