// Package chapters implements the cache-aside read path over the chapter
// catalog: query parsing, deterministic cache keys, and the listing and item
// lookups served by the HTTP API.
package chapters

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"

	"chapterhub/internal/models"
	"chapterhub/internal/storage"
)

const (
	// ListingPrefix namespaces every cached listing page. Ingestion clears
	// all keys under it after a batch lands.
	ListingPrefix = "chapters:"
	itemPrefix    = "chapter:"

	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Filter is the set of optional listing constraints. Field order and JSON
// names are fixed so that CacheKey is byte-identical for logically identical
// requests.
type Filter struct {
	Class    string               `json:"class,omitempty"`
	Unit     string               `json:"unit,omitempty"`
	Status   models.ChapterStatus `json:"status,omitempty"`
	Subject  string               `json:"subject,omitempty"`
	WeakOnly bool                 `json:"isWeakChapter,omitempty"`
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Limit  int
}

// Skip is the number of matching records preceding the page, saturating at
// math.MaxInt32 for absurd page numbers.
func (p Page) Skip() int {
	if p.Number < 1 || p.Limit < 1 {
		return 0
	}
	if p.Number-1 > math.MaxInt32/p.Limit {
		return math.MaxInt32
	}
	return (p.Number - 1) * p.Limit
}

// Pages is ceil(total/limit).
func (p Page) Pages(total int64) int64 {
	if p.Limit <= 0 || total <= 0 {
		return 0
	}
	limit := int64(p.Limit)
	return (total + limit - 1) / limit
}

// CacheKey renders the listing key chapters:<filter JSON>:<page>:<limit>.
func (f Filter) CacheKey(page Page) string {
	encoded, err := json.Marshal(f)
	if err != nil {
		encoded = []byte("{}")
	}
	var b strings.Builder
	b.Grow(len(ListingPrefix) + len(encoded) + 16)
	b.WriteString(ListingPrefix)
	b.Write(encoded)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(page.Number))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(page.Limit))
	return b.String()
}

// Predicate converts the filter into a datastore query.
func (f Filter) Predicate() storage.ChapterFilter {
	return storage.ChapterFilter{
		Class:    f.Class,
		Unit:     f.Unit,
		Status:   f.Status,
		Subject:  f.Subject,
		WeakOnly: f.WeakOnly,
	}
}

// ItemKey renders the single-chapter key chapter:<id>.
func ItemKey(id string) string {
	return itemPrefix + id
}

// ParseQuery reads the listing filter and pagination from URL query values.
// Blank values impose no constraint. weakChapters only applies when it parses
// as boolean true. A status that names a known state is normalised the same
// way uploads are; any other value is kept verbatim and so matches nothing.
func ParseQuery(values url.Values) (Filter, Page) {
	filter := Filter{
		Class:   strings.TrimSpace(values.Get("class")),
		Unit:    strings.TrimSpace(values.Get("unit")),
		Subject: strings.TrimSpace(values.Get("subject")),
	}
	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		if status, ok := models.ParseChapterStatus(raw); ok {
			filter.Status = status
		} else {
			filter.Status = models.ChapterStatus(raw)
		}
	}
	if weak, err := strconv.ParseBool(strings.TrimSpace(values.Get("weakChapters"))); err == nil && weak {
		filter.WeakOnly = true
	}

	page := Page{
		Number: positiveInt(values.Get("page"), DefaultPage),
		Limit:  positiveInt(values.Get("limit"), DefaultLimit),
	}
	if page.Limit > MaxLimit {
		page.Limit = MaxLimit
	}
	return filter, page
}

func positiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
