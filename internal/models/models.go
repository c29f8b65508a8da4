package models

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ChapterStatus tracks a learner's progress through a chapter.
type ChapterStatus string

const (
	StatusNotStarted ChapterStatus = "not-started"
	StatusInProgress ChapterStatus = "in-progress"
	StatusCompleted  ChapterStatus = "completed"
)

// ChapterStatuses lists every accepted status in display order.
var ChapterStatuses = []ChapterStatus{StatusNotStarted, StatusInProgress, StatusCompleted}

// ParseChapterStatus normalises free-form status input. Matching is
// case-insensitive and treats spaces and underscores as hyphens, so
// "Not Started" and "NOT_STARTED" both resolve to StatusNotStarted.
func ParseChapterStatus(raw string) (ChapterStatus, bool) {
	folded := cases.Fold().String(strings.TrimSpace(raw))
	folded = strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	}), "-")
	for _, status := range ChapterStatuses {
		if folded == string(status) {
			return status, true
		}
	}
	return "", false
}

// Chapter is a single entry of the chapter catalog.
type Chapter struct {
	ID                    string          `json:"id"`
	Subject               string          `json:"subject"`
	Chapter               string          `json:"chapter"`
	Class                 string          `json:"class"`
	Unit                  string          `json:"unit"`
	Status                ChapterStatus   `json:"status"`
	IsWeakChapter         bool            `json:"isWeakChapter"`
	YearWiseQuestionCount map[string]int  `json:"yearWiseQuestionCount,omitempty"`
	QuestionSolved        int             `json:"questionSolved"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// NaturalKey returns the tuple that identifies a chapter independent of its
// store-assigned ID. Two chapters with the same natural key cannot coexist.
func (c Chapter) NaturalKey() string {
	return strings.Join([]string{c.Subject, c.Class, c.Unit, c.Chapter}, "\x1f")
}

// Clone returns a deep copy so callers can hand chapters out of a store
// without sharing map or slice backing arrays.
func (c Chapter) Clone() Chapter {
	clone := c
	if c.YearWiseQuestionCount != nil {
		clone.YearWiseQuestionCount = make(map[string]int, len(c.YearWiseQuestionCount))
		for year, count := range c.YearWiseQuestionCount {
			clone.YearWiseQuestionCount[year] = count
		}
	}
	if c.Metadata != nil {
		clone.Metadata = append(json.RawMessage(nil), c.Metadata...)
	}
	return clone
}
