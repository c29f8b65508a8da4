package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stage names a step of the ingestion state machine.
type Stage string

const (
	StageReceived         Stage = "received"
	StageParsed           Stage = "parsed"
	StageValidated        Stage = "validated"
	StageInserted         Stage = "inserted"
	StageCacheInvalidated Stage = "cache-invalidated"
	StageCleanedUp        Stage = "cleaned-up"
	StageResponded        Stage = "responded"
	StageFailed           Stage = "failed"
)

var (
	// ErrNoFile is returned when a batch arrives without a staged file.
	ErrNoFile = errors.New("no file uploaded")
	// ErrInvalidPayload is returned when the document is not a JSON array.
	ErrInvalidPayload = errors.New("invalid chapter payload")
)

// StageError records the stage at which a batch failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("ingest %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StagedFile is an upload persisted to local disk by the HTTP layer. The
// pipeline owns the file once Process is called and removes it when done.
type StagedFile struct {
	Path string
	Name string
	Size int64
}

// FailedChapter pairs a rejected input element with the reason it was
// rejected. Chapter holds the element exactly as uploaded.
type FailedChapter struct {
	Chapter json.RawMessage `json:"chapter"`
	Error   string          `json:"error"`
}

// Summary is the response body for a processed batch.
type Summary struct {
	Message        string          `json:"message"`
	SuccessCount   int             `json:"successCount"`
	FailureCount   int             `json:"failureCount"`
	FailedChapters []FailedChapter `json:"failedChapters,omitempty"`
}
