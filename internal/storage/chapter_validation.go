package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"chapterhub/internal/models"
)

// FieldIssue is a single schema violation.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every schema violation found on a chapter record.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "chapter validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return "chapter validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) add(field, message string) {
	e.Issues = append(e.Issues, FieldIssue{Field: field, Message: message})
}

var requiredTextFields = []string{"subject", "chapter", "class", "unit"}

// DecodeChapter validates a raw chapter record against the catalog schema and
// returns the typed chapter. ID and CreatedAt are left for the datastore to
// assign. Unknown top-level keys are ignored. Any violation is reported as a
// *ValidationError naming every offending field.
func DecodeChapter(raw json.RawMessage) (models.Chapter, error) {
	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.Chapter{}, &ValidationError{Issues: []FieldIssue{{Field: "chapter", Message: "must be a JSON object"}}}
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return models.Chapter{}, &ValidationError{Issues: []FieldIssue{{Field: "chapter", Message: err.Error()}}}
	}

	verr := &ValidationError{}
	text := make(map[string]string, len(requiredTextFields))
	for _, name := range requiredTextFields {
		value, present, err := decodeText(fields[name])
		switch {
		case err != nil:
			verr.add(name, err.Error())
		case !present || strings.TrimSpace(value) == "":
			verr.add(name, "is required")
		default:
			text[name] = strings.TrimSpace(value)
		}
	}

	chapter := models.Chapter{
		Subject: text["subject"],
		Chapter: text["chapter"],
		Class:   text["class"],
		Unit:    text["unit"],
	}

	statusRaw, present, err := decodeText(fields["status"])
	switch {
	case err != nil:
		verr.add("status", err.Error())
	case !present || strings.TrimSpace(statusRaw) == "":
		verr.add("status", "is required")
	default:
		status, ok := models.ParseChapterStatus(statusRaw)
		if !ok {
			verr.add("status", fmt.Sprintf("%q is not one of %s", statusRaw, joinStatuses()))
		}
		chapter.Status = status
	}

	if rawWeak, ok := fields["isWeakChapter"]; ok && !isNull(rawWeak) {
		weak, err := decodeBool(rawWeak)
		if err != nil {
			verr.add("isWeakChapter", err.Error())
		}
		chapter.IsWeakChapter = weak
	}

	if rawSolved, ok := fields["questionSolved"]; ok && !isNull(rawSolved) {
		solved, err := decodeCount(rawSolved)
		if err != nil {
			verr.add("questionSolved", err.Error())
		}
		chapter.QuestionSolved = solved
	}

	if rawYears, ok := fields["yearWiseQuestionCount"]; ok && !isNull(rawYears) {
		years, err := decodeYearCounts(rawYears)
		if err != nil {
			verr.add("yearWiseQuestionCount", err.Error())
		}
		chapter.YearWiseQuestionCount = years
	}

	if rawMeta, ok := fields["metadata"]; ok && !isNull(rawMeta) {
		meta := bytes.TrimSpace(rawMeta)
		if len(meta) == 0 || meta[0] != '{' {
			verr.add("metadata", "must be a JSON object")
		} else {
			var compact bytes.Buffer
			if err := json.Compact(&compact, meta); err != nil {
				verr.add("metadata", err.Error())
			} else {
				chapter.Metadata = json.RawMessage(compact.Bytes())
			}
		}
	}

	if len(verr.Issues) > 0 {
		return models.Chapter{}, verr
	}
	return chapter, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// decodeText accepts JSON strings and numbers; numbers keep their literal
// form so a class of 10 is stored as "10".
func decodeText(raw json.RawMessage) (string, bool, error) {
	if raw == nil || isNull(raw) {
		return "", false, nil
	}
	value, err := decodeScalar(raw)
	if err != nil {
		return "", true, err
	}
	switch v := value.(type) {
	case string:
		return v, true, nil
	case json.Number:
		return v.String(), true, nil
	default:
		return "", true, fmt.Errorf("expected a string, got %s", jsonKind(value))
	}
}

func decodeBool(raw json.RawMessage) (bool, error) {
	value, err := decodeScalar(raw)
	if err != nil {
		return false, err
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("expected a boolean, got %q", v)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %s", jsonKind(value))
	}
}

// maxCount matches the 32-bit integer columns of the Postgres schema so both
// drivers accept the same records.
const maxCount = math.MaxInt32

func decodeCount(raw json.RawMessage) (int, error) {
	value, err := decodeScalar(raw)
	if err != nil {
		return 0, err
	}
	number, ok := value.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %s", jsonKind(value))
	}
	count, err := strconv.Atoi(number.String())
	if err != nil {
		return 0, fmt.Errorf("expected a whole number, got %s", number.String())
	}
	if count < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	if count > maxCount {
		return 0, fmt.Errorf("must not exceed %d", maxCount)
	}
	return count, nil
}

func decodeYearCounts(raw json.RawMessage) (map[string]int, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("expected an object of year counts")
	}
	keys := make([]string, 0, len(entries))
	for year := range entries {
		keys = append(keys, year)
	}
	sort.Strings(keys)
	years := make(map[string]int, len(entries))
	for _, year := range keys {
		count, err := decodeCount(entries[year])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", year, err)
		}
		years[year] = count
	}
	return years, nil
}

func decodeScalar(raw json.RawMessage) (interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func jsonKind(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func joinStatuses() string {
	names := make([]string, 0, len(models.ChapterStatuses))
	for _, status := range models.ChapterStatuses {
		names = append(names, string(status))
	}
	return strings.Join(names, ", ")
}
