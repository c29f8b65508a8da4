package storage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/models"
)

func TestDecodeChapterAcceptsCompleteRecord(t *testing.T) {
	raw := json.RawMessage(`{
		"subject": " Physics ",
		"chapter": "Kinematics",
		"class": 11,
		"unit": "Mechanics 1",
		"status": "In Progress",
		"isWeakChapter": "true",
		"yearWiseQuestionCount": {"2019": 3, "2020": 5},
		"questionSolved": 12,
		"metadata": { "source" : "pyq" },
		"extra": "ignored"
	}`)

	chapter, err := DecodeChapter(raw)
	require.NoError(t, err)
	assert.Equal(t, "Physics", chapter.Subject)
	assert.Equal(t, "Kinematics", chapter.Chapter)
	assert.Equal(t, "11", chapter.Class)
	assert.Equal(t, "Mechanics 1", chapter.Unit)
	assert.Equal(t, models.StatusInProgress, chapter.Status)
	assert.True(t, chapter.IsWeakChapter)
	assert.Equal(t, map[string]int{"2019": 3, "2020": 5}, chapter.YearWiseQuestionCount)
	assert.Equal(t, 12, chapter.QuestionSolved)
	assert.JSONEq(t, `{"source":"pyq"}`, string(chapter.Metadata))
	assert.Empty(t, chapter.ID)
	assert.True(t, chapter.CreatedAt.IsZero())
}

func TestDecodeChapterOptionalFieldsDefault(t *testing.T) {
	chapter, err := DecodeChapter(json.RawMessage(`{"subject":"Math","chapter":"Sets","class":"Class 11","unit":"Algebra","status":"completed"}`))
	require.NoError(t, err)
	assert.False(t, chapter.IsWeakChapter)
	assert.Zero(t, chapter.QuestionSolved)
	assert.Nil(t, chapter.YearWiseQuestionCount)
	assert.Nil(t, chapter.Metadata)
}

func TestDecodeChapterReportsEveryIssue(t *testing.T) {
	_, err := DecodeChapter(json.RawMessage(`{"subject":"","chapter":["x"],"unit":"U","status":"finished","questionSolved":-1,"yearWiseQuestionCount":{"2020":"many"},"metadata":[1]}`))
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	fields := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		fields = append(fields, issue.Field)
	}
	assert.Equal(t, []string{"subject", "chapter", "class", "status", "questionSolved", "yearWiseQuestionCount", "metadata"}, fields)
	assert.Contains(t, err.Error(), "chapter validation failed")
	assert.Contains(t, err.Error(), `"finished" is not one of not-started, in-progress, completed`)
}

func TestDecodeChapterRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[]`, `"chapter"`, `42`, `null`, ``} {
		_, err := DecodeChapter(json.RawMessage(raw))
		var verr *ValidationError
		require.Truef(t, errors.As(err, &verr), "input %q", raw)
		assert.Equal(t, "chapter", verr.Issues[0].Field)
	}
}

func TestDecodeChapterRejectsFractionalCounts(t *testing.T) {
	_, err := DecodeChapter(json.RawMessage(`{"subject":"Math","chapter":"Sets","class":"11","unit":"Algebra","status":"completed","questionSolved":1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "questionSolved: expected a whole number")
}

func TestDecodeChapterRejectsCountsBeyondInt32(t *testing.T) {
	_, err := DecodeChapter(json.RawMessage(`{"subject":"Math","chapter":"Sets","class":"11","unit":"Algebra","status":"completed","questionSolved":3000000000}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "questionSolved: must not exceed 2147483647")

	_, err = DecodeChapter(json.RawMessage(`{"subject":"Math","chapter":"Sets","class":"11","unit":"Algebra","status":"completed","yearWiseQuestionCount":{"2021":2147483648}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yearWiseQuestionCount: 2021: must not exceed 2147483647")

	chapter, err := DecodeChapter(json.RawMessage(`{"subject":"Math","chapter":"Sets","class":"11","unit":"Algebra","status":"completed","questionSolved":2147483647}`))
	require.NoError(t, err)
	assert.Equal(t, 2147483647, chapter.QuestionSolved)
}
