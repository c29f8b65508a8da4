package chapters

import (
	"math"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"chapterhub/internal/models"
	"chapterhub/internal/storage"
)

func TestParseQueryDefaults(t *testing.T) {
	filter, page := ParseQuery(url.Values{})
	assert.Equal(t, Filter{}, filter)
	assert.Equal(t, Page{Number: 1, Limit: 10}, page)
	assert.Equal(t, "chapters:{}:1:10", filter.CacheKey(page))
}

func TestParseQueryPagination(t *testing.T) {
	cases := []struct {
		query string
		want  Page
	}{
		{query: "page=3&limit=25", want: Page{Number: 3, Limit: 25}},
		{query: "page=0&limit=-4", want: Page{Number: 1, Limit: 10}},
		{query: "page=abc&limit=2.5", want: Page{Number: 1, Limit: 10}},
		{query: "limit=1000", want: Page{Number: 1, Limit: 100}},
		{query: "page=%20%202%20", want: Page{Number: 2, Limit: 10}},
	}
	for _, tc := range cases {
		values, err := url.ParseQuery(tc.query)
		assert.NoError(t, err)
		_, page := ParseQuery(values)
		assert.Equal(t, tc.want, page, "query %q", tc.query)
	}
}

func TestParseQueryWeakChapters(t *testing.T) {
	for _, raw := range []string{"true", "1", "t", "TRUE", "True"} {
		filter, _ := ParseQuery(url.Values{"weakChapters": {raw}})
		assert.True(t, filter.WeakOnly, "value %q", raw)
	}
	for _, raw := range []string{"false", "0", "yes", "", "maybe"} {
		filter, _ := ParseQuery(url.Values{"weakChapters": {raw}})
		assert.False(t, filter.WeakOnly, "value %q", raw)
	}
}

func TestParseQueryStatusNormalisation(t *testing.T) {
	filter, _ := ParseQuery(url.Values{"status": {"Not Started"}})
	assert.Equal(t, models.StatusNotStarted, filter.Status)

	filter, _ = ParseQuery(url.Values{"status": {"archived"}})
	assert.Equal(t, models.ChapterStatus("archived"), filter.Status)
}

func TestCacheKeyIsCanonical(t *testing.T) {
	a, pageA := ParseQuery(url.Values{"subject": {"Physics"}, "class": {"Class 11"}, "weakChapters": {"true"}, "page": {"2"}})
	b, pageB := ParseQuery(url.Values{"weakChapters": {"1"}, "class": {" Class 11 "}, "subject": {"Physics"}, "page": {"02"}, "limit": {"10"}})
	assert.Equal(t, a.CacheKey(pageA), b.CacheKey(pageB))
	assert.Equal(t, `chapters:{"class":"Class 11","subject":"Physics","isWeakChapter":true}:2:10`, a.CacheKey(pageA))

	c, pageC := ParseQuery(url.Values{"subject": {"Physics"}, "class": {"Class 11"}, "weakChapters": {"false"}, "page": {"2"}})
	assert.NotEqual(t, a.CacheKey(pageA), c.CacheKey(pageC))
}

func TestItemKey(t *testing.T) {
	assert.Equal(t, "chapter:abc", ItemKey("abc"))
}

func TestPageArithmetic(t *testing.T) {
	page := Page{Number: 3, Limit: 10}
	assert.Equal(t, 20, page.Skip())
	assert.EqualValues(t, 0, page.Pages(0))
	assert.EqualValues(t, 1, page.Pages(10))
	assert.EqualValues(t, 2, page.Pages(11))
	assert.Equal(t, math.MaxInt32, Page{Number: math.MaxInt32, Limit: 100}.Skip())
}

func TestPredicate(t *testing.T) {
	filter := Filter{Class: "11", Unit: "U1", Status: models.StatusCompleted, Subject: "Math", WeakOnly: true}
	assert.Equal(t, storage.ChapterFilter{Class: "11", Unit: "U1", Status: models.StatusCompleted, Subject: "Math", WeakOnly: true}, filter.Predicate())
}
