package extract

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/listing-cli/internal/model"
)

func TestPreparer_HTMLToMarkdown(t *testing.T) {
	out := NewPreparer(0).Prepare(pageItem("1"))
	assert.Contains(t, out, "12 Oak St, Springfield, IL 62704")
	assert.Contains(t, out, "$450,000")
	assert.NotContains(t, out, "<p")
	assert.NotContains(t, out, "tracking")
}

func TestPreparer_JSONCompacted(t *testing.T) {
	item := model.NewRawItem(model.Target{Source: "api"}, "application/json", []byte("{\n  \"price\": 1,\n  \"beds\": 3\n}"), time.Now())
	assert.Equal(t, `{"price":1,"beds":3}`, NewPreparer(0).Prepare(item))
}

func TestPreparer_Truncates(t *testing.T) {
	item := model.NewRawItem(model.Target{Source: "s"}, "text/plain", []byte(strings.Repeat("é", 50)), time.Now())
	out := NewPreparer(10).Prepare(item)
	assert.Equal(t, 10, utf8.RuneCountInString(out))
	assert.True(t, utf8.ValidString(out))
}
