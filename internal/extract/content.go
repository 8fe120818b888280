package extract

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/sells-group/listing-cli/internal/model"
)

// Preparer turns a raw payload into compact prompt content.
type Preparer struct {
	maxChars int
	policy   *bluemonday.Policy
	conv     *converter.Converter
}

// NewPreparer creates a preparer that truncates content to maxChars runes.
func NewPreparer(maxChars int) *Preparer {
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &Preparer{
		maxChars: maxChars,
		policy:   bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Prepare renders item for the model: HTML is sanitised and converted to
// markdown, JSON is compacted and anything else is passed through.
func (p *Preparer) Prepare(item *model.RawItem) string {
	var out string
	switch {
	case item.IsHTML():
		out = p.htmlToMarkdown(item.Payload, item.URL)
	case item.IsJSON():
		var buf bytes.Buffer
		if err := json.Compact(&buf, item.Payload); err == nil {
			out = buf.String()
		} else {
			out = string(item.Payload)
		}
	default:
		out = string(item.Payload)
	}
	return truncate(strings.TrimSpace(out), p.maxChars)
}

// htmlToMarkdown converts sanitised HTML to markdown, falling back to
// plain visible text if conversion fails or yields nothing.
func (p *Preparer) htmlToMarkdown(payload []byte, sourceURL string) string {
	clean := p.policy.SanitizeBytes(payload)
	var (
		md  string
		err error
	)
	if sourceURL != "" {
		md, err = p.conv.ConvertString(string(clean), converter.WithDomain(sourceURL))
	} else {
		md, err = p.conv.ConvertString(string(clean))
	}
	if err != nil || strings.TrimSpace(md) == "" {
		return visibleText(payload)
	}
	return md
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i]
		}
		n++
	}
	return s
}
