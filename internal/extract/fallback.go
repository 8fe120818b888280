package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/listing-cli/internal/model"
)

// DefaultFallbackCap bounds fallback confidence below what the model can
// report.
const DefaultFallbackCap = 0.8

// coreFields drive fallback confidence.
var coreFields = []string{model.FieldAddress, model.FieldPrice, model.FieldBedrooms, model.FieldBathrooms}

var (
	priceRe   = regexp.MustCompile(`\$\s?(\d[\d,]*(?:\.\d+)?)\s*([kKmM])?\b`)
	bedsRe    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:bd|bds|beds?|bedrooms?|br)\b`)
	bathsRe   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:ba|baths?|bathrooms?)\b`)
	sqftRe    = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(?:sq\.?\s?ft\.?|sqft|square\s+feet)`)
	yearRe    = regexp.MustCompile(`(?i)(?:built\s+in|year\s+built:?)\s*((?:17|18|19|20)\d{2})\b`)
	addressRe = regexp.MustCompile(`\b(\d{1,6}\s+(?:[A-Z0-9][\w.]*\s+){0,4}?(?:St|Street|Ave|Avenue|Rd|Road|Blvd|Boulevard|Dr|Drive|Ln|Lane|Ct|Court|Way|Pl|Place|Ter|Terrace|Cir|Circle|Pkwy|Parkway|Hwy|Highway)\.?)(?:,\s*([A-Z][A-Za-z .'-]+?),\s*([A-Z]{2})\s+(\d{5}(?:-\d{4})?))?\b`)
)

// Fallback is the deterministic extractor used when the model cannot
// answer. It never fails; an empty result carries zero confidence.
type Fallback struct {
	cap float64
}

// NewFallback creates a fallback extractor. A non-positive cap uses
// DefaultFallbackCap.
func NewFallback(confidenceCap float64) *Fallback {
	if confidenceCap <= 0 || confidenceCap > 1 {
		confidenceCap = DefaultFallbackCap
	}
	return &Fallback{cap: confidenceCap}
}

// Extract pulls what it can from item.
func (fb *Fallback) Extract(item *model.RawItem) *model.ExtractedFields {
	f := &model.ExtractedFields{}
	switch {
	case item.IsJSON():
		var obj any
		dec := json.NewDecoder(bytes.NewReader(item.Payload))
		if err := dec.Decode(&obj); err == nil {
			walkAny(f, obj)
		}
	case item.IsHTML():
		fb.fromHTML(f, item.Payload)
	default:
		fromText(f, string(item.Payload))
	}

	f.StampProvenance(model.ProvenanceFallback)
	f.Confidence = fb.confidence(f)
	return f
}

func (fb *Fallback) confidence(f *model.ExtractedFields) float64 {
	found := 0
	for _, k := range coreFields {
		if f.Has(k) {
			found++
		}
	}
	return fb.cap * float64(found) / float64(len(coreFields))
}

func walkAny(f *model.ExtractedFields, v any) {
	switch t := v.(type) {
	case map[string]any:
		walkObject(f, t, 0)
	case []any:
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				walkObject(f, m, 0)
				return
			}
		}
	}
}

// fromHTML reads schema.org JSON-LD blocks first, then scans visible text.
func (fb *Fallback) fromHTML(f *model.ExtractedFields, payload []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		fromText(f, string(payload))
		return
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var obj any
		if err := json.Unmarshal([]byte(s.Text()), &obj); err == nil {
			walkAny(f, obj)
		}
	})

	fromText(f, docText(doc))
}

// fromText fills any still-empty fields with regex matches.
func fromText(f *model.ExtractedFields, text string) {
	if m := bestAddress(addressRe.FindAllStringSubmatch(text, 8)); m != nil {
		setField(f, model.FieldAddress, strings.TrimSpace(m[1]))
		setField(f, model.FieldCity, m[2])
		setField(f, model.FieldState, m[3])
		setField(f, model.FieldPostalCode, m[4])
	}
	if m := priceRe.FindStringSubmatch(text); m != nil {
		setField(f, model.FieldPrice, m[1]+m[2])
	}
	if m := bedsRe.FindStringSubmatch(text); m != nil {
		setField(f, model.FieldBedrooms, m[1])
	}
	if m := bathsRe.FindStringSubmatch(text); m != nil {
		setField(f, model.FieldBathrooms, m[1])
	}
	if m := sqftRe.FindStringSubmatch(text); m != nil {
		setField(f, model.FieldSquareFeet, m[1])
	}
	if m := yearRe.FindStringSubmatch(text); m != nil {
		setField(f, model.FieldYearBuilt, m[1])
	}
}

// bestAddress prefers the first match that carries city, state and zip.
func bestAddress(matches [][]string) []string {
	for _, m := range matches {
		if m[4] != "" {
			return m
		}
	}
	if len(matches) > 0 {
		return matches[0]
	}
	return nil
}

// visibleText returns the whitespace-collapsed text of an HTML document.
func visibleText(payload []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return collapseSpace(string(payload))
	}
	return docText(doc)
}

// docText drops non-visible elements and separates adjacent elements so
// "<li>3 bd</li><li>2 ba</li>" reads as "3 bd 2 ba".
func docText(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
