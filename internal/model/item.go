package model

import (
	"bytes"
	"strings"
	"time"
)

// Target identifies a single listing to collect from a source.
type Target struct {
	Source     string `json:"source" yaml:"source"`
	ExternalID string `json:"external_id" yaml:"external_id"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Key returns a stable identifier for logging and dedup within a run.
func (t Target) Key() string {
	return t.Source + ":" + t.ExternalID
}

// RawItem is the unprocessed content fetched for a Target. Treat it as
// immutable once returned by a collector.
type RawItem struct {
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	URL         string    `json:"url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     []byte    `json:"payload"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// NewRawItem copies payload so later mutation of the caller's buffer cannot
// leak into the item.
func NewRawItem(t Target, contentType string, payload []byte, fetchedAt time.Time) *RawItem {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &RawItem{
		Source:      t.Source,
		ExternalID:  t.ExternalID,
		URL:         t.URL,
		ContentType: contentType,
		Payload:     buf,
		FetchedAt:   fetchedAt.UTC(),
	}
}

// Target returns the Target this item was fetched for.
func (r *RawItem) Target() Target {
	return Target{Source: r.Source, ExternalID: r.ExternalID, URL: r.URL}
}

// IsJSON reports whether the payload is a JSON document.
func (r *RawItem) IsJSON() bool {
	if hasPrefixFold(r.ContentType, "application/json") || hasPrefixFold(r.ContentType, "application/ld+json") {
		return true
	}
	for _, b := range r.Payload {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return r.ContentType == ""
		default:
			return false
		}
	}
	return false
}

// IsHTML reports whether the payload is an HTML document.
func (r *RawItem) IsHTML() bool {
	if hasPrefixFold(r.ContentType, "text/html") || hasPrefixFold(r.ContentType, "application/xhtml") {
		return true
	}
	return r.ContentType == "" && !r.IsJSON() && containsFold(r.Payload, "<html")
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), prefix)
}

func containsFold(b []byte, sub string) bool {
	return bytes.Contains(bytes.ToLower(b), []byte(sub))
}
