package model

import "time"

// IssueKind classifies a validation finding.
type IssueKind string

const (
	IssueMissingField IssueKind = "missing_field"
	IssueOutOfRange   IssueKind = "out_of_range"
	IssueInconsistent IssueKind = "inconsistent"
)

// Severity says whether an issue rejects the record outright.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// ValidationIssue is a single rule violation.
type ValidationIssue struct {
	Rule     string    `json:"rule"`
	Field    string    `json:"field,omitempty"`
	Kind     IssueKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Penalty  float64   `json:"penalty,omitempty"`
}

// Result is the terminal outcome of one item in a batch run.
type Result struct {
	Target       Target            `json:"target"`
	Item         *RawItem          `json:"-"`
	Fields       *ExtractedFields  `json:"fields,omitempty"`
	Valid        bool              `json:"valid"`
	Confidence   float64           `json:"confidence"`
	Issues       []ValidationIssue `json:"issues,omitempty"`
	Err          error             `json:"-"`
	Error        string            `json:"error,omitempty"`
	DeadLettered bool              `json:"dead_lettered,omitempty"`
	Attempts     int               `json:"attempts"`
	Duration     time.Duration     `json:"duration"`
}

// Listing is the validated record handed to the persistent store.
type Listing struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	ExternalID string            `json:"external_id"`
	URL        string            `json:"url,omitempty"`
	Fields     *ExtractedFields  `json:"fields"`
	Confidence float64           `json:"confidence"`
	Issues     []ValidationIssue `json:"issues,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewListing builds the persisted record for a valid result.
func NewListing(r Result, now time.Time) Listing {
	l := Listing{
		Source:     r.Target.Source,
		ExternalID: r.Target.ExternalID,
		URL:        r.Target.URL,
		Fields:     r.Fields,
		Confidence: r.Confidence,
		Issues:     r.Issues,
		CreatedAt:  now.UTC(),
	}
	if r.Item != nil {
		l.FetchedAt = r.Item.FetchedAt
		if l.URL == "" {
			l.URL = r.Item.URL
		}
	}
	return l
}
