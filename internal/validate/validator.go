// Package validate checks extracted listing fields against domain rules and
// folds the findings into a final confidence and accept/reject decision.
package validate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sells-group/listing-cli/internal/model"
)

// Config tunes the validator. Field lists use model field keys.
type Config struct {
	Threshold    float64  `mapstructure:"threshold"`
	HardRequired []string `mapstructure:"hard_required"`
	SoftRequired []string `mapstructure:"soft_required"`
	MaxPrice     float64  `mapstructure:"max_price"`

	MissingPenalty      float64 `mapstructure:"missing_penalty"`
	RangePenalty        float64 `mapstructure:"range_penalty"`
	InconsistentPenalty float64 `mapstructure:"inconsistent_penalty"`
}

// DefaultConfig returns the stock rule configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:           0.7,
		HardRequired:        []string{model.FieldAddress},
		SoftRequired:        []string{model.FieldPrice, model.FieldBedrooms, model.FieldBathrooms, model.FieldSquareFeet},
		MaxPrice:            500_000_000,
		MissingPenalty:      0.05,
		RangePenalty:        0.25,
		InconsistentPenalty: 0.15,
	}
}

// Report is the outcome of validating one record.
type Report struct {
	Valid      bool                    `json:"valid"`
	Confidence float64                 `json:"confidence"`
	Issues     []model.ValidationIssue `json:"issues,omitempty"`
}

// Rule inspects fields and returns any issues it finds.
type Rule struct {
	Name  string
	Check func(f *model.ExtractedFields) []model.ValidationIssue
}

// Validator runs an ordered rule chain.
type Validator struct {
	threshold float64
	rules     []Rule
}

// New builds the default rule chain from cfg. Zero values take defaults.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.HardRequired == nil {
		cfg.HardRequired = def.HardRequired
	}
	if cfg.SoftRequired == nil {
		cfg.SoftRequired = def.SoftRequired
	}
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = def.MaxPrice
	}
	if cfg.MissingPenalty <= 0 {
		cfg.MissingPenalty = def.MissingPenalty
	}
	if cfg.RangePenalty <= 0 {
		cfg.RangePenalty = def.RangePenalty
	}
	if cfg.InconsistentPenalty <= 0 {
		cfg.InconsistentPenalty = def.InconsistentPenalty
	}
	return NewWithRules(cfg.Threshold, DefaultRules(cfg, time.Now)...)
}

// NewWithRules builds a validator from an explicit chain.
func NewWithRules(threshold float64, rules ...Rule) *Validator {
	return &Validator{threshold: threshold, rules: rules}
}

// Validate runs every rule in order. A hard issue stops the chain and
// rejects the record with zero confidence; soft issues subtract their
// penalty from confidence.
func (v *Validator) Validate(f *model.ExtractedFields) Report {
	if f == nil {
		f = &model.ExtractedFields{}
	}
	rep := Report{Confidence: clamp01(f.Confidence)}

	for _, r := range v.rules {
		for _, issue := range r.Check(f) {
			if issue.Rule == "" {
				issue.Rule = r.Name
			}
			rep.Issues = append(rep.Issues, issue)
			if issue.Severity == model.SeverityHard {
				rep.Valid = false
				rep.Confidence = 0
				return rep
			}
			rep.Confidence = clamp01(rep.Confidence - issue.Penalty)
		}
	}
	rep.Valid = rep.Confidence >= v.threshold
	return rep
}

// DefaultRules returns the built-in chain: required fields first, then
// ranges, then cross-field consistency.
func DefaultRules(cfg Config, now func() time.Time) []Rule {
	return []Rule{
		requiredRule("hard_required", cfg.HardRequired, model.SeverityHard, 0),
		requiredRule("soft_required", cfg.SoftRequired, model.SeveritySoft, cfg.MissingPenalty),
		priceRange(cfg.MaxPrice, cfg.RangePenalty),
		floatRange("bedrooms_range", model.FieldBedrooms, func(f *model.ExtractedFields) *float64 { return f.Bedrooms }, 0, 50, cfg.RangePenalty),
		floatRange("bathrooms_range", model.FieldBathrooms, func(f *model.ExtractedFields) *float64 { return f.Bathrooms }, 0, 50, cfg.RangePenalty),
		intRange("square_feet_range", model.FieldSquareFeet, func(f *model.ExtractedFields) *int { return f.SquareFeet }, func() int { return 100 }, func() int { return 100_000 }, cfg.RangePenalty),
		intRange("year_built_range", model.FieldYearBuilt, func(f *model.ExtractedFields) *int { return f.YearBuilt }, func() int { return 1700 }, func() int { return now().Year() + 1 }, cfg.RangePenalty),
		bathsVsBeds(cfg.InconsistentPenalty),
		postalCode(cfg.InconsistentPenalty / 3),
	}
}

func requiredRule(name string, fields []string, sev model.Severity, penalty float64) Rule {
	return Rule{Name: name, Check: func(f *model.ExtractedFields) []model.ValidationIssue {
		var out []model.ValidationIssue
		for _, k := range fields {
			if f.Has(k) {
				continue
			}
			out = append(out, model.ValidationIssue{
				Field:    k,
				Kind:     model.IssueMissingField,
				Severity: sev,
				Message:  fmt.Sprintf("%s is missing", k),
				Penalty:  penalty,
			})
		}
		return out
	}}
}

// priceRange accepts any positive price up to maxPrice.
func priceRange(maxPrice, penalty float64) Rule {
	return Rule{Name: "price_range", Check: func(f *model.ExtractedFields) []model.ValidationIssue {
		p := f.Price
		if p == nil || (*p > 0 && *p <= maxPrice) {
			return nil
		}
		return []model.ValidationIssue{{
			Field:    model.FieldPrice,
			Kind:     model.IssueOutOfRange,
			Severity: model.SeveritySoft,
			Message:  fmt.Sprintf("price %g outside (0, %g]", *p, maxPrice),
			Penalty:  penalty,
		}}
	}}
}

func floatRange(name, field string, get func(*model.ExtractedFields) *float64, lo, hi, penalty float64) Rule {
	return Rule{Name: name, Check: func(f *model.ExtractedFields) []model.ValidationIssue {
		p := get(f)
		if p == nil || (*p >= lo && *p <= hi) {
			return nil
		}
		return []model.ValidationIssue{{
			Field:    field,
			Kind:     model.IssueOutOfRange,
			Severity: model.SeveritySoft,
			Message:  fmt.Sprintf("%s %g outside [%g, %g]", field, *p, lo, hi),
			Penalty:  penalty,
		}}
	}}
}

func intRange(name, field string, get func(*model.ExtractedFields) *int, lo, hi func() int, penalty float64) Rule {
	return Rule{Name: name, Check: func(f *model.ExtractedFields) []model.ValidationIssue {
		p := get(f)
		if p == nil {
			return nil
		}
		l, h := lo(), hi()
		if *p >= l && *p <= h {
			return nil
		}
		return []model.ValidationIssue{{
			Field:    field,
			Kind:     model.IssueOutOfRange,
			Severity: model.SeveritySoft,
			Message:  fmt.Sprintf("%s %d outside [%d, %d]", field, *p, l, h),
			Penalty:  penalty,
		}}
	}}
}

func bathsVsBeds(penalty float64) Rule {
	return Rule{Name: "baths_vs_beds", Check: func(f *model.ExtractedFields) []model.ValidationIssue {
		if f.Bedrooms == nil || f.Bathrooms == nil || *f.Bathrooms <= *f.Bedrooms+3 {
			return nil
		}
		return []model.ValidationIssue{{
			Field:    model.FieldBathrooms,
			Kind:     model.IssueInconsistent,
			Severity: model.SeveritySoft,
			Message:  fmt.Sprintf("%g bathrooms for %g bedrooms", *f.Bathrooms, *f.Bedrooms),
			Penalty:  penalty,
		}}
	}}
}

var usZipRe = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

func postalCode(penalty float64) Rule {
	return Rule{Name: "postal_code_format", Check: func(f *model.ExtractedFields) []model.ValidationIssue {
		if !f.Has(model.FieldPostalCode) || usZipRe.MatchString(*f.PostalCode) {
			return nil
		}
		return []model.ValidationIssue{{
			Field:    model.FieldPostalCode,
			Kind:     model.IssueInconsistent,
			Severity: model.SeveritySoft,
			Message:  fmt.Sprintf("postal code %q is not a US zip", *f.PostalCode),
			Penalty:  penalty,
		}}
	}}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
