package extract

import (
	"fmt"
	"strings"

	"github.com/sells-group/listing-cli/internal/llm"
	"github.com/sells-group/listing-cli/internal/model"
)

// PromptVersion is part of every cache key; bump it whenever prompt text or
// the answer schema changes.
const PromptVersion = "listing-v1"

// DefaultPromptKey selects the strategy used for sources without their own.
const DefaultPromptKey = "*"

// PromptFunc builds the model prompt for one item from its prepared content.
type PromptFunc func(item *model.RawItem, content string) llm.Prompt

// Prompts maps source names to prompt strategies.
type Prompts map[string]PromptFunc

// DefaultPrompts returns the page strategy as the default.
func DefaultPrompts() Prompts {
	return Prompts{DefaultPromptKey: PagePrompt}
}

// For returns the strategy for source, falling back to the default and then
// to PagePrompt.
func (p Prompts) For(source string) PromptFunc {
	if fn, ok := p[source]; ok && fn != nil {
		return fn
	}
	if fn, ok := p[DefaultPromptKey]; ok && fn != nil {
		return fn
	}
	return PagePrompt
}

var systemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract structured data from real-estate listings.\n")
	b.WriteString("Answer with exactly one JSON object and nothing else. Keys:\n")
	for _, k := range model.AllFields() {
		fmt.Fprintf(&b, "- %s: %s\n", k, fieldHints[k])
	}
	b.WriteString("- confidence: number between 0 and 1 for how sure you are overall\n")
	b.WriteString("Use null for anything the listing does not state. Do not guess.")
	return b.String()
}

var fieldHints = map[string]string{
	model.FieldAddress:       "street address line, e.g. \"12 Oak St\"",
	model.FieldCity:          "city name",
	model.FieldState:         "two-letter state code",
	model.FieldPostalCode:    "postal code as a string",
	model.FieldPrice:         "asking price as a plain number in dollars",
	model.FieldBedrooms:      "number of bedrooms",
	model.FieldBathrooms:     "number of bathrooms, halves as .5",
	model.FieldSquareFeet:    "interior living area in square feet, integer",
	model.FieldYearBuilt:     "four-digit year",
	model.FieldPropertyType:  "e.g. single_family, condo, townhouse, multi_family, land",
	model.FieldListingStatus: "e.g. active, pending, sold, off_market",
}

// PagePrompt is the strategy for scraped pages converted to markdown.
func PagePrompt(item *model.RawItem, content string) llm.Prompt {
	return llm.Prompt{
		Source: item.Source,
		System: systemPrompt,
		User: fmt.Sprintf("Listing page %s (source %s) rendered as markdown:\n\n%s",
			item.URL, item.Source, content),
	}
}

// JSONPrompt is the strategy for structured API payloads.
func JSONPrompt(item *model.RawItem, content string) llm.Prompt {
	return llm.Prompt{
		Source: item.Source,
		System: systemPrompt,
		User: fmt.Sprintf("API record %s from source %s. Map its attributes onto the keys above:\n\n%s",
			item.ExternalID, item.Source, content),
	}
}
