package extract

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/model"
)

// ErrNoFields means a model answer contained no recognised listing field.
var ErrNoFields = eris.New("extract: no recognised fields")

// parseAnswer maps a model answer onto ExtractedFields. Keys are matched
// through the alias table, nested objects (e.g. an address block) are
// flattened and values are coerced to the field types. The model's own
// confidence is returned when present.
func parseAnswer(obj map[string]any) (*model.ExtractedFields, float64, bool, error) {
	f := &model.ExtractedFields{}
	walkObject(f, obj, 0)
	if len(f.Populated()) == 0 {
		return nil, 0, false, ErrNoFields
	}

	conf, ok := parseNumber(obj["confidence"])
	return f, conf, ok, nil
}

// walkObject fills f from obj in sorted key order so results do not depend
// on map iteration.
func walkObject(f *model.ExtractedFields, obj map[string]any, depth int) {
	if depth > 6 {
		return
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var nested []map[string]any
	for _, k := range keys {
		v := obj[k]
		field := canonicalField(k)
		switch inner := v.(type) {
		case map[string]any:
			if field != "" && setField(f, field, inner) {
				continue
			}
			nested = append(nested, inner)
		case []any:
			for _, el := range inner {
				if m, ok := el.(map[string]any); ok {
					nested = append(nested, m)
				}
			}
		default:
			if field != "" {
				setField(f, field, v)
			}
		}
	}
	for _, m := range nested {
		walkObject(f, m, depth+1)
	}
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
