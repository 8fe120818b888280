package extract

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/listing-cli/internal/model"
)

// aliases maps normalised key spellings (lowercase, no separators) seen in
// model output, structured APIs and schema.org JSON-LD onto field keys.
var aliases = map[string]string{
	"address":          model.FieldAddress,
	"streetaddress":    model.FieldAddress,
	"street":           model.FieldAddress,
	"addressline1":     model.FieldAddress,
	"line1":            model.FieldAddress,
	"city":             model.FieldCity,
	"addresslocality":  model.FieldCity,
	"locality":         model.FieldCity,
	"state":            model.FieldState,
	"addressregion":    model.FieldState,
	"region":           model.FieldState,
	"statecode":        model.FieldState,
	"postalcode":       model.FieldPostalCode,
	"zip":              model.FieldPostalCode,
	"zipcode":          model.FieldPostalCode,
	"postcode":         model.FieldPostalCode,
	"price":            model.FieldPrice,
	"listprice":        model.FieldPrice,
	"listingprice":     model.FieldPrice,
	"askingprice":      model.FieldPrice,
	"bedrooms":         model.FieldBedrooms,
	"beds":             model.FieldBedrooms,
	"bedroomcount":     model.FieldBedrooms,
	"numberofbedrooms": model.FieldBedrooms,
	"numberofrooms":    model.FieldBedrooms,
	"bathrooms":        model.FieldBathrooms,
	"baths":            model.FieldBathrooms,
	"bathroomcount":    model.FieldBathrooms,
	"squarefeet":       model.FieldSquareFeet,
	"sqft":             model.FieldSquareFeet,
	"livingarea":       model.FieldSquareFeet,
	"floorsize":        model.FieldSquareFeet,
	"area":             model.FieldSquareFeet,
	"yearbuilt":        model.FieldYearBuilt,
	"built":            model.FieldYearBuilt,
	"propertytype":     model.FieldPropertyType,
	"hometype":         model.FieldPropertyType,
	"type":             model.FieldPropertyType,
	"listingstatus":    model.FieldListingStatus,
	"status":           model.FieldListingStatus,

	"numberofbathroomstotal": model.FieldBathrooms,
}

// canonicalField returns the field key for a raw key, or "".
func canonicalField(key string) string {
	k := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(key))
	return aliases[k]
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// parseNumber coerces model and page values like 450000, "$450,000",
// "3 bd", "1.2M" or "$450k" to a float.
func parseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		s = strings.ReplaceAll(s, ",", "")
		m := numberRe.FindStringIndex(s)
		if m == nil {
			return 0, false
		}
		f, err := strconv.ParseFloat(s[m[0]:m[1]], 64)
		if err != nil {
			return 0, false
		}
		rest := strings.TrimSpace(s[m[1]:])
		switch {
		case strings.HasPrefix(rest, "k"):
			f *= 1_000
		case strings.HasPrefix(rest, "m") && !strings.HasPrefix(rest, "mo"):
			f *= 1_000_000
		}
		return f, true
	case map[string]any:
		// schema.org QuantitativeValue / PriceSpecification.
		for _, k := range []string{"value", "price", "amount"} {
			if inner, ok := n[k]; ok {
				return parseNumber(inner)
			}
		}
	}
	return 0, false
}

func parseString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		switch strings.ToLower(s) {
		case "", "null", "none", "n/a", "unknown":
			return "", false
		}
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case json.Number:
		return s.String(), true
	}
	return "", false
}

// setField assigns v to field on f when f does not already hold a value
// and v coerces to the field's type. It reports whether f changed.
func setField(f *model.ExtractedFields, field string, v any) bool {
	if v == nil || f.Has(field) {
		return false
	}
	switch field {
	case model.FieldAddress, model.FieldCity, model.FieldState, model.FieldPostalCode,
		model.FieldPropertyType, model.FieldListingStatus:
		s, ok := parseString(v)
		if !ok {
			return false
		}
		switch field {
		case model.FieldAddress:
			f.Address = &s
		case model.FieldCity:
			f.City = &s
		case model.FieldState:
			f.State = &s
		case model.FieldPostalCode:
			f.PostalCode = &s
		case model.FieldPropertyType:
			f.PropertyType = &s
		case model.FieldListingStatus:
			f.ListingStatus = &s
		}
	case model.FieldPrice, model.FieldBedrooms, model.FieldBathrooms:
		n, ok := parseNumber(v)
		if !ok {
			return false
		}
		switch field {
		case model.FieldPrice:
			f.Price = &n
		case model.FieldBedrooms:
			f.Bedrooms = &n
		case model.FieldBathrooms:
			f.Bathrooms = &n
		}
	case model.FieldSquareFeet, model.FieldYearBuilt:
		n, ok := parseNumber(v)
		if !ok {
			return false
		}
		i := int(math.Round(n))
		if field == model.FieldSquareFeet {
			f.SquareFeet = &i
		} else {
			f.YearBuilt = &i
		}
	default:
		return false
	}
	return true
}
