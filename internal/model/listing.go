package model

// Provenance records which mechanism produced a field value.
type Provenance string

const (
	ProvenanceLLM      Provenance = "llm"
	ProvenanceFallback Provenance = "fallback"
	ProvenanceCached   Provenance = "cached"
)

// Field keys used in prompts, provenance maps and validation rules.
const (
	FieldAddress       = "address"
	FieldCity          = "city"
	FieldState         = "state"
	FieldPostalCode    = "postal_code"
	FieldPrice         = "price"
	FieldBedrooms      = "bedrooms"
	FieldBathrooms     = "bathrooms"
	FieldSquareFeet    = "square_feet"
	FieldYearBuilt     = "year_built"
	FieldPropertyType  = "property_type"
	FieldListingStatus = "listing_status"
)

// AllFields lists every extractable field key in schema order.
func AllFields() []string {
	return []string{
		FieldAddress,
		FieldCity,
		FieldState,
		FieldPostalCode,
		FieldPrice,
		FieldBedrooms,
		FieldBathrooms,
		FieldSquareFeet,
		FieldYearBuilt,
		FieldPropertyType,
		FieldListingStatus,
	}
}

// ExtractedFields holds the structured attributes of one listing. Every
// attribute is nullable; Provenance is keyed by field name and only carries
// entries for populated fields.
type ExtractedFields struct {
	Address       *string  `json:"address"`
	City          *string  `json:"city"`
	State         *string  `json:"state"`
	PostalCode    *string  `json:"postal_code"`
	Price         *float64 `json:"price"`
	Bedrooms      *float64 `json:"bedrooms"`
	Bathrooms     *float64 `json:"bathrooms"`
	SquareFeet    *int     `json:"square_feet"`
	YearBuilt     *int     `json:"year_built"`
	PropertyType  *string  `json:"property_type"`
	ListingStatus *string  `json:"listing_status"`

	Provenance map[string]Provenance `json:"provenance,omitempty"`
	Confidence float64               `json:"confidence"`
}

// Has reports whether the named field is populated.
func (f *ExtractedFields) Has(field string) bool {
	switch field {
	case FieldAddress:
		return nonEmpty(f.Address)
	case FieldCity:
		return nonEmpty(f.City)
	case FieldState:
		return nonEmpty(f.State)
	case FieldPostalCode:
		return nonEmpty(f.PostalCode)
	case FieldPrice:
		return f.Price != nil
	case FieldBedrooms:
		return f.Bedrooms != nil
	case FieldBathrooms:
		return f.Bathrooms != nil
	case FieldSquareFeet:
		return f.SquareFeet != nil
	case FieldYearBuilt:
		return f.YearBuilt != nil
	case FieldPropertyType:
		return nonEmpty(f.PropertyType)
	case FieldListingStatus:
		return nonEmpty(f.ListingStatus)
	default:
		return false
	}
}

// Clear nulls out the named field and drops its provenance.
func (f *ExtractedFields) Clear(field string) {
	switch field {
	case FieldAddress:
		f.Address = nil
	case FieldCity:
		f.City = nil
	case FieldState:
		f.State = nil
	case FieldPostalCode:
		f.PostalCode = nil
	case FieldPrice:
		f.Price = nil
	case FieldBedrooms:
		f.Bedrooms = nil
	case FieldBathrooms:
		f.Bathrooms = nil
	case FieldSquareFeet:
		f.SquareFeet = nil
	case FieldYearBuilt:
		f.YearBuilt = nil
	case FieldPropertyType:
		f.PropertyType = nil
	case FieldListingStatus:
		f.ListingStatus = nil
	}
	delete(f.Provenance, field)
}

// Populated returns the keys of all populated fields in schema order.
func (f *ExtractedFields) Populated() []string {
	var out []string
	for _, k := range AllFields() {
		if f.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// StampProvenance sets p as the provenance of every populated field.
func (f *ExtractedFields) StampProvenance(p Provenance) {
	f.Provenance = make(map[string]Provenance)
	for _, k := range f.Populated() {
		f.Provenance[k] = p
	}
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (f *ExtractedFields) Clone() *ExtractedFields {
	if f == nil {
		return nil
	}
	out := &ExtractedFields{
		Address:       cloneString(f.Address),
		City:          cloneString(f.City),
		State:         cloneString(f.State),
		PostalCode:    cloneString(f.PostalCode),
		Price:         cloneFloat(f.Price),
		Bedrooms:      cloneFloat(f.Bedrooms),
		Bathrooms:     cloneFloat(f.Bathrooms),
		SquareFeet:    cloneInt(f.SquareFeet),
		YearBuilt:     cloneInt(f.YearBuilt),
		PropertyType:  cloneString(f.PropertyType),
		ListingStatus: cloneString(f.ListingStatus),
		Confidence:    f.Confidence,
	}
	if f.Provenance != nil {
		out.Provenance = make(map[string]Provenance, len(f.Provenance))
		for k, v := range f.Provenance {
			out.Provenance[k] = v
		}
	}
	return out
}

// Ptr returns a pointer to v. Handy for building fields in tests and parsers.
func Ptr[T any](v T) *T {
	return &v
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
