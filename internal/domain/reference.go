package domain

// ReferenceMatch is one row found for a code in a reference table.
type ReferenceMatch struct {
	Table       string  `json:"table"`
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// ReferenceResult aggregates the lookup of one code across every reference table.
// A failing table is recorded in Errors and does not hide matches from the others.
type ReferenceResult struct {
	Code    string            `json:"code"`
	Matches []ReferenceMatch  `json:"matches"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Found reports whether any table matched.
func (r *ReferenceResult) Found() bool {
	return r != nil && len(r.Matches) > 0
}
