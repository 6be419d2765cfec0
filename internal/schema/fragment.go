// Package schema builds the JSON-schema fragments used to describe a
// PostgreSQL column to Singer-protocol consumers.
package schema

// Fragment is one property's JSON-schema shape. Type holds either a bare
// string ("string", "integer", ...) or a []string once the column is
// nullable or carries the JSON-union shape; encoding/json marshals both
// forms directly with no custom MarshalJSON needed.
type Fragment struct {
	Type      interface{} `json:"type"`
	Format    string      `json:"format,omitempty"`
	Items     *Fragment   `json:"items,omitempty"`
	MaxLength *int        `json:"maxLength,omitempty"`
}

// JSONUnionTypes is the type list used for jsonb/json columns: their
// payload is unconstrained, so every scalar/collection kind is listed
// rather than collapsing to "object" (which would reject scalar JSON
// values) or an empty schema (which trips downstream empty-schema checks).
var JSONUnionTypes = []string{"string", "number", "integer", "array", "object", "boolean"}

func scalar(t string) Fragment {
	return Fragment{Type: t}
}

func scalarWithFormat(t, format string) Fragment {
	return Fragment{Type: t, Format: format}
}

// JSONUnion returns the fragment used for jsonb/json columns.
func JSONUnion() Fragment {
	return Fragment{Type: append([]string(nil), JSONUnionTypes...)}
}

// NewArray wraps an element fragment as {"type":"array","items":<elem>}.
func NewArray(elem Fragment) Fragment {
	return Fragment{Type: "array", Items: &elem}
}

// WithMaxLength attaches a bounded length, when the SQL type carries one.
func (f Fragment) WithMaxLength(length *int) Fragment {
	f.MaxLength = length
	return f
}

// WithNullable appends "null" to the type, promoting a bare string to a
// list the first time a column turns out to be nullable.
func (f Fragment) WithNullable() Fragment {
	switch t := f.Type.(type) {
	case string:
		f.Type = []string{t, "null"}
	case []string:
		widened := make([]string, len(t), len(t)+1)
		copy(widened, t)
		f.Type = append(widened, "null")
	}
	return f
}

// typeList normalizes Type to a slice regardless of its stored shape.
func (f Fragment) typeList() []string {
	switch t := f.Type.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	default:
		return nil
	}
}

// IsExactlyBoolean reports whether the fragment's only non-null type is
// boolean. A nullable boolean column (["boolean","null"]) still counts;
// a union that merely happens to include boolean alongside other scalar
// types (the JSON-union fragment, or an explicit ["boolean","integer"])
// does not. This is the distinction the BIT(1) byte-coercion rule in the
// Value Conformer depends on: naive "does the type list contain boolean"
// matching would also fire for jsonb columns and destroy their payload.
func (f Fragment) IsExactlyBoolean() bool {
	var nonNull []string
	for _, t := range f.typeList() {
		if t != "null" {
			nonNull = append(nonNull, t)
		}
	}
	return len(nonNull) == 1 && nonNull[0] == "boolean"
}
