package schema

import (
	"fmt"
	"strings"

	"github.com/datamill-co/tap-postgres/internal/taperror"
)

// Descriptor is the structured form of a SQL type, used for arrays. MapType
// also accepts a plain type-name string directly.
type Descriptor struct {
	Name    string // type name, possibly dialect-decorated ("character varying", "NUMERIC(10,2)")
	IsArray bool
	Element *Descriptor
}

type rule struct {
	pattern string
	build   func(datesAsString bool) Fragment
}

// orderedRules is scanned top to bottom; the first pattern that appears as
// a substring of the normalized type name wins. The order is load-bearing:
// "jsonb" must precede "json", and "int" must precede "variant" so that
// e.g. "VARIANT" columns (Snowflake-flavored drivers reusing this mapper)
// don't get caught by an earlier, unrelated rule.
var orderedRules = []rule{
	{"jsonb", func(bool) Fragment { return JSONUnion() }},
	{"json", func(bool) Fragment { return JSONUnion() }},
	{"timestamp", func(bool) Fragment { return scalarWithFormat("string", "date-time") }},
	{"datetime", func(datesAsString bool) Fragment {
		if datesAsString {
			return scalar("string")
		}
		return scalarWithFormat("string", "date-time")
	}},
	{"date", func(datesAsString bool) Fragment {
		if datesAsString {
			return scalar("string")
		}
		return scalarWithFormat("string", "date")
	}},
	{"int", func(bool) Fragment { return scalar("integer") }},
	{"numeric", func(bool) Fragment { return scalar("number") }},
	{"decimal", func(bool) Fragment { return scalar("number") }},
	{"double", func(bool) Fragment { return scalar("number") }},
	{"float", func(bool) Fragment { return scalar("number") }},
	{"real", func(bool) Fragment { return scalar("number") }},
	{"float4", func(bool) Fragment { return scalar("number") }},
	{"string", func(bool) Fragment { return scalar("string") }},
	{"text", func(bool) Fragment { return scalar("string") }},
	{"char", func(bool) Fragment { return scalar("string") }},
	{"bool", func(bool) Fragment { return scalar("boolean") }},
	{"variant", func(bool) Fragment { return scalar("string") }},
}

// MapType turns a SQL type into a JSON-schema fragment. input is either a
// type-name string or a Descriptor (value or pointer). A bare string whose
// name starts with PostgreSQL's array-name prefix ("_int4", "_text", ...)
// is treated the same as a Descriptor{IsArray: true}, since that prefix is
// itself how the catalog's own element-type lookups spell an array type.
func MapType(input interface{}, datesAsString bool) (Fragment, error) {
	desc, err := normalize(input)
	if err != nil {
		return Fragment{}, err
	}
	return mapDescriptor(desc, datesAsString)
}

func normalize(input interface{}) (Descriptor, error) {
	switch v := input.(type) {
	case string:
		name := strings.ToLower(strings.TrimSpace(v))
		if strings.HasPrefix(name, "_") && len(name) > 1 {
			elem := name[1:]
			return Descriptor{IsArray: true, Element: &Descriptor{Name: elem}}, nil
		}
		return Descriptor{Name: name}, nil
	case Descriptor:
		return v, nil
	case *Descriptor:
		if v == nil {
			return Descriptor{}, fmt.Errorf("%w: nil type descriptor", taperror.ErrTypeTranslationFailure)
		}
		return *v, nil
	default:
		return Descriptor{}, fmt.Errorf("%w: unsupported sql type input %T", taperror.ErrTypeTranslationFailure, input)
	}
}

func mapDescriptor(d Descriptor, datesAsString bool) (Fragment, error) {
	if d.IsArray {
		if d.Element == nil {
			return Fragment{}, fmt.Errorf("%w: array descriptor missing element type", taperror.ErrTypeTranslationFailure)
		}
		elem, err := mapDescriptor(*d.Element, datesAsString)
		if err != nil {
			return Fragment{}, err
		}
		return NewArray(elem), nil
	}

	name := strings.ToLower(d.Name)
	for _, r := range orderedRules {
		if strings.Contains(name, r.pattern) {
			return r.build(datesAsString), nil
		}
	}
	return scalar("string"), nil
}
