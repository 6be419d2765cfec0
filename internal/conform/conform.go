// Package conform implements the value-conformance policy applied to every
// scalar before it is emitted as a Singer RECORD. It replaces the ad hoc,
// per-call conversions a naive JSON encoder would otherwise apply, the same
// way the teacher's postgres package centralizes its own value conversions
// in data.go rather than scattering type switches across callers.
package conform

import (
	"encoding/hex"
	"time"

	"github.com/datamill-co/tap-postgres/internal/schema"
)

// Date is a calendar date with no time-of-day component (e.g. a SQL DATE
// column read without dates_as_string). It is distinct from time.Time so
// rule 1 ("pure dates never acquire a spurious time") can be a type switch
// rather than a heuristic over a zero time-of-day.
type Date struct {
	time.Time
}

// TimeOfDay is a SQL TIME value: a clock time with no associated date.
type TimeOfDay struct {
	time.Time
}

// Value is called on every scalar before emission. property is the schema
// fragment the runtime most recently emitted for this column; it is
// consulted only by the byte-string rule, to decide whether to apply the
// BIT(1) boolean coercion.
//
// Rule order is load-bearing: Date is checked before time.Time so a pure
// date is never formatted with a time component, and duration/time-of-day
// are checked before the generic passthrough.
func Value(v interface{}, property schema.Fragment) interface{} {
	switch val := v.(type) {
	case Date:
		return val.Time.Format("2006-01-02")
	case time.Time:
		if val.Location() == nil {
			val = val.UTC()
		}
		return val.UTC().Format(time.RFC3339)
	case time.Duration:
		return time.Unix(0, 0).UTC().Add(val).Format(time.RFC3339)
	case TimeOfDay:
		return val.Time.Format("15:04:05")
	case []byte:
		if property.IsExactlyBoolean() {
			return !(len(val) == 1 && val[0] == 0x00)
		}
		return hex.EncodeToString(val)
	default:
		return v
	}
}
