package conform

import (
	"testing"
	"time"

	"github.com/datamill-co/tap-postgres/internal/schema"
	"github.com/stretchr/testify/assert"
)

func booleanSchema() schema.Fragment {
	f, _ := schema.MapType("bool", false)
	return f
}

func jsonbSchema() schema.Fragment {
	f, _ := schema.MapType("jsonb", false)
	return f
}

func TestValue_Date(t *testing.T) {
	d := Date{Time: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}
	out := Value(d, schema.Fragment{})
	assert.Equal(t, "2024-03-05", out)
	assert.NotContains(t, out.(string), "T")
}

func TestValue_DateTime_NaiveAssumesUTC(t *testing.T) {
	dt := time.Date(2024, 3, 5, 12, 30, 0, 0, time.UTC)
	out := Value(dt, schema.Fragment{})
	assert.Equal(t, "2024-03-05T12:30:00Z", out)
}

func TestValue_Duration(t *testing.T) {
	out := Value(90*time.Second, schema.Fragment{})
	assert.Equal(t, "1970-01-01T00:01:30Z", out)
}

func TestValue_TimeOfDay(t *testing.T) {
	tod := TimeOfDay{Time: time.Date(0, 1, 1, 13, 45, 30, 0, time.UTC)}
	out := Value(tod, schema.Fragment{})
	assert.Equal(t, "13:45:30", out)
}

func TestValue_Bytes_BooleanCoercion(t *testing.T) {
	assert.Equal(t, false, Value([]byte{0x00}, booleanSchema()))
	assert.Equal(t, true, Value([]byte{0x01}, booleanSchema()))
}

func TestValue_Bytes_NonBoolean_Hex(t *testing.T) {
	out := Value([]byte{0xde, 0xad}, schema.Fragment{Type: "string"})
	assert.Equal(t, "dead", out)
}

func TestValue_Bytes_JSONBUnion_NotCoerced(t *testing.T) {
	out := Value([]byte{0x00}, jsonbSchema())
	assert.Equal(t, "00", out)
}

func TestValue_Passthrough(t *testing.T) {
	assert.Equal(t, 7, Value(7, schema.Fragment{}))
	assert.Equal(t, "x", Value("x", schema.Fragment{}))
	assert.Nil(t, Value(nil, schema.Fragment{}))
}
