package schema

import (
	"errors"
	"testing"

	"github.com/datamill-co/tap-postgres/internal/taperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapType_ScalarPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType interface{}
		wantFmt  string
	}{
		{"jsonb wins over json", "jsonb", JSONUnionTypes, ""},
		{"json", "json", JSONUnionTypes, ""},
		{"timestamp", "timestamp without time zone", "string", "date-time"},
		{"date", "date", "string", "date"},
		{"int4", "int4", "integer", ""},
		{"numeric", "numeric", "number", ""},
		{"double precision", "double precision", "number", ""},
		{"varchar via char substr", "character varying", "string", ""},
		{"text", "text", "string", ""},
		{"bpchar via char substr", "bpchar", "string", ""},
		{"bool", "bool", "boolean", ""},
		{"variant fallback", "variant", "string", ""},
		{"unrecognized falls back to string", "totally_made_up_type", "string", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frag, err := MapType(tc.input, false)
			require.NoError(t, err)
			if list, ok := tc.wantType.([]string); ok {
				assert.ElementsMatch(t, list, frag.Type)
			} else {
				assert.Equal(t, tc.wantType, frag.Type)
			}
			assert.Equal(t, tc.wantFmt, frag.Format)
		})
	}
}

func TestMapType_DatesAsString(t *testing.T) {
	frag, err := MapType("date", true)
	require.NoError(t, err)
	assert.Equal(t, "string", frag.Type)
	assert.Empty(t, frag.Format)

	// dates_as_string only affects the "date" and "datetime" rules; a
	// timestamp keeps its date-time format.
	frag, err = MapType("timestamp", true)
	require.NoError(t, err)
	assert.Equal(t, "string", frag.Type)
	assert.Equal(t, "date-time", frag.Format)
}

func TestMapType_ArrayPrefix(t *testing.T) {
	frag, err := MapType("_int4", false)
	require.NoError(t, err)
	assert.Equal(t, "array", frag.Type)
	require.NotNil(t, frag.Items)
	assert.Equal(t, "integer", frag.Items.Type)
}

func TestMapType_ArrayDescriptor(t *testing.T) {
	desc := Descriptor{IsArray: true, Element: &Descriptor{Name: "text"}}
	frag, err := MapType(desc, false)
	require.NoError(t, err)
	assert.Equal(t, "array", frag.Type)
	require.NotNil(t, frag.Items)
	assert.Equal(t, "string", frag.Items.Type)
}

func TestMapType_UnsupportedInput(t *testing.T) {
	_, err := MapType(42, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, taperror.ErrTypeTranslationFailure))
}

func TestMapType_NilDescriptorPointer(t *testing.T) {
	var d *Descriptor
	_, err := MapType(d, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, taperror.ErrTypeTranslationFailure))
}
