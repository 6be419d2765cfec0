package message

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/datamill-co/tap-postgres/internal/catalog"
	"github.com/datamill-co/tap-postgres/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSchema_LogBased_WidensAndAddsSDCColumns(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil)

	entry := catalog.Entry{
		StreamID:      "s-t",
		KeyProperties: []string{"id"},
		Columns: []catalog.Column{
			{Name: "id", Fragment: schema.Fragment{Type: "integer"}, Required: true},
		},
	}

	require.NoError(t, WriteSchema(w, entry, true))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "SCHEMA", decoded["type"])
	assert.Nil(t, decoded["key_properties"])

	props := decoded["schema"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Contains(t, props, "_sdc_deleted_at")
	assert.Contains(t, props, "_sdc_lsn")

	idType := props["id"].(map[string]interface{})["type"].([]interface{})
	assert.Contains(t, idType, "null")
}

func TestWriteSchema_NonLogBased_EmitsRequired(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil)

	entry := catalog.Entry{
		StreamID:      "s-t",
		KeyProperties: []string{"id"},
		Columns: []catalog.Column{
			{Name: "id", Fragment: schema.Fragment{Type: "integer"}, Required: true},
			{Name: "name", Fragment: schema.Fragment{Type: "string"}},
		},
	}

	require.NoError(t, WriteSchema(w, entry, false))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, []interface{}{"id"}, decoded["key_properties"])

	required := decoded["schema"].(map[string]interface{})["required"].([]interface{})
	assert.Equal(t, []interface{}{"id"}, required)
}

func TestWriteRecord_AppliesConformPolicy(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, func(v interface{}, _ schema.Fragment) interface{} {
		if s, ok := v.(string); ok {
			return s + "-conformed"
		}
		return v
	})

	err := w.WriteRecord("s-t", map[string]interface{}{"name": "alice"}, nil)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	record := decoded["record"].(map[string]interface{})
	assert.Equal(t, "alice-conformed", record["name"])
}

func TestWriteState(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil)

	require.NoError(t, w.WriteState(map[string]interface{}{"bookmarks": map[string]interface{}{"s-t": 42}}))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "STATE", decoded["type"])
}
