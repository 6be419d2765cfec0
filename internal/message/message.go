// Package message emits Singer-protocol SCHEMA/RECORD/STATE lines to an
// io.Writer (stdout, in the running binary). Conformance is an injected
// policy rather than a global override: spec.md §9 calls out that the
// source applies value conformance by monkey-patching a library function
// at load time, and that the language-neutral requirement is replacing the
// runtime's default conformance for every record without per-call opt-in.
// Here that's a ConformFunc field on Writer, applied to every scalar in
// WriteRecord, so one Writer instance enforces the policy for its whole run.
package message

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/datamill-co/tap-postgres/internal/catalog"
	"github.com/datamill-co/tap-postgres/internal/schema"
)

// ConformFunc conforms one scalar value to its JSON-compatible form given
// the schema fragment the value is being emitted under.
type ConformFunc func(value interface{}, property schema.Fragment) interface{}

// Writer emits Singer protocol messages. It is safe for concurrent use; the
// CLI runtime uses a single Writer across all streams in a run.
type Writer struct {
	mu      sync.Mutex
	out     *bufio.Writer
	Conform ConformFunc
}

// New returns a Writer over w. If conform is nil, values pass through
// unconformed (useful for tests that don't care about conformance).
func New(w io.Writer, conform ConformFunc) *Writer {
	if conform == nil {
		conform = func(v interface{}, _ schema.Fragment) interface{} { return v }
	}
	return &Writer{out: bufio.NewWriter(w), Conform: conform}
}

type schemaMessage struct {
	Type          string                 `json:"type"`
	Stream        string                 `json:"stream"`
	Schema        map[string]interface{} `json:"schema"`
	KeyProperties []string               `json:"key_properties"`
}

type recordMessage struct {
	Type    string                 `json:"type"`
	Stream  string                 `json:"stream"`
	Record  map[string]interface{} `json:"record"`
	TimeExt string                 `json:"time_extracted"`
}

type stateMessage struct {
	Type  string                 `json:"type"`
	Value map[string]interface{} `json:"value"`
}

// WriteSchema emits a SCHEMA message built from a catalog entry. logBased
// widens every property to include "null" and drops required/key_properties
// shaping, and adds the _sdc_deleted_at / _sdc_lsn properties — spec.md
// §8's log-based schema invariant.
func WriteSchema(w *Writer, entry catalog.Entry, logBased bool) error {
	properties := make(map[string]interface{}, len(entry.Columns)+2)
	for _, col := range entry.Columns {
		frag := col.Fragment
		if logBased {
			frag = frag.WithNullable()
		}
		properties[col.Name] = frag
	}

	keyProperties := entry.KeyProperties
	schemaBody := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}

	if logBased {
		properties["_sdc_deleted_at"] = schema.Fragment{Type: []string{"string", "null"}, Format: "date-time"}
		properties["_sdc_lsn"] = schema.Fragment{Type: []string{"integer", "null"}}
		keyProperties = nil
	} else {
		var required []string
		for _, col := range entry.Columns {
			if col.Required {
				required = append(required, col.Name)
			}
		}
		if len(required) > 0 {
			schemaBody["required"] = required
		}
	}

	msg := schemaMessage{
		Type:          "SCHEMA",
		Stream:        entry.StreamID,
		Schema:        schemaBody,
		KeyProperties: keyProperties,
	}
	return w.write(msg)
}

// WriteRecord conforms every value in row against its schema fragment (as
// given in properties) and emits a RECORD message.
func (w *Writer) WriteRecord(streamID string, row map[string]interface{}, properties map[string]schema.Fragment) error {
	conformed := make(map[string]interface{}, len(row))
	for k, v := range row {
		frag := properties[k]
		conformed[k] = w.Conform(v, frag)
	}
	msg := recordMessage{
		Type:    "RECORD",
		Stream:  streamID,
		Record:  conformed,
		TimeExt: time.Now().UTC().Format(time.RFC3339),
	}
	return w.write(msg)
}

// WriteState emits a STATE message carrying the full bookmark set.
func (w *Writer) WriteState(value map[string]interface{}) error {
	return w.write(stateMessage{Type: "STATE", Value: value})
}

func (w *Writer) write(msg interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("message: marshaling: %w", err)
	}
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("message: writing: %w", err)
	}
	if err := w.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("message: writing newline: %w", err)
	}
	return w.out.Flush()
}
