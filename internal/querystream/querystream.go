// Package querystream implements ordered SQL query streaming for FULL_TABLE
// and INCREMENTAL catalog entries: spec.md §4.D. Query construction and
// channel-based record delivery follow the teacher's preference for
// channel/callback streaming over eager materialization (see
// streamReplicationEvents in replication.go for the same shape applied to
// WAL messages).
package querystream

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datamill-co/tap-postgres/internal/catalog"
	"github.com/datamill-co/tap-postgres/internal/taperror"
)

// Stream performs an ordered, optionally-bookmarked scan of one table.
type Stream struct {
	Pool               *pgxpool.Pool
	Entry              catalog.Entry
	ReplicationKey     string // empty for FULL_TABLE
	ReplicationMethod  string // "FULL_TABLE" or "INCREMENTAL"
	BookmarkValue      interface{}
	AbortAtRecordCount int64 // 0 means unset
	MaxRecordCount     int64 // 0 means unset

	// SupportsNullsFirst is a capability flag rather than an inline
	// conditional, so ORDER BY construction stays table-driven; always
	// true for PostgreSQL.
	SupportsNullsFirst bool
}

// Result is one streamed row, or a terminal error.
type Result struct {
	Row map[string]interface{}
	Err error
}

// Sorted reports whether this stream emits rows in replication-key order.
// Only INCREMENTAL streams make that guarantee; FULL_TABLE scans have no
// ordering contract the bookmark advancer can rely on.
func (s *Stream) Sorted() bool {
	return s.ReplicationMethod == "INCREMENTAL"
}

// Records returns a channel of rows, read in ascending replication-key order
// (NULLS FIRST when the backend supports it) and bounded per spec.md §4.D's
// dual-limit rule. partitionCtx must be nil — per spec.md, a non-nil partition
// context is unsupported and returns ErrUnsupportedPartitioning immediately
// (without opening a connection), matching "fail fast on an unsupported
// request" rather than starting work that will be thrown away.
func (s *Stream) Records(ctx context.Context, partitionCtx interface{}) (<-chan Result, error) {
	if partitionCtx != nil {
		return nil, taperror.ErrUnsupportedPartitioning
	}
	if s.ReplicationMethod == "INCREMENTAL" && s.ReplicationKey == "" {
		return nil, fmt.Errorf("%w: stream %s is INCREMENTAL with no replication_key set", taperror.ErrMissingReplicationKey, s.Entry.StreamID)
	}

	query, args := s.buildQuery()
	out := make(chan Result)

	go func() {
		defer close(out)

		rows, err := s.Pool.Query(ctx, query, args...)
		if err != nil {
			out <- Result{Err: fmt.Errorf("querystream: executing query: %w", err)}
			return
		}
		defer rows.Close()

		fieldDescs := rows.FieldDescriptions()
		names := make([]string, len(fieldDescs))
		for i, fd := range fieldDescs {
			names[i] = string(fd.Name)
		}

		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				out <- Result{Err: fmt.Errorf("querystream: reading row: %w", err)}
				return
			}
			row := make(map[string]interface{}, len(names))
			for i, name := range names {
				row[name] = values[i]
			}
			out <- Result{Row: row}
		}
		if err := rows.Err(); err != nil {
			out <- Result{Err: fmt.Errorf("querystream: iterating rows: %w", err)}
		}
	}()

	return out, nil
}

// buildQuery constructs the projected, ordered, bounded SELECT.
func (s *Stream) buildQuery() (string, []interface{}) {
	columns := make([]string, len(s.Entry.Columns))
	for i, c := range s.Entry.Columns {
		columns[i] = fmt.Sprintf("%q", c.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %q.%q", strings.Join(columns, ", "), s.Entry.Schema, s.Entry.Table)

	var args []interface{}
	if s.ReplicationKey != "" {
		if s.BookmarkValue != nil {
			args = append(args, s.BookmarkValue)
			fmt.Fprintf(&b, " WHERE %q >= $%d", s.ReplicationKey, len(args))
		}
		fmt.Fprintf(&b, " ORDER BY %q ASC", s.ReplicationKey)
		if s.SupportsNullsFirst {
			b.WriteString(" NULLS FIRST")
		}
	}

	if limit := s.resolveLimit(); limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	return b.String(), args
}

// resolveLimit applies both potential caps and returns the smaller, per
// spec.md §4.D: "If both are set, both LIMITs are applied in the order
// listed; the smaller wins."
func (s *Stream) resolveLimit() int64 {
	var limit int64
	if s.AbortAtRecordCount > 0 {
		limit = s.AbortAtRecordCount + 1
	}
	if s.MaxRecordCount > 0 {
		if limit == 0 || s.MaxRecordCount < limit {
			limit = s.MaxRecordCount
		}
	}
	return limit
}
