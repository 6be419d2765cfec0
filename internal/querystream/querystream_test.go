package querystream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamill-co/tap-postgres/internal/catalog"
	"github.com/datamill-co/tap-postgres/internal/taperror"
)

func TestBuildQuery_NoReplicationKey(t *testing.T) {
	s := &Stream{
		Entry: catalog.Entry{Schema: "s", Table: "t", Columns: []catalog.Column{{Name: "id"}, {Name: "v"}}},
	}
	query, args := s.buildQuery()
	assert.Contains(t, query, `SELECT "id", "v" FROM "s"."t"`)
	assert.Empty(t, args)
	assert.NotContains(t, query, "ORDER BY")
}

func TestBuildQuery_WithBookmarkAndNullsFirst(t *testing.T) {
	s := &Stream{
		Entry:              catalog.Entry{Schema: "s", Table: "t", Columns: []catalog.Column{{Name: "ts"}}},
		ReplicationKey:     "ts",
		BookmarkValue:      "2024-01-01T00:00:00Z",
		SupportsNullsFirst: true,
	}
	query, args := s.buildQuery()
	assert.Contains(t, query, `WHERE "ts" >= $1`)
	assert.Contains(t, query, `ORDER BY "ts" ASC NULLS FIRST`)
	require.Len(t, args, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", args[0])
}

func TestBuildQuery_NoBookmarkStillOrders(t *testing.T) {
	s := &Stream{
		Entry:          catalog.Entry{Schema: "s", Table: "t", Columns: []catalog.Column{{Name: "ts"}}},
		ReplicationKey: "ts",
	}
	query, args := s.buildQuery()
	assert.Contains(t, query, "ORDER BY")
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}

func TestResolveLimit_SmallerWins(t *testing.T) {
	s := &Stream{AbortAtRecordCount: 100, MaxRecordCount: 5}
	assert.EqualValues(t, 5, s.resolveLimit())

	s = &Stream{AbortAtRecordCount: 3, MaxRecordCount: 100}
	assert.EqualValues(t, 4, s.resolveLimit())

	s = &Stream{MaxRecordCount: 1}
	assert.EqualValues(t, 1, s.resolveLimit())

	s = &Stream{}
	assert.EqualValues(t, 0, s.resolveLimit())
}

func TestSorted_OnlyIncremental(t *testing.T) {
	assert.True(t, (&Stream{ReplicationMethod: "INCREMENTAL"}).Sorted())
	assert.False(t, (&Stream{ReplicationMethod: "FULL_TABLE"}).Sorted())
	assert.False(t, (&Stream{ReplicationMethod: "LOG_BASED"}).Sorted())
}

func TestRecords_RejectsPartitionContext(t *testing.T) {
	s := &Stream{}
	_, err := s.Records(context.Background(), struct{}{})
	require.Error(t, err)
	assert.ErrorIs(t, err, taperror.ErrUnsupportedPartitioning)
}

func TestRecords_RejectsIncrementalWithoutReplicationKey(t *testing.T) {
	s := &Stream{
		Entry:             catalog.Entry{StreamID: "s-t"},
		ReplicationMethod: "INCREMENTAL",
	}
	_, err := s.Records(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, taperror.ErrMissingReplicationKey)
}
