// Package catalog discovers the tables, columns, and keys visible to the
// configured connection and shapes them into Singer catalog entries. The
// discovery query is grounded on the teacher's discoverTablesAndColumns
// (services/anchor/internal/database/postgres/schema.go), adapted from a
// single-schema, column-centric query into one that walks every selected
// schema and assembles possible-primary-key / unique-index candidates the
// way spec.md §4.C requires.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datamill-co/tap-postgres/internal/schema"
)

// Column describes one table column as discovered from the database.
type Column struct {
	Name     string          `json:"name"`
	Fragment schema.Fragment `json:"schema"`
	Nullable bool            `json:"nullable"`
	Required bool            `json:"required"`
}

// Entry is one Singer catalog entry: a discovered stream plus its resolved
// schema and replication metadata.
type Entry struct {
	StreamID          string   `json:"stream_id"`
	Schema            string   `json:"schema_name"`
	Table             string   `json:"table_name"`
	Columns           []Column `json:"columns"`
	KeyProperties     []string `json:"key_properties"`
	ReplicationMethod string   `json:"replication_method"`
	ReplicationKey    *string  `json:"replication_key"`
	Database          *string  `json:"database"`
	RowCount          *int64   `json:"row_count"`
}

type tableKey struct {
	schema string
	table  string
}

type rawColumn struct {
	name          string
	udtName       string
	isArray       bool
	elementType   string
	maxLength     *int
	nullable      bool
	isPrimaryKey  bool
	uniqueIndexes []string
}

// Discover enumerates tables and columns visible through pool, restricted to
// filterSchemas when non-empty, and returns one Entry per table.
func Discover(ctx context.Context, pool *pgxpool.Pool, filterSchemas []string, datesAsString bool) ([]Entry, error) {
	schemas, err := resolveSchemas(ctx, pool, filterSchemas)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolving schemas: %w", err)
	}
	if len(schemas) == 0 {
		return nil, nil
	}

	columnsByTable, tableOrder, err := discoverColumns(ctx, pool, schemas)
	if err != nil {
		return nil, fmt.Errorf("catalog: discovering columns: %w", err)
	}
	uniqueIndexes, err := discoverUniqueIndexes(ctx, pool, schemas)
	if err != nil {
		return nil, fmt.Errorf("catalog: discovering unique indexes: %w", err)
	}

	return buildEntries(columnsByTable, tableOrder, uniqueIndexes, datesAsString)
}

// buildEntries shapes raw discovery rows into catalog entries. It holds no
// database handle, so it is exercised directly in tests without a live pool
// — the same boundary the teacher's own data_test.go stops at.
func buildEntries(columnsByTable map[tableKey][]rawColumn, tableOrder []tableKey, uniqueIndexes map[tableKey][][]string, datesAsString bool) ([]Entry, error) {
	entries := make([]Entry, 0, len(tableOrder))
	for _, key := range tableOrder {
		cols := columnsByTable[key]

		var pkCols []string
		for _, c := range cols {
			if c.isPrimaryKey {
				pkCols = append(pkCols, c.name)
			}
		}

		possiblePKs := [][]string{}
		if len(pkCols) > 0 {
			possiblePKs = append(possiblePKs, pkCols)
		}
		for _, idxCols := range uniqueIndexes[key] {
			if len(idxCols) > 0 {
				possiblePKs = append(possiblePKs, idxCols)
			}
		}

		var keyProperties []string
		if len(possiblePKs) > 0 {
			keyProperties = possiblePKs[0]
		}
		required := make(map[string]bool, len(keyProperties))
		for _, k := range keyProperties {
			required[k] = true
		}

		columns := make([]Column, 0, len(cols))
		for _, c := range cols {
			var frag schema.Fragment
			var mapErr error
			if c.isArray {
				var elemFrag schema.Fragment
				elemFrag, mapErr = schema.MapType(c.elementType, datesAsString)
				frag = schema.NewArray(elemFrag)
			} else {
				frag, mapErr = schema.MapType(c.udtName, datesAsString)
			}
			if mapErr != nil {
				return nil, fmt.Errorf("catalog: mapping type for %s.%s.%s: %w", key.schema, key.table, c.name, mapErr)
			}
			if c.maxLength != nil {
				frag = frag.WithMaxLength(c.maxLength)
			}
			if c.nullable {
				frag = frag.WithNullable()
			}
			columns = append(columns, Column{
				Name:     c.name,
				Fragment: frag,
				Nullable: c.nullable,
				Required: required[c.name],
			})
		}

		entries = append(entries, Entry{
			StreamID:          fmt.Sprintf("%s-%s", key.schema, key.table),
			Schema:            key.schema,
			Table:             key.table,
			Columns:           columns,
			KeyProperties:     keyProperties,
			ReplicationMethod: "FULL_TABLE",
			ReplicationKey:    nil,
			Database:          nil,
			RowCount:          nil,
		})
	}

	return entries, nil
}

func resolveSchemas(ctx context.Context, pool *pgxpool.Pool, filterSchemas []string) ([]string, error) {
	if len(filterSchemas) > 0 {
		out := make([]string, len(filterSchemas))
		copy(out, filterSchemas)
		return out, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema')
		  AND schema_name NOT LIKE 'pg_toast%'
		  AND schema_name NOT LIKE 'pg_temp%'
		ORDER BY schema_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		schemas = append(schemas, name)
	}
	return schemas, rows.Err()
}

const columnsQuery = `
	SELECT
		t.table_schema,
		t.table_name,
		c.column_name,
		c.udt_name,
		c.data_type = 'ARRAY' AS is_array,
		CASE
			WHEN c.data_type = 'ARRAY' THEN (
				SELECT e.data_type
				FROM information_schema.element_types e
				WHERE e.object_catalog = c.table_catalog
				  AND e.object_schema = c.table_schema
				  AND e.object_name = c.table_name
				  AND e.object_type = 'TABLE'
				  AND e.collection_type_identifier = c.dtd_identifier
			)
			ELSE NULL
		END AS array_element_type,
		CASE WHEN c.character_maximum_length IS NOT NULL THEN c.character_maximum_length ELSE NULL END AS max_length,
		c.is_nullable = 'YES' AS nullable,
		CASE WHEN pk.constraint_name IS NOT NULL THEN true ELSE false END AS is_primary_key
	FROM information_schema.tables t
	JOIN information_schema.columns c
		ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	LEFT JOIN (
		SELECT kcu.table_schema, kcu.table_name, kcu.column_name, tc.constraint_name
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.table_constraints tc
			ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
	) pk ON pk.table_schema = c.table_schema AND pk.table_name = c.table_name AND pk.column_name = c.column_name
	WHERE t.table_schema = ANY($1)
	  AND t.table_type = 'BASE TABLE'
	ORDER BY t.table_schema, t.table_name, c.ordinal_position
`

func discoverColumns(ctx context.Context, pool *pgxpool.Pool, schemas []string) (map[tableKey][]rawColumn, []tableKey, error) {
	rows, err := pool.Query(ctx, columnsQuery, schemas)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columnsByTable := make(map[tableKey][]rawColumn)
	var order []tableKey
	seen := make(map[tableKey]bool)

	for rows.Next() {
		var schemaName, tableName, columnName, udtName string
		var isArray, nullable, isPrimaryKey bool
		var elementType *string
		var maxLength *int

		if err := rows.Scan(&schemaName, &tableName, &columnName, &udtName, &isArray, &elementType, &maxLength, &nullable, &isPrimaryKey); err != nil {
			return nil, nil, err
		}

		key := tableKey{schema: schemaName, table: tableName}
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}

		rc := rawColumn{
			name:         columnName,
			udtName:      udtName,
			isArray:      isArray,
			maxLength:    maxLength,
			nullable:     nullable,
			isPrimaryKey: isPrimaryKey,
		}
		if elementType != nil {
			rc.elementType = *elementType
		}
		columnsByTable[key] = append(columnsByTable[key], rc)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].schema != order[j].schema {
			return order[i].schema < order[j].schema
		}
		return order[i].table < order[j].table
	})

	return columnsByTable, order, rows.Err()
}

const uniqueIndexQuery = `
	SELECT
		tc.table_schema,
		tc.table_name,
		tc.constraint_name,
		kcu.column_name,
		kcu.ordinal_position
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'UNIQUE'
	  AND tc.table_schema = ANY($1)
	ORDER BY tc.table_schema, tc.table_name, tc.constraint_name, kcu.ordinal_position
`

// discoverUniqueIndexes returns, per table, the column list for every unique
// constraint, ordered by constraint name. Expression-only unique
// indexes have no key_column_usage rows and are skipped entirely, matching
// spec.md §4.C's "skipping expression-only indexes whose column entries are
// null".
func discoverUniqueIndexes(ctx context.Context, pool *pgxpool.Pool, schemas []string) (map[tableKey][][]string, error) {
	rows, err := pool.Query(ctx, uniqueIndexQuery, schemas)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type constraintKey struct {
		tableKey
		constraint string
	}
	order := []constraintKey{}
	seen := make(map[constraintKey]bool)
	cols := make(map[constraintKey][]string)

	for rows.Next() {
		var schemaName, tableName, constraintName, columnName string
		var ordinal int
		if err := rows.Scan(&schemaName, &tableName, &constraintName, &columnName, &ordinal); err != nil {
			return nil, err
		}
		ck := constraintKey{tableKey: tableKey{schema: schemaName, table: tableName}, constraint: constraintName}
		if !seen[ck] {
			seen[ck] = true
			order = append(order, ck)
		}
		cols[ck] = append(cols[ck], columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[tableKey][][]string)
	for _, ck := range order {
		out[ck.tableKey] = append(out[ck.tableKey], cols[ck])
	}
	return out, nil
}
