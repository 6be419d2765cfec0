// Command tap-postgres is a Singer-protocol tap for PostgreSQL: it emits
// SCHEMA/RECORD/STATE JSON messages to stdout, either by discovering a
// catalog or by syncing the streams selected in a supplied catalog file,
// using either ordered SQL query streaming or WAL logical-replication
// streaming depending on each stream's replication_method.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/datamill-co/tap-postgres/internal/catalog"
	"github.com/datamill-co/tap-postgres/internal/conform"
	"github.com/datamill-co/tap-postgres/internal/message"
	"github.com/datamill-co/tap-postgres/internal/querystream"
	"github.com/datamill-co/tap-postgres/internal/replication"
	"github.com/datamill-co/tap-postgres/internal/schema"
	"github.com/datamill-co/tap-postgres/internal/state"
	"github.com/datamill-co/tap-postgres/internal/tapconfig"
	"github.com/datamill-co/tap-postgres/internal/taplog"
)

var (
	configPath  string
	catalogPath string
	statePath   string
	discover    bool
)

func main() {
	root := &cobra.Command{
		Use:   "tap-postgres",
		Short: "A Singer tap for PostgreSQL snapshot and logical-replication extraction",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a JSON config file (required)")
	root.Flags().StringVar(&catalogPath, "catalog", "", "path to a discovered-and-annotated catalog file")
	root.Flags().StringVar(&statePath, "state", "", "path to a prior-run state file")
	root.Flags().BoolVar(&discover, "discover", false, "discover a catalog and print it to stdout, then exit")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runID := uuid.NewString()
	logger := taplog.New(fmt.Sprintf("tap-postgres[%s]", runID[:8]))

	cfg, err := tapconfig.Load(configPath)
	if err != nil {
		return err
	}

	pool, err := tapconfig.Pool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if discover || catalogPath == "" {
		return runDiscover(ctx, pool, cfg)
	}
	return runSync(ctx, pool, cfg, logger)
}

// runDiscover implements the "--discover" mode: print a catalog to stdout
// and exit, without syncing any stream.
func runDiscover(ctx context.Context, pool *pgxpool.Pool, cfg tapconfig.Config) error {
	entries, err := catalog.Discover(ctx, pool, cfg.FilterSchemas, cfg.DatesAsString)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Streams []catalog.Entry `json:"streams"`
	}{Streams: entries})
}

// selectedStream is one entry of the user-annotated catalog file: a
// discovered Entry plus the runtime's "selected"/replication choices, which
// only the surrounding Singer runtime (here: this same catalog file) knows.
type selectedStream struct {
	catalog.Entry
	Selected          bool   `json:"selected"`
	ReplicationMethod string `json:"replication_method"`
	ReplicationKey    string `json:"replication_key"`
}

func runSync(ctx context.Context, pool *pgxpool.Pool, cfg tapconfig.Config, logger *taplog.Logger) error {
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	var parsed struct {
		Streams []selectedStream `json:"streams"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}

	store, err := state.Load(statePath)
	if err != nil {
		return err
	}

	writer := message.New(os.Stdout, conform.Value)

	var firstErr error
	for _, stream := range parsed.Streams {
		if !stream.Selected {
			continue
		}
		if err := syncStream(ctx, pool, cfg, stream, store, writer, logger); err != nil {
			logger.Error("stream %s failed: %v", stream.StreamID, err)
			if ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := store.Save(); err != nil {
			return err
		}
		bookmarks := make(map[string]interface{})
		for _, s := range parsed.Streams {
			if b, ok := store.Get(s.StreamID); ok {
				bookmarks[s.StreamID] = b
			}
		}
		if err := writer.WriteState(map[string]interface{}{"bookmarks": bookmarks}); err != nil {
			return err
		}
	}
	return firstErr
}

func syncStream(ctx context.Context, pool *pgxpool.Pool, cfg tapconfig.Config, stream selectedStream, store *state.Store, writer *message.Writer, logger *taplog.Logger) error {
	logBased := stream.ReplicationMethod == "LOG_BASED"

	if err := message.WriteSchema(writer, stream.Entry, logBased); err != nil {
		return err
	}

	properties := make(map[string]schema.Fragment, len(stream.Columns))
	for _, c := range stream.Columns {
		properties[c.Name] = c.Fragment
	}

	if logBased {
		return syncLogBased(ctx, cfg, stream, store, writer, properties, logger)
	}
	return syncQuery(ctx, pool, cfg, stream, store, writer, properties)
}

func syncQuery(ctx context.Context, pool *pgxpool.Pool, cfg tapconfig.Config, stream selectedStream, store *state.Store, writer *message.Writer, properties map[string]schema.Fragment) error {
	var bookmarkValue interface{}
	if b, ok := store.Get(stream.StreamID); ok {
		bookmarkValue = b.Value
	}

	s := &querystream.Stream{
		Pool:               pool,
		Entry:              stream.Entry,
		ReplicationKey:     stream.ReplicationKey,
		ReplicationMethod:  stream.ReplicationMethod,
		BookmarkValue:      bookmarkValue,
		MaxRecordCount:     int64(cfg.MaxRecordCount),
		SupportsNullsFirst: true,
	}

	results, err := s.Records(ctx, nil)
	if err != nil {
		return err
	}

	var lastValue interface{}
	for result := range results {
		if result.Err != nil {
			return result.Err
		}
		if err := writer.WriteRecord(stream.StreamID, result.Row, properties); err != nil {
			return err
		}
		if stream.ReplicationKey != "" {
			lastValue = result.Row[stream.ReplicationKey]
			store.Set(stream.StreamID, state.Bookmark{ReplicationKey: stream.ReplicationKey, Value: lastValue})
		}
	}
	return nil
}

func syncLogBased(ctx context.Context, cfg tapconfig.Config, stream selectedStream, store *state.Store, writer *message.Writer, properties map[string]schema.Fragment, logger *taplog.Logger) error {
	var startLSN pglogrepl.LSN
	if b, ok := store.Get(stream.StreamID); ok {
		if v, isInt := b.Value.(int64); isInt {
			startLSN = pglogrepl.LSN(v)
		} else if f, isFloat := b.Value.(float64); isFloat {
			startLSN = pglogrepl.LSN(int64(f))
		}
	}

	conn, err := replication.Connect(ctx, cfg.ConnString())
	if err != nil {
		return err
	}

	repStream := replication.New(conn, replication.Config{
		FullyQualifiedTbl: fmt.Sprintf("%s.%s", stream.Schema, stream.Table),
		StartLSN:          startLSN,
		StatusInterval:    replication.StatusIntervalDefault,
		Logger:            logger,
	})

	results, err := repStream.Records(ctx)
	if err != nil {
		return err
	}

	for result := range results {
		if result.Err != nil {
			return result.Err
		}
		if result.Row == nil {
			continue
		}
		if err := writer.WriteRecord(stream.StreamID, result.Row, properties); err != nil {
			return err
		}
		if lsn, ok := result.Row["_sdc_lsn"].(int64); ok {
			store.AdvanceMax(stream.StreamID, "_sdc_lsn", lsn)
		}
	}
	return nil
}
