// Package replication implements WAL-based logical-replication streaming:
// spec.md §4.E. Connection setup, START_REPLICATION framing, and the manual
// CopyData/Standby-Status-Update byte packing are grounded on the teacher's
// createReplicationConnection / startLogicalReplication / streamReplicationEvents
// / sendStandbyStatusUpdate (services/anchor/internal/database/postgres/replication.go).
// The termination condition diverges deliberately from the teacher: the
// teacher runs an always-on service with a keepalive ticker that never
// stops the loop, while this stream must terminate after one status_interval
// of idleness (spec.md §4.E/§5), so the idle-timeout check itself is the
// loop's exit condition rather than a side ticker.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/datamill-co/tap-postgres/internal/taperror"
	"github.com/datamill-co/tap-postgres/internal/taplog"
)

// SlotName is the fixed replication slot this tap uses. Only one process may
// read a given slot at a time; the core does not attempt concurrent runs.
const SlotName = "tappostgres"

// StatusIntervalDefault is how long the stream waits for a new WAL message
// before concluding the upstream has gone idle and terminating.
const StatusIntervalDefault = 5 * time.Second

// Config configures one replication run. The connection itself is opened
// separately via Connect and handed to New; Config only carries the
// decoding/addressing details layered on top of it.
type Config struct {
	FullyQualifiedTbl string // add-tables value, e.g. "public.orders"
	StartLSN          pglogrepl.LSN
	StatusInterval    time.Duration
	Logger            *taplog.Logger
}

// Row is one decoded change-row, ready for Value Conformer + emission. A nil
// Row returned from consume (see Stream.loop) means "skip": malformed JSON,
// TRUNCATE, or a transaction boundary, per spec.md §4.E's consume table.
type Row map[string]interface{}

// Stream reads wal2json v2 change messages from a dedicated replication
// connection until the slot produces nothing for one StatusInterval.
type Stream struct {
	cfg        Config
	conn       *pgconn.PgConn
	pendingAck pglogrepl.LSN
}

// Connect opens a dedicated connection in logical-replication mode — not via
// the generic pool, since the replication protocol uses a distinct frame
// layout the pool's connections aren't configured for.
func Connect(ctx context.Context, connString string) (*pgconn.PgConn, error) {
	pgConfig, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing connection string: %v", taperror.ErrConnectionFailure, err)
	}
	pgConfig.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taperror.ErrConnectionFailure, err)
	}
	return conn, nil
}

// New builds a Stream bound to an already-connected replication conn.
func New(conn *pgconn.PgConn, cfg Config) *Stream {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = StatusIntervalDefault
	}
	return &Stream{conn: conn, cfg: cfg}
}

// Result is one streamed row, or a terminal error.
type Result struct {
	Row Row
	Err error
}

// Records starts logical replication and streams decoded rows until the slot
// goes idle for one StatusInterval. ctx cancellation stops the stream early
// (clean shutdown: close cursor, close connection; the server retains the
// slot and the next run resumes from the last acknowledged LSN).
func (s *Stream) Records(ctx context.Context) (<-chan Result, error) {
	if err := s.acknowledge(ctx, s.cfg.StartLSN); err != nil {
		return nil, err
	}
	if err := s.startReplication(ctx); err != nil {
		return nil, err
	}

	out := make(chan Result)
	go s.loop(ctx, out)
	return out, nil
}

// acknowledge sends flush_lsn = startLSN as the first standby status update.
// The server flushes strictly less than flush_lsn, so the record at startLSN
// itself is redelivered — idempotent because the downstream sink is expected
// to upsert by key. Standby Status Updates can only be sent once the
// connection is in COPY BOTH mode, so this is issued as the very first
// status update immediately after START_REPLICATION rather than literally
// before it, which the wire protocol does not allow.
func (s *Stream) acknowledge(ctx context.Context, lsn pglogrepl.LSN) error {
	s.pendingAck = lsn
	return nil
}

func (s *Stream) startReplication(ctx context.Context) error {
	query := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL %s (format-version '2', include-transaction 'false', add-tables '%s')",
		SlotName, s.cfg.StartLSN.String(), s.cfg.FullyQualifiedTbl,
	)
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("starting logical replication: %s", query)
	}

	frontend := s.conn.Frontend()
	frontend.Send(&pgproto3.Query{String: query})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("%w: sending START_REPLICATION: %v", taperror.ErrConnectionFailure, err)
	}
	return nil
}

func (s *Stream) loop(ctx context.Context, out chan<- Result) {
	defer close(out)
	defer s.conn.Close(context.Background())

	lastFeedback := time.Now()
	// The first status update after entering streaming mode doubles as the
	// startup acknowledgment described in acknowledge's doc comment.
	if err := s.sendStandbyStatusUpdate(ctx, s.pendingAck); err != nil {
		out <- Result{Err: err}
		return
	}

	var lastLSN pglogrepl.LSN = s.pendingAck

	for {
		if ctx.Err() != nil {
			return
		}

		remaining := s.cfg.StatusInterval - time.Since(lastFeedback)
		if remaining < 0 {
			remaining = 0
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining+1) // +1ns floor so a zero remaining still polls once
		msg, err := s.conn.ReceiveMessage(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Timeout with nothing readable for a full status_interval is
			// the termination signal (spec.md §4.E's wait_readable contract).
			if time.Since(lastFeedback) >= s.cfg.StatusInterval {
				return
			}
			continue
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		data := copyData.Data
		switch data[0] {
		case 'w': // XLogData
			if len(data) < 25 {
				continue
			}
			walStart := pglogrepl.LSN(beUint64(data[1:9]))
			payload := data[25:]

			row, err := consume(payload, walStart, s.cfg.Logger)
			if err != nil {
				out <- Result{Err: err}
				return
			}
			if row != nil {
				out <- Result{Row: row}
			}

			if walStart > lastLSN {
				lastLSN = walStart
			}
			if err := s.sendStandbyStatusUpdate(ctx, lastLSN); err != nil {
				out <- Result{Err: err}
				return
			}
			lastFeedback = time.Now()

		case 'k': // Primary Keepalive
			if len(data) > 17 && data[17] == 1 {
				if err := s.sendStandbyStatusUpdate(ctx, lastLSN); err != nil {
					out <- Result{Err: err}
					return
				}
				lastFeedback = time.Now()
			}
		}
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// sendStandbyStatusUpdate manually packs a Standby Status Update ('r')
// CopyData message: write/flush/apply LSN (all set to lsn, since this tap
// applies everything it receives immediately), an 8-byte timestamp (left
// zero; the server does not require an accurate clock here), and a reply
// byte (always 0 — the server is not asked to answer this update, including
// when it is sent in response to a keepalive).
func (s *Stream) sendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	buf := make([]byte, 1+8+8+8+8+1)
	buf[0] = 'r'
	for i := 0; i < 3; i++ {
		offset := 1 + i*8
		putBeUint64(buf[offset:offset+8], uint64(lsn))
	}
	buf[33] = 0

	frontend := s.conn.Frontend()
	frontend.Send(&pgproto3.CopyData{Data: buf})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("%w: sending standby status update: %v", taperror.ErrConnectionFailure, err)
	}
	return nil
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

type wal2jsonColumn struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type wal2jsonMessage struct {
	Action   string           `json:"action"`
	Columns  []wal2jsonColumn `json:"columns"`
	Identity []wal2jsonColumn `json:"identity"`
}

// consume parses one wal2json v2 payload and shapes it into a Row, per
// spec.md §4.E's dispatch table. A nil Row (with nil error) means "skip":
// malformed JSON, TRUNCATE, BEGIN, or COMMIT. A non-nil error is reserved
// for the one fatal case, an action outside the documented set — unifying
// the two suppression paths the original source left ambiguous (spec.md
// §9's open question) into a single skip sentinel.
func consume(payload []byte, dataStart pglogrepl.LSN, logger *taplog.Logger) (Row, error) {
	var msg wal2jsonMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		if logger != nil {
			logger.Warn("malformed wal2json payload, skipping: %v", err)
		}
		return nil, nil
	}

	switch msg.Action {
	case "I", "U":
		row := make(Row, len(msg.Columns)+2)
		for _, c := range msg.Columns {
			row[c.Name] = c.Value
		}
		row["_sdc_deleted_at"] = nil
		row["_sdc_lsn"] = int64(dataStart)
		return row, nil

	case "D":
		row := make(Row, len(msg.Identity)+2)
		for _, c := range msg.Identity {
			row[c.Name] = c.Value
		}
		row["_sdc_deleted_at"] = time.Now().UTC().Format("2006-01-02T15:04:05Z")
		row["_sdc_lsn"] = int64(dataStart)
		return row, nil

	case "T":
		if logger != nil {
			logger.Debug("truncate message received, skipping")
		}
		return nil, nil

	case "B", "C":
		if logger != nil {
			logger.Debug("transaction boundary message received (%s), skipping", msg.Action)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %q (lsn=%s)", taperror.ErrUnknownWALAction, msg.Action, strconv.FormatUint(uint64(dataStart), 10))
	}
}
