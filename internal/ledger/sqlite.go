// ABOUTME: SQLite implementation of the ledger using modernc.org/sqlite.
// ABOUTME: Append-only writes with automatic schema creation and filtered reads.

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists ledger entries in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the ledger database at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewStore(path string) (*Store, error) {
	logger := slog.Default().With("component", "ledger")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger store initialized", "path", path)
	return s, nil
}

// createSchema creates the ledger table if it doesn't exist
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ledger (
			entry_id      TEXT PRIMARY KEY,
			connection_id TEXT,
			kind          TEXT NOT NULL,
			endpoint      TEXT,
			reason        TEXT,
			actor         TEXT,
			detail_json   TEXT,
			ts            TEXT NOT NULL,

			CHECK (kind IN (
				'registered',
				'approved',
				'rejected',
				'activated',
				'closed',
				'evicted',
				'health_changed',
				'server_started',
				'server_stopped'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_connection ON ledger(connection_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger(kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	s.logger.Info("closing ledger store")
	return s.db.Close()
}

// Append writes a new entry to the ledger.
// Generates ID and Timestamp if not set.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling entry detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO ledger (entry_id, connection_id, kind, endpoint, reason, actor, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		nullString(e.ConnectionID),
		e.Kind,
		nullString(e.Endpoint),
		nullString(e.Reason),
		e.Actor,
		detailJSON,
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	s.logger.Debug("appended ledger entry",
		"id", e.ID,
		"kind", e.Kind,
		"connection_id", e.ConnectionID,
	)
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalizeLimit applies default (100) and cap (1000) to the list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// listQueryArgs builds the query arguments from a Filter.
type listQueryArgs struct {
	sinceStr *string
	untilStr *string
	kindStr  *string
}

// buildListQueryArgs converts filter time/kind fields to query args.
func buildListQueryArgs(f Filter) listQueryArgs {
	var args listQueryArgs
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(time.RFC3339)
		args.untilStr = &s
	}
	if f.Kind != nil {
		k := string(*f.Kind)
		args.kindStr = &k
	}
	return args
}

// scanEntry scans a row into an Entry.
func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var e Entry
	var connectionID, endpoint, reason, detailJSON sql.NullString
	var kindStr, tsStr string

	if err := scanner.Scan(
		&e.ID,
		&connectionID,
		&kindStr,
		&endpoint,
		&reason,
		&e.Actor,
		&detailJSON,
		&tsStr,
	); err != nil {
		return e, fmt.Errorf("scanning ledger entry: %w", err)
	}

	e.ConnectionID = connectionID.String
	e.Kind = Kind(kindStr)
	e.Endpoint = endpoint.String
	e.Reason = reason.String

	var err error
	e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON.Valid {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const listQuery = `
	SELECT entry_id, connection_id, kind, endpoint, reason, actor, detail_json, ts
	FROM ledger
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR connection_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// List returns ledger entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := normalizeLimit(f.Limit)
	args := buildListQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, listQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		args.kindStr, args.kindStr,
		f.ConnectionID, f.ConnectionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
