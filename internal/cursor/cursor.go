package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"vending-controller/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS received_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	created_at BIGINT NOT NULL,
	is_processed BOOLEAN NOT NULL DEFAULT FALSE
)`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS received_events (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	created_at BIGINT NOT NULL,
	is_processed BOOLEAN NOT NULL DEFAULT FALSE
)`

// Store is the settlement server's durable ingestion cursor: one row per
// received event id.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to driver at dsn and creates the schema when missing.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.Wrap(err, "create cursor directory")
			}
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open cursor db")
		}
		// One writer; the coordinator is sequential anyway.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA busy_timeout = 5000`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, errors.Wrapf(err, "apply %q", pragma)
			}
		}
		return New(ctx, db, DriverSQLite)
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open cursor db")
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "connect cursor db")
		}
		return New(ctx, db, DriverPostgres)
	default:
		return nil, errors.Errorf("unsupported cursor driver %q", driver)
	}
}

// New wraps an open database and ensures the schema.
func New(ctx context.Context, db *sql.DB, dialect string) (*Store, error) {
	schema := sqliteSchema
	if dialect == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize received_events schema")
	}
	return &Store{db: db, dialect: dialect}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LastProcessed returns the most recently inserted processed row, or nil
// when nothing has been processed. Rows are ordered by id because created_at
// is neither unique nor monotonic across relays.
func (s *Store) LastProcessed(ctx context.Context) (*model.ReceivedEventRecord, error) {
	var rec model.ReceivedEventRecord
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, event_id, created_at, is_processed FROM received_events WHERE is_processed = ? ORDER BY id DESC LIMIT 1`),
		true,
	).Scan(&rec.ID, &rec.EventID, &rec.CreatedAt, &rec.IsProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query last processed event")
	}
	return &rec, nil
}

// RecordReceived inserts eventID if it is new and returns its row id and
// whether that row was already marked processed. Recording the same id twice
// never creates a second row.
func (s *Store) RecordReceived(ctx context.Context, eventID string, createdAt int64) (int64, bool, error) {
	var (
		id        int64
		processed bool
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO received_events (event_id, created_at, is_processed) VALUES (?, ?, ?)
ON CONFLICT (event_id) DO UPDATE SET event_id = excluded.event_id
RETURNING id, is_processed`),
		eventID, createdAt, false,
	).Scan(&id, &processed)
	if err != nil {
		return 0, false, errors.Wrapf(err, "record received event %s", eventID)
	}
	return id, processed, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE received_events SET is_processed = ? WHERE id = ?`), true, id)
	if err != nil {
		return errors.Wrapf(err, "mark event row %d processed", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("event row %d not found", id)
	}
	return nil
}
