// Package journal records every import and export in a SQL table, so the
// history command, the xlsx report and operators can see what was converted,
// when, and why it failed. DuckDB is used for a local file, MySQL when
// several workers share one journal.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/marcboeker/go-duckdb"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
)

// Kinds of entries.
const (
	KindImport = "import"
	KindExport = "export"
)

// Statuses of entries.
const (
	StatusCommitted = "committed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Entry is one finished import or export.
type Entry struct {
	ID       string
	Kind     string
	Path     string
	Format   string
	Document string
	Status   string
	Code     string
	Message  string
	Bytes    int64
	Nodes    int
	Partial  bool
	Started  time.Time
	Duration time.Duration
}

// FromError fills the status fields of e from the outcome err.
func (e *Entry) FromError(err error) {
	switch {
	case err == nil:
		e.Status = StatusCommitted
		return
	case cferrors.IsCode(err, cferrors.CodeCancelled):
		e.Status = StatusCancelled
	default:
		e.Status = StatusFailed
	}
	e.Code = string(cferrors.GetCode(err))
	e.Message = err.Error()
	e.Partial = cferrors.IsPartial(err)
}

// Filter narrows List.
type Filter struct {
	Kind   string
	Status string
	Since  time.Time
	Limit  int
}

// Stat aggregates entries per format, kind and status.
type Stat struct {
	Format string
	Kind   string
	Status string
	Count  int
	Bytes  int64
}

// Journal is a conversions table behind database/sql.
type Journal struct {
	db     *sql.DB
	driver string
}

// Open connects to the journal database and creates the table if needed.
// driver is "duckdb" or "mysql"; an empty duckdb dsn is an in-memory journal.
func Open(ctx context.Context, driver, dsn string) (*Journal, error) {
	var schema []string
	switch driver {
	case "duckdb":
		schema = duckdbSchema
	case "mysql":
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("journal: mysql dsn is empty")
		}
		schema = mysqlSchema
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if driver == "mysql" {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(10 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return &Journal{db: db, driver: driver}, nil
}

var duckdbSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversions (
		id VARCHAR PRIMARY KEY,
		kind VARCHAR NOT NULL,
		path VARCHAR NOT NULL,
		format VARCHAR,
		document VARCHAR,
		status VARCHAR NOT NULL,
		code VARCHAR,
		message VARCHAR,
		bytes BIGINT,
		nodes INTEGER,
		partial BOOLEAN,
		started_at BIGINT NOT NULL,
		duration_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversions_started ON conversions (started_at)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversions (
		id VARCHAR(64) PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		path TEXT NOT NULL,
		format VARCHAR(32) DEFAULT '',
		document VARCHAR(255) DEFAULT '',
		status VARCHAR(16) NOT NULL,
		code VARCHAR(8) DEFAULT '',
		message TEXT,
		bytes BIGINT DEFAULT 0,
		nodes INT DEFAULT 0,
		partial BOOLEAN DEFAULT FALSE,
		started_at BIGINT NOT NULL,
		duration_ms BIGINT DEFAULT 0,
		INDEX idx_conversions_started (started_at),
		INDEX idx_conversions_status (status)
	)`,
}

// Driver returns the database driver name.
func (j *Journal) Driver() string { return j.driver }

// Record inserts e, assigning an id and start time when missing.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	const stmt = `INSERT INTO conversions
		(id, kind, path, format, document, status, code, message, bytes, nodes, partial, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, stmt,
		e.ID, e.Kind, e.Path, e.Format, e.Document, e.Status, e.Code, e.Message,
		e.Bytes, e.Nodes, e.Partial, e.Started.UnixMilli(), e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", e.Path, err)
	}
	return nil
}

// List returns the most recent entries first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	q := `SELECT id, kind, path, format, document, status, code, message, bytes, nodes, partial, started_at, duration_ms
		FROM conversions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			format, document  sql.NullString
			code, message     sql.NullString
			bytes, durationMS sql.NullInt64
			nodes             sql.NullInt64
			partial           sql.NullBool
			startedMS         int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Path, &format, &document, &e.Status, &code, &message,
			&bytes, &nodes, &partial, &startedMS, &durationMS); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Format, e.Document = format.String, document.String
		e.Code, e.Message = code.String, message.String
		e.Bytes, e.Nodes, e.Partial = bytes.Int64, int(nodes.Int64), partial.Bool
		e.Started = time.UnixMilli(startedMS)
		e.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats groups the entries since a point in time.
func (j *Journal) Stats(ctx context.Context, since time.Time) ([]Stat, error) {
	integer := "BIGINT"
	if j.driver == "mysql" {
		integer = "SIGNED"
	}
	q := `SELECT format, kind, status, COUNT(*), CAST(COALESCE(SUM(bytes), 0) AS ` + integer + `)
		FROM conversions WHERE started_at >= ?
		GROUP BY format, kind, status
		ORDER BY format, kind, status`
	rows, err := j.db.QueryContext(ctx, q, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var (
			s      Stat
			format sql.NullString
		)
		if err := rows.Scan(&format, &s.Kind, &s.Status, &s.Count, &s.Bytes); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		s.Format = format.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM conversions WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
