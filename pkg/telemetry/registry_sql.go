package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sqlKeyExpiry drops mappings older than a day; feedback on an answer
// that old has no span left to land on anyway.
const sqlKeyExpiry = 24 * time.Hour

// SQLRegistry stores span mappings in a relational table. Development
// runs it on a local sqlite file; postgres and mysql are supported for
// shared dev databases.
type SQLRegistry struct {
	db      *sql.DB
	dialect string
	expiry  time.Duration
}

// NewSQLRegistry opens (and if needed creates) the span_mappings table.
// Dialect is sqlite3, postgres, or mysql; dsn is the driver DSN, which
// for sqlite3 is just the database file path.
func NewSQLRegistry(dialect, dsn string) (*SQLRegistry, error) {
	switch dialect {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported span registry dialect %q", dialect)
	}
	if dsn == "" {
		return nil, fmt.Errorf("span registry DSN is empty")
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open span registry database: %w", err)
	}

	r := &SQLRegistry{db: db, dialect: dialect, expiry: sqlKeyExpiry}
	if err := r.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("Using SQL span registry", "dialect", dialect, "dsn", dsn)
	return r, nil
}

// keyCol quotes the key column; KEY is reserved in mysql.
func (r *SQLRegistry) keyCol() string {
	if r.dialect == "mysql" {
		return "`key`"
	}
	return `"key"`
}

// rebind rewrites ? placeholders to $N for postgres.
func (r *SQLRegistry) rebind(query string) string {
	if r.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *SQLRegistry) createTable() error {
	textType := "TEXT"
	keyType := "TEXT"
	tsType := "TIMESTAMP"
	if r.dialect == "mysql" {
		// TEXT columns cannot be primary keys or indexed without a
		// length prefix.
		textType = "VARCHAR(255)"
		keyType = "VARCHAR(512)"
		tsType = "DATETIME"
	}
	if r.dialect == "postgres" {
		tsType = "TIMESTAMPTZ"
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS span_mappings (
		%s %s PRIMARY KEY,
		session_id %s NOT NULL,
		qa_id %s,
		span_id %s NOT NULL,
		trace_id %s,
		timestamp %s NOT NULL
	)`, r.keyCol(), keyType, textType, textType, textType, textType, tsType)
	if _, err := r.db.Exec(create); err != nil {
		return fmt.Errorf("failed to create span_mappings table: %w", err)
	}

	indexes := map[string]string{
		"idx_span_session":   "session_id",
		"idx_span_qa":        "qa_id",
		"idx_span_trace":     "trace_id",
		"idx_span_timestamp": "timestamp",
	}
	for name, col := range indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON span_mappings (%s)", name, col)
		if r.dialect == "mysql" {
			// mysql has no IF NOT EXISTS for indexes; a duplicate-name
			// error on restart is expected and harmless.
			stmt = fmt.Sprintf("CREATE INDEX %s ON span_mappings (%s)", name, col)
		}
		if _, err := r.db.Exec(stmt); err != nil {
			slog.Debug("Span registry index creation skipped", "index", name, "error", err)
		}
	}
	return nil
}

func (r *SQLRegistry) Register(ctx context.Context, sessionID, qaID, spanID, traceID string) {
	if sessionID == "" || qaID == "" {
		slog.Warn("Cannot register span without session and qa id")
		return
	}
	r.purgeExpired(ctx)

	key := sessionID + ":" + qaID
	var upsert string
	switch r.dialect {
	case "sqlite3":
		upsert = fmt.Sprintf(`INSERT OR REPLACE INTO span_mappings (%s, session_id, qa_id, span_id, trace_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`, r.keyCol())
	case "mysql":
		upsert = fmt.Sprintf(`REPLACE INTO span_mappings (%s, session_id, qa_id, span_id, trace_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`, r.keyCol())
	case "postgres":
		upsert = fmt.Sprintf(`INSERT INTO span_mappings (%s, session_id, qa_id, span_id, trace_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (%s) DO UPDATE SET session_id = EXCLUDED.session_id, qa_id = EXCLUDED.qa_id,
			span_id = EXCLUDED.span_id, trace_id = EXCLUDED.trace_id, timestamp = EXCLUDED.timestamp`,
			r.keyCol(), r.keyCol())
	}

	_, err := r.db.ExecContext(ctx, r.rebind(upsert), key, sessionID, qaID, spanID, nullable(traceID), time.Now().UTC())
	if err != nil {
		slog.Error("Failed to register span", "key", key, "error", err)
		return
	}
	slog.Debug("Registered span", "key", key, "span_id", spanID)
}

func (r *SQLRegistry) RegisterRoot(ctx context.Context, sessionID, spanID, traceID string) {
	if sessionID == "" {
		slog.Warn("Cannot register root span without session id")
		return
	}
	r.Register(ctx, sessionID, RootQAKey, spanID, traceID)
}

func (r *SQLRegistry) Find(ctx context.Context, sessionID, qaID string) (string, bool) {
	if sessionID == "" || qaID == "" {
		return "", false
	}
	key := sessionID + ":" + qaID
	var spanID string
	query := fmt.Sprintf("SELECT span_id FROM span_mappings WHERE %s = ?", r.keyCol())
	err := r.db.QueryRowContext(ctx, r.rebind(query), key).Scan(&spanID)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		slog.Error("Failed to look up span", "key", key, "error", err)
		return "", false
	}
	return spanID, true
}

func (r *SQLRegistry) FindByTrace(ctx context.Context, traceID string) (string, bool) {
	if traceID == "" {
		return "", false
	}
	var spanID string
	query := "SELECT span_id FROM span_mappings WHERE trace_id = ? ORDER BY timestamp DESC LIMIT 1"
	err := r.db.QueryRowContext(ctx, r.rebind(query), traceID).Scan(&spanID)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		slog.Error("Failed to look up span by trace", "trace_id", traceID, "error", err)
		return "", false
	}
	return spanID, true
}

func (r *SQLRegistry) FindRoot(ctx context.Context, sessionID string) (string, bool) {
	return r.Find(ctx, sessionID, RootQAKey)
}

func (r *SQLRegistry) List(ctx context.Context, sessionID string) map[string]string {
	spans := make(map[string]string)
	if sessionID == "" {
		return spans
	}
	query := "SELECT qa_id, span_id FROM span_mappings WHERE session_id = ? AND qa_id != ?"
	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID, RootQAKey)
	if err != nil {
		slog.Error("Failed to list spans", "session_id", sessionID, "error", err)
		return spans
	}
	defer rows.Close()
	for rows.Next() {
		var qaID, spanID string
		if err := rows.Scan(&qaID, &spanID); err != nil {
			slog.Error("Failed to scan span row", "error", err)
			continue
		}
		spans[qaID] = spanID
	}
	return spans
}

func (r *SQLRegistry) purgeExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.expiry)
	query := "DELETE FROM span_mappings WHERE timestamp < ?"
	if _, err := r.db.ExecContext(ctx, r.rebind(query), cutoff); err != nil {
		slog.Error("Failed to purge expired span mappings", "error", err)
	}
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

// nullable maps "" to NULL so optional columns stay clean.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Registry = (*SQLRegistry)(nil)
