// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles schema creation plus connection and proxy persistence

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id            INTEGER NOT NULL,
			name                 TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'disconnected',
			is_default           INTEGER NOT NULL DEFAULT 0,
			proxy_uri            TEXT,
			proxy_assigned_at    TEXT,
			messages_since_proxy INTEGER NOT NULL DEFAULT 0,
			qr_retries           INTEGER NOT NULL DEFAULT 0,
			greeting_message     TEXT NOT NULL DEFAULT '',
			farewell_message     TEXT NOT NULL DEFAULT '',
			completion_message   TEXT NOT NULL DEFAULT '',
			rating_message       TEXT NOT NULL DEFAULT '',
			out_of_hours_message TEXT NOT NULL DEFAULT '',
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (status IN ('opening', 'connecting', 'qrcode', 'connected', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_connections_tenant ON connections(tenant_id);

		CREATE TABLE IF NOT EXISTS proxies (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			uri                TEXT NOT NULL UNIQUE,
			active_connections INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contacts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id       INTEGER NOT NULL,
			number          TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			is_group        INTEGER NOT NULL DEFAULT 0,
			profile_pic_url TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			UNIQUE (tenant_id, number)
		);

		CREATE TABLE IF NOT EXISTS tickets (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id            INTEGER NOT NULL,
			contact_id           INTEGER NOT NULL,
			connection_id        INTEGER NOT NULL,
			status               TEXT NOT NULL,
			queue_id             INTEGER,
			agent_id             INTEGER,
			chatbot_enabled      INTEGER NOT NULL DEFAULT 0,
			current_option_id    INTEGER,
			last_message         TEXT NOT NULL DEFAULT '',
			unread_messages      INTEGER NOT NULL DEFAULT 0,
			last_out_of_hours_at TEXT,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (status IN ('pending', 'open', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_lookup
			ON tickets(tenant_id, contact_id, connection_id, status);

		CREATE TABLE IF NOT EXISTS ticket_tracking (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id           INTEGER NOT NULL UNIQUE,
			connection_id       INTEGER NOT NULL,
			queue_id            INTEGER,
			agent_id            INTEGER,
			queued_at           TEXT,
			started_at          TEXT,
			rating_requested_at TEXT,
			finished_at         TEXT,
			rated               INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			FOREIGN KEY (ticket_id) REFERENCES tickets(id)
		);

		CREATE INDEX IF NOT EXISTS idx_tracking_rating
			ON ticket_tracking(rating_requested_at, finished_at);

		CREATE TABLE IF NOT EXISTS queues (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id            INTEGER NOT NULL,
			name                 TEXT NOT NULL,
			greeting_message     TEXT NOT NULL DEFAULT '',
			out_of_hours_message TEXT NOT NULL DEFAULT '',
			render_mode          TEXT NOT NULL DEFAULT 'text',
			hours_json           TEXT NOT NULL DEFAULT '[]',
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (render_mode IN ('text', 'list', 'buttons'))
		);

		CREATE INDEX IF NOT EXISTS idx_queues_tenant ON queues(tenant_id);

		CREATE TABLE IF NOT EXISTS connection_queues (
			connection_id INTEGER NOT NULL,
			queue_id      INTEGER NOT NULL,

			PRIMARY KEY (connection_id, queue_id)
		);

		CREATE TABLE IF NOT EXISTS queue_options (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_id        INTEGER NOT NULL,
			parent_id       INTEGER,
			selector        TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			message         TEXT NOT NULL DEFAULT '',
			finalize        INTEGER NOT NULL DEFAULT 0,
			wait_for_agent  INTEGER NOT NULL DEFAULT 0,
			attachment_path TEXT,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (queue_id) REFERENCES queues(id)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_options_parent ON queue_options(parent_id);
		CREATE INDEX IF NOT EXISTS idx_queue_options_queue ON queue_options(queue_id);

		CREATE TABLE IF NOT EXISTS ratings (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id  INTEGER NOT NULL,
			tenant_id  INTEGER NOT NULL,
			agent_id   INTEGER NOT NULL,
			rate       INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT NOT NULL,
			tenant_id  INTEGER NOT NULL,
			ticket_id  INTEGER NOT NULL,
			contact_id INTEGER,
			body       TEXT NOT NULL DEFAULT '',
			from_me    INTEGER NOT NULL DEFAULT 0,
			media_path TEXT,
			media_type TEXT,
			ack        INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			PRIMARY KEY (id, tenant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id, created_at);

		CREATE TABLE IF NOT EXISTS schedules (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id  INTEGER NOT NULL,
			contact_id INTEGER NOT NULL,
			body       TEXT NOT NULL,
			send_at    TEXT NOT NULL,
			sent_at    TEXT,
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'scheduled', 'sent', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, send_at);

		CREATE TABLE IF NOT EXISTS settings (
			tenant_id INTEGER NOT NULL,
			key       TEXT NOT NULL,
			value     TEXT NOT NULL,

			PRIMARY KEY (tenant_id, key)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// fmtTime renders a timestamp in the canonical column format.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// fmtTimePtr renders a nullable timestamp.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// timePtr converts a scanned nullable column into a *time.Time.
func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// int64Ptr converts a scanned nullable integer column into a *int64.
func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// strPtr converts a scanned nullable text column into a *string.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

const connectionColumns = `id, tenant_id, name, status, is_default, proxy_uri, proxy_assigned_at,
	messages_since_proxy, qr_retries, greeting_message, farewell_message,
	completion_message, rating_message, out_of_hours_message, created_at, updated_at`

// scanConnection scans one connections row.
func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var isDefault int
	var proxyURI, proxyAssignedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Status, &isDefault, &proxyURI, &proxyAssignedAt,
		&c.MessagesSinceProxy, &c.QRRetries, &c.GreetingMessage, &c.FarewellMessage,
		&c.CompletionMessage, &c.RatingMessage, &c.OutOfHoursMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.IsDefault = isDefault != 0
	c.ProxyURI = strPtr(proxyURI)
	if c.ProxyAssignedAt, err = timePtr(proxyAssignedAt); err != nil {
		return nil, fmt.Errorf("parsing proxy_assigned_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConnection inserts a connection and fills in its assigned id.
func (s *SQLiteStore) CreateConnection(ctx context.Context, c *Connection) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = ConnectionDisconnected
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (tenant_id, name, status, is_default, proxy_uri, proxy_assigned_at,
			messages_since_proxy, qr_retries, greeting_message, farewell_message,
			completion_message, rating_message, out_of_hours_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TenantID, c.Name, c.Status, boolInt(c.IsDefault), nullStr(c.ProxyURI), fmtTimePtr(c.ProxyAssignedAt),
		c.MessagesSinceProxy, c.QRRetries, c.GreetingMessage, c.FarewellMessage,
		c.CompletionMessage, c.RatingMessage, c.OutOfHoursMessage, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading connection id: %w", err)
	}
	s.logger.Debug("created connection", "id", c.ID, "tenant_id", c.TenantID, "name", c.Name)
	return nil
}

// GetConnection retrieves a connection by id. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetConnection(ctx context.Context, id int64) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return c, nil
}

// GetDefaultConnection returns the tenant's default connection, falling back
// to any connected one. Returns ErrNoDefaultConnection when neither exists.
func (s *SQLiteStore) GetDefaultConnection(ctx context.Context, tenantID int64) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE tenant_id = ? AND is_default = 1`, tenantID)
	c, err := scanConnection(row)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying default connection: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE tenant_id = ? AND status = 'connected' ORDER BY id LIMIT 1`,
		tenantID)
	c, err = scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoDefaultConnection
	}
	if err != nil {
		return nil, fmt.Errorf("querying fallback connection: %w", err)
	}
	return c, nil
}

// ListConnections returns every connection, all tenants included.
func (s *SQLiteStore) ListConnections(ctx context.Context) ([]*Connection, error) {
	return s.listConnections(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY id`)
}

func (s *SQLiteStore) listConnections(ctx context.Context, query string, args ...any) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnection persists a connection's mutable fields.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, c *Connection) error {
	c.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET status = ?, is_default = ?, proxy_uri = ?, proxy_assigned_at = ?,
			messages_since_proxy = ?, qr_retries = ?, greeting_message = ?,
			farewell_message = ?, completion_message = ?, rating_message = ?,
			out_of_hours_message = ?, updated_at = ?
		WHERE id = ?`,
		c.Status, boolInt(c.IsDefault), nullStr(c.ProxyURI), fmtTimePtr(c.ProxyAssignedAt),
		c.MessagesSinceProxy, c.QRRetries, c.GreetingMessage,
		c.FarewellMessage, c.CompletionMessage, c.RatingMessage,
		c.OutOfHoursMessage, fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementConnectionMessages bumps the relayed-message counter and returns
// the new value. Runs as a single statement so concurrent handlers don't lose
// increments.
func (s *SQLiteStore) IncrementConnectionMessages(ctx context.Context, id int64) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET messages_since_proxy = messages_since_proxy + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing message counter: %w", err)
	}
	var count int64
	err = s.db.QueryRowContext(ctx,
		`SELECT messages_since_proxy FROM connections WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading message counter: %w", err)
	}
	return count, nil
}

// ListOverusedConnections returns connected sessions holding a proxy that have
// relayed more messages than the threshold since the proxy was assigned.
func (s *SQLiteStore) ListOverusedConnections(ctx context.Context, threshold int64) ([]*Connection, error) {
	return s.listConnections(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE status = 'connected' AND proxy_uri IS NOT NULL AND messages_since_proxy > ?`,
		threshold)
}

// CreateProxy inserts a proxy endpoint.
func (s *SQLiteStore) CreateProxy(ctx context.Context, p *Proxy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proxies (uri, active_connections, created_at) VALUES (?, ?, ?)`,
		p.URI, p.ActiveConnections, fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting proxy: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading proxy id: %w", err)
	}
	return nil
}

// PickRandomProxy selects a proxy uniformly at random, optionally excluding
// one URI. Returns ErrNotFound when no candidate exists.
func (s *SQLiteStore) PickRandomProxy(ctx context.Context, excludeURI string) (*Proxy, error) {
	query := `SELECT id, uri, active_connections, created_at FROM proxies`
	args := []any{}
	if excludeURI != "" {
		query += ` WHERE uri != ?`
		args = append(args, excludeURI)
	}
	query += ` ORDER BY RANDOM() LIMIT 1`

	var p Proxy
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.URI, &p.ActiveConnections, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("picking proxy: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// AdjustProxyConnections moves the active-connection counter by delta,
// never below zero.
func (s *SQLiteStore) AdjustProxyConnections(ctx context.Context, uri string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxies SET active_connections = MAX(0, active_connections + ?) WHERE uri = ?`,
		delta, uri)
	if err != nil {
		return fmt.Errorf("adjusting proxy connections: %w", err)
	}
	return nil
}

// ResetProxyConnections zeroes every counter. Called once at process start so
// no stale state survives a restart.
func (s *SQLiteStore) ResetProxyConnections(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proxies SET active_connections = 0`)
	if err != nil {
		return fmt.Errorf("resetting proxy connections: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
