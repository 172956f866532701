// ABOUTME: SQLite persistence for queues, chatbot option trees, schedules and settings
// ABOUTME: Implements the routing-configuration side of the Store interface

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const queueColumns = `id, tenant_id, name, greeting_message, out_of_hours_message,
	render_mode, hours_json, created_at, updated_at`

func scanQueue(row interface{ Scan(...any) error }) (*Queue, error) {
	var q Queue
	var hoursJSON string
	var createdAt, updatedAt string

	err := row.Scan(&q.ID, &q.TenantID, &q.Name, &q.GreetingMessage, &q.OutOfHoursMessage,
		&q.RenderMode, &hoursJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(hoursJSON), &q.Hours); err != nil {
		return nil, fmt.Errorf("parsing hours_json: %w", err)
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &q, nil
}

// CreateQueue inserts a queue and fills in its assigned id.
func (s *SQLiteStore) CreateQueue(ctx context.Context, q *Queue) error {
	now := time.Now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	if q.RenderMode == "" {
		q.RenderMode = RenderText
	}
	if q.Hours == nil {
		q.Hours = []HoursWindow{}
	}
	hoursJSON, err := json.Marshal(q.Hours)
	if err != nil {
		return fmt.Errorf("encoding hours: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queues (tenant_id, name, greeting_message, out_of_hours_message,
			render_mode, hours_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.TenantID, q.Name, q.GreetingMessage, q.OutOfHoursMessage,
		q.RenderMode, string(hoursJSON), fmtTime(q.CreatedAt), fmtTime(q.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting queue: %w", err)
	}
	q.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading queue id: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by id.
func (s *SQLiteStore) GetQueue(ctx context.Context, id int64) (*Queue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE id = ?`, id)
	q, err := scanQueue(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	return q, nil
}

// ListQueues returns a tenant's queues in id order.
func (s *SQLiteStore) ListQueues(ctx context.Context, tenantID int64) ([]*Queue, error) {
	return s.listQueues(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE tenant_id = ? ORDER BY id`, tenantID)
}

// ListConnectionQueues returns the queues bound to a connection, in id order.
// The position of a queue in this list is its menu number.
func (s *SQLiteStore) ListConnectionQueues(ctx context.Context, connectionID int64) ([]*Queue, error) {
	return s.listQueues(ctx, `
		SELECT q.id, q.tenant_id, q.name, q.greeting_message, q.out_of_hours_message,
			q.render_mode, q.hours_json, q.created_at, q.updated_at
		FROM queues q
		JOIN connection_queues cq ON cq.queue_id = q.id
		WHERE cq.connection_id = ?
		ORDER BY q.id`, connectionID)
}

func (s *SQLiteStore) listQueues(ctx context.Context, query string, args ...any) ([]*Queue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queues: %w", err)
	}
	defer rows.Close()

	var out []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// BindQueue attaches a queue to a connection. Binding twice is a no-op.
func (s *SQLiteStore) BindQueue(ctx context.Context, connectionID, queueID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO connection_queues (connection_id, queue_id) VALUES (?, ?)`,
		connectionID, queueID)
	if err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}
	return nil
}

const optionColumns = `id, queue_id, parent_id, selector, title, message,
	finalize, wait_for_agent, attachment_path, created_at`

func scanOption(row interface{ Scan(...any) error }) (*QueueOption, error) {
	var o QueueOption
	var finalize, waitForAgent int
	var parentID sql.NullInt64
	var attachment sql.NullString
	var createdAt string

	err := row.Scan(&o.ID, &o.QueueID, &parentID, &o.Selector, &o.Title, &o.Message,
		&finalize, &waitForAgent, &attachment, &createdAt)
	if err != nil {
		return nil, err
	}
	o.ParentID = int64Ptr(parentID)
	o.Finalize = finalize != 0
	o.WaitForAgent = waitForAgent != 0
	o.AttachmentPath = strPtr(attachment)
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &o, nil
}

// CreateQueueOption inserts a chatbot tree node and fills in its assigned id.
func (s *SQLiteStore) CreateQueueOption(ctx context.Context, o *QueueOption) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_options (queue_id, parent_id, selector, title, message,
			finalize, wait_for_agent, attachment_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.QueueID, nullInt64(o.ParentID), o.Selector, o.Title, o.Message,
		boolInt(o.Finalize), boolInt(o.WaitForAgent), nullStr(o.AttachmentPath), fmtTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting queue option: %w", err)
	}
	o.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading option id: %w", err)
	}
	return nil
}

// GetQueueOption retrieves a tree node by id.
func (s *SQLiteStore) GetQueueOption(ctx context.Context, id int64) (*QueueOption, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+optionColumns+` FROM queue_options WHERE id = ?`, id)
	o, err := scanOption(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue option: %w", err)
	}
	return o, nil
}

// ListRootOptions returns a queue's top-level nodes ordered by selector.
func (s *SQLiteStore) ListRootOptions(ctx context.Context, queueID int64) ([]*QueueOption, error) {
	return s.listOptions(ctx,
		`SELECT `+optionColumns+` FROM queue_options
		 WHERE queue_id = ? AND parent_id IS NULL
		 ORDER BY selector, id`, queueID)
}

// ListChildOptions returns the children of a node ordered by selector.
func (s *SQLiteStore) ListChildOptions(ctx context.Context, parentID int64) ([]*QueueOption, error) {
	return s.listOptions(ctx,
		`SELECT `+optionColumns+` FROM queue_options
		 WHERE parent_id = ?
		 ORDER BY selector, id`, parentID)
}

func (s *SQLiteStore) listOptions(ctx context.Context, query string, args ...any) ([]*QueueOption, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue options: %w", err)
	}
	defer rows.Close()

	var out []*QueueOption
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue option: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FindRootOptionBySelector matches a customer's reply against a queue's
// top-level nodes.
func (s *SQLiteStore) FindRootOptionBySelector(ctx context.Context, queueID int64, selector string) (*QueueOption, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+optionColumns+` FROM queue_options
		 WHERE queue_id = ? AND parent_id IS NULL AND selector = ?
		 LIMIT 1`, queueID, selector)
	o, err := scanOption(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying root option: %w", err)
	}
	return o, nil
}

// FindChildOptionBySelector matches a customer's reply against a node's children.
func (s *SQLiteStore) FindChildOptionBySelector(ctx context.Context, parentID int64, selector string) (*QueueOption, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+optionColumns+` FROM queue_options
		 WHERE parent_id = ? AND selector = ?
		 LIMIT 1`, parentID, selector)
	o, err := scanOption(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying child option: %w", err)
	}
	return o, nil
}

const scheduleColumns = `id, tenant_id, contact_id, body, send_at, sent_at, status, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	var sendAt, createdAt, updatedAt string
	var sentAt sql.NullString

	err := row.Scan(&sc.ID, &sc.TenantID, &sc.ContactID, &sc.Body, &sendAt, &sentAt,
		&sc.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if sc.SendAt, err = parseTime(sendAt); err != nil {
		return nil, fmt.Errorf("parsing send_at: %w", err)
	}
	if sc.SentAt, err = timePtr(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sc, nil
}

// CreateSchedule inserts a future message and fills in its assigned id.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	if sc.Status == "" {
		sc.Status = SchedulePending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (tenant_id, contact_id, body, send_at, sent_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.TenantID, sc.ContactID, sc.Body, fmtTime(sc.SendAt), fmtTimePtr(sc.SentAt),
		sc.Status, fmtTime(sc.CreatedAt), fmtTime(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	sc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading schedule id: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by id.
func (s *SQLiteStore) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return sc, nil
}

// UpdateSchedule persists a schedule's mutable fields.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	sc.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET body = ?, send_at = ?, sent_at = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		sc.Body, fmtTime(sc.SendAt), fmtTimePtr(sc.SentAt), sc.Status, fmtTime(sc.UpdatedAt), sc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueSchedules returns pending schedules whose send time falls in
// [from, to). The sweep job marks each one scheduled before dispatching it.
func (s *SQLiteStore) ListDueSchedules(ctx context.Context, from, to time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'pending' AND send_at >= ? AND send_at < ?
		 ORDER BY send_at`,
		fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetSetting reads a tenant setting. Returns ErrNotFound when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, tenantID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE tenant_id = ? AND key = ?`, tenantID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a tenant setting, replacing any previous value.
func (s *SQLiteStore) SetSetting(ctx context.Context, tenantID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (tenant_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value`,
		tenantID, key, value)
	if err != nil {
		return fmt.Errorf("writing setting: %w", err)
	}
	return nil
}
