// ABOUTME: SQLite persistence for contacts, tickets, tracking, ratings and messages
// ABOUTME: Implements the conversation side of the Store interface

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact inserts the contact or refreshes the name of an existing one.
// The stored row is returned either way.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c *Contact) (*Contact, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, number, name, is_group, profile_pic_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, number) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		c.TenantID, c.Number, c.Name, boolInt(c.IsGroup), c.ProfilePicURL, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting contact: %w", err)
	}

	// LastInsertId is only meaningful on a fresh insert, so read the row back.
	_ = res
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, number, name, is_group, profile_pic_url, created_at, updated_at
		FROM contacts WHERE tenant_id = ? AND number = ?`, c.TenantID, c.Number)
	return scanContact(row)
}

// GetContact retrieves a contact by id.
func (s *SQLiteStore) GetContact(ctx context.Context, id int64) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, number, name, is_group, profile_pic_url, created_at, updated_at
		FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// UpdateContactPicture stores a refreshed profile picture URL.
func (s *SQLiteStore) UpdateContactPicture(ctx context.Context, id int64, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET profile_pic_url = ?, updated_at = ? WHERE id = ?`,
		url, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating contact picture: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	var isGroup int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.TenantID, &c.Number, &c.Name, &isGroup, &c.ProfilePicURL, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.IsGroup = isGroup != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

const ticketColumns = `id, tenant_id, contact_id, connection_id, status, queue_id, agent_id,
	chatbot_enabled, current_option_id, last_message, unread_messages,
	last_out_of_hours_at, created_at, updated_at`

func scanTicket(row interface{ Scan(...any) error }) (*Ticket, error) {
	var t Ticket
	var chatbot int
	var queueID, agentID, optionID sql.NullInt64
	var lastOOH sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.TenantID, &t.ContactID, &t.ConnectionID, &t.Status, &queueID, &agentID,
		&chatbot, &optionID, &t.LastMessage, &t.UnreadMessages,
		&lastOOH, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.QueueID = int64Ptr(queueID)
	t.AgentID = int64Ptr(agentID)
	t.CurrentOptionID = int64Ptr(optionID)
	t.ChatbotEnabled = chatbot != 0
	if t.LastOutOfHoursAt, err = timePtr(lastOOH); err != nil {
		return nil, fmt.Errorf("parsing last_out_of_hours_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// CreateTicket inserts a ticket and fills in its assigned id.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *Ticket) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TicketPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (tenant_id, contact_id, connection_id, status, queue_id, agent_id,
			chatbot_enabled, current_option_id, last_message, unread_messages,
			last_out_of_hours_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TenantID, t.ContactID, t.ConnectionID, t.Status, nullInt64(t.QueueID), nullInt64(t.AgentID),
		boolInt(t.ChatbotEnabled), nullInt64(t.CurrentOptionID), t.LastMessage, t.UnreadMessages,
		fmtTimePtr(t.LastOutOfHoursAt), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading ticket id: %w", err)
	}
	s.logger.Debug("created ticket", "id", t.ID, "tenant_id", t.TenantID, "contact_id", t.ContactID)
	return nil
}

// GetTicket retrieves a ticket by id.
func (s *SQLiteStore) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}
	return t, nil
}

// FindOpenTicket returns the single non-closed ticket for the triple, or
// ErrNotFound. Most recent first in case legacy data ever holds two.
func (s *SQLiteStore) FindOpenTicket(ctx context.Context, tenantID, contactID, connectionID int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE tenant_id = ? AND contact_id = ? AND connection_id = ? AND status != 'closed'
		 ORDER BY id DESC LIMIT 1`,
		tenantID, contactID, connectionID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open ticket: %w", err)
	}
	return t, nil
}

// FindLatestTicket returns the most recently updated ticket for the triple
// regardless of status, or ErrNotFound. Used to decide whether a closed
// conversation should reopen instead of spawning a fresh ticket.
func (s *SQLiteStore) FindLatestTicket(ctx context.Context, tenantID, contactID, connectionID int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE tenant_id = ? AND contact_id = ? AND connection_id = ?
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		tenantID, contactID, connectionID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest ticket: %w", err)
	}
	return t, nil
}

// UpdateTicket persists a ticket's mutable fields.
func (s *SQLiteStore) UpdateTicket(ctx context.Context, t *Ticket) error {
	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, queue_id = ?, agent_id = ?, chatbot_enabled = ?,
			current_option_id = ?, last_message = ?, unread_messages = ?,
			last_out_of_hours_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Status, nullInt64(t.QueueID), nullInt64(t.AgentID), boolInt(t.ChatbotEnabled),
		nullInt64(t.CurrentOptionID), t.LastMessage, t.UnreadMessages,
		fmtTimePtr(t.LastOutOfHoursAt), fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const trackingColumns = `id, ticket_id, connection_id, queue_id, agent_id,
	queued_at, started_at, rating_requested_at, finished_at, rated, created_at, updated_at`

func scanTracking(row interface{ Scan(...any) error }) (*TicketTracking, error) {
	var tr TicketTracking
	var rated int
	var queueID, agentID sql.NullInt64
	var queuedAt, startedAt, ratingAt, finishedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&tr.ID, &tr.TicketID, &tr.ConnectionID, &queueID, &agentID,
		&queuedAt, &startedAt, &ratingAt, &finishedAt, &rated, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	tr.QueueID = int64Ptr(queueID)
	tr.AgentID = int64Ptr(agentID)
	tr.Rated = rated != 0
	if tr.QueuedAt, err = timePtr(queuedAt); err != nil {
		return nil, fmt.Errorf("parsing queued_at: %w", err)
	}
	if tr.StartedAt, err = timePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if tr.RatingRequestedAt, err = timePtr(ratingAt); err != nil {
		return nil, fmt.Errorf("parsing rating_requested_at: %w", err)
	}
	if tr.FinishedAt, err = timePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if tr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tr.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &tr, nil
}

// CreateTracking inserts the timing satellite for a ticket.
func (s *SQLiteStore) CreateTracking(ctx context.Context, tr *TicketTracking) error {
	now := time.Now()
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}
	tr.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_tracking (ticket_id, connection_id, queue_id, agent_id,
			queued_at, started_at, rating_requested_at, finished_at, rated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TicketID, tr.ConnectionID, nullInt64(tr.QueueID), nullInt64(tr.AgentID),
		fmtTimePtr(tr.QueuedAt), fmtTimePtr(tr.StartedAt), fmtTimePtr(tr.RatingRequestedAt),
		fmtTimePtr(tr.FinishedAt), boolInt(tr.Rated), fmtTime(tr.CreatedAt), fmtTime(tr.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting tracking: %w", err)
	}
	tr.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tracking id: %w", err)
	}
	return nil
}

// GetTracking retrieves the tracking row for a ticket.
func (s *SQLiteStore) GetTracking(ctx context.Context, ticketID int64) (*TicketTracking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM ticket_tracking WHERE ticket_id = ?`, ticketID)
	tr, err := scanTracking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tracking: %w", err)
	}
	return tr, nil
}

// UpdateTracking persists a tracking row's mutable fields.
func (s *SQLiteStore) UpdateTracking(ctx context.Context, tr *TicketTracking) error {
	tr.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ticket_tracking
		SET queue_id = ?, agent_id = ?, queued_at = ?, started_at = ?,
			rating_requested_at = ?, finished_at = ?, rated = ?, updated_at = ?
		WHERE id = ?`,
		nullInt64(tr.QueueID), nullInt64(tr.AgentID), fmtTimePtr(tr.QueuedAt), fmtTimePtr(tr.StartedAt),
		fmtTimePtr(tr.RatingRequestedAt), fmtTimePtr(tr.FinishedAt), boolInt(tr.Rated), fmtTime(tr.UpdatedAt),
		tr.ID,
	)
	if err != nil {
		return fmt.Errorf("updating tracking: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingRatings returns trackings whose rating was requested before the
// cutoff and never answered. The sweep job force-closes these.
func (s *SQLiteStore) ListPendingRatings(ctx context.Context, requestedBefore time.Time) ([]*TicketTracking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trackingColumns+` FROM ticket_tracking
		 WHERE rating_requested_at IS NOT NULL
		   AND rating_requested_at < ?
		   AND finished_at IS NULL
		   AND rated = 0`,
		fmtTime(requestedBefore))
	if err != nil {
		return nil, fmt.Errorf("querying pending ratings: %w", err)
	}
	defer rows.Close()

	var out []*TicketTracking
	for rows.Next() {
		tr, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tracking: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CreateRating inserts a rating, clamping the score to the 1..3 range.
func (s *SQLiteStore) CreateRating(ctx context.Context, r *Rating) error {
	if r.Rate < 1 {
		r.Rate = 1
	}
	if r.Rate > 3 {
		r.Rate = 3
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (ticket_id, tenant_id, agent_id, rate, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.TicketID, r.TenantID, r.AgentID, r.Rate, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting rating: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading rating id: %w", err)
	}
	return nil
}

const messageColumns = `id, tenant_id, ticket_id, contact_id, body, from_me, media_path, media_type, ack, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var fromMe int
	var contactID sql.NullInt64
	var mediaPath, mediaType sql.NullString
	var createdAt string

	err := row.Scan(&m.ID, &m.TenantID, &m.TicketID, &contactID, &m.Body, &fromMe,
		&mediaPath, &mediaType, &m.Ack, &createdAt)
	if err != nil {
		return nil, err
	}
	m.ContactID = int64Ptr(contactID)
	m.FromMe = fromMe != 0
	m.MediaPath = strPtr(mediaPath)
	m.MediaType = strPtr(mediaType)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}

// CreateMessage inserts a message. Returns ErrDuplicateMessage when the same
// wire id was already stored for the tenant.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, ticket_id, contact_id, body, from_me,
			media_path, media_type, ack, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.TicketID, nullInt64(m.ContactID), m.Body, boolInt(m.FromMe),
		nullStr(m.MediaPath), nullStr(m.MediaType), m.Ack, fmtTime(m.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by wire id and tenant.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string, tenantID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND tenant_id = ?`, id, tenantID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// GetLastOutboundMessage returns the most recent from-me message on a ticket.
func (s *SQLiteStore) GetLastOutboundMessage(ctx context.Context, ticketID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE ticket_id = ? AND from_me = 1
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, ticketID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying last outbound message: %w", err)
	}
	return m, nil
}

// UpdateMessageAck raises a message's delivery ack level and returns the
// updated row. Ack levels never go backwards.
func (s *SQLiteStore) UpdateMessageAck(ctx context.Context, id string, tenantID int64, ack int) (*Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ack = ? WHERE id = ? AND tenant_id = ? AND ack < ?`,
		ack, id, tenantID, ack)
	if err != nil {
		return nil, fmt.Errorf("updating message ack: %w", err)
	}
	_ = res
	return s.GetMessage(ctx, id, tenantID)
}
