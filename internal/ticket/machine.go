// ABOUTME: Ticket state machine covering open, pending, closed and the rating sub-state
// ABOUTME: Owns status transitions, tracking stamps and tenant notifications

package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/store"
)

// reopenWindow bounds how far back a closed conversation is revived instead
// of spawning a fresh ticket.
const reopenWindow = 2 * time.Hour

// msgTransferred notifies a contact their conversation moved to another queue.
const msgTransferred = "You have been transferred, we will shortly continue your service."

// ratingTrailer closes every rating prompt so replies land on the 1..3 scale.
const ratingTrailer = "1 - Unhappy\n2 - Satisfied\n3 - Very satisfied"

// Store is the slice of persistence the machine needs.
type Store interface {
	GetTicket(ctx context.Context, id int64) (*store.Ticket, error)
	FindOpenTicket(ctx context.Context, tenantID, contactID, connectionID int64) (*store.Ticket, error)
	FindLatestTicket(ctx context.Context, tenantID, contactID, connectionID int64) (*store.Ticket, error)
	CreateTicket(ctx context.Context, t *store.Ticket) error
	UpdateTicket(ctx context.Context, t *store.Ticket) error
	GetTracking(ctx context.Context, ticketID int64) (*store.TicketTracking, error)
	CreateTracking(ctx context.Context, tr *store.TicketTracking) error
	UpdateTracking(ctx context.Context, tr *store.TicketTracking) error
	ListPendingRatings(ctx context.Context, requestedBefore time.Time) ([]*store.TicketTracking, error)
	CreateRating(ctx context.Context, r *store.Rating) error
	GetConnection(ctx context.Context, id int64) (*store.Connection, error)
	GetSetting(ctx context.Context, tenantID int64, key string) (string, error)
}

// Sender delivers a text message on a ticket's conversation.
type Sender interface {
	SendTicketText(ctx context.Context, ticketID int64, body string) error
}

// Update describes a requested ticket mutation. Zero-value fields leave the
// ticket untouched; the Set flags distinguish "clear" from "unchanged".
type Update struct {
	Status string

	SetQueue bool
	QueueID  *int64

	SetAgent bool
	AgentID  *int64

	SetChatbot     bool
	ChatbotEnabled bool

	SetOption       bool
	CurrentOptionID *int64

	// SkipRating closes without offering the rating prompt.
	SkipRating bool
	// SkipFarewell closes without the completion message.
	SkipFarewell bool
}

// Machine drives ticket lifecycle transitions.
type Machine struct {
	store  Store
	sender Sender
	events notify.Publisher
	clk    clock.Clock
	logger *slog.Logger
}

// NewMachine creates a machine. Pass nil logger for default.
func NewMachine(st Store, sender Sender, events notify.Publisher, clk clock.Clock, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Machine{
		store:  st,
		sender: sender,
		events: events,
		clk:    clk,
		logger: logger.With("component", "ticket"),
	}
}

// FindOrCreate returns the single non-closed ticket for the triple, reviving
// a recently closed one as pending, or creating a fresh pending ticket with
// its tracking row.
func (m *Machine) FindOrCreate(ctx context.Context, tenantID, contactID, connectionID int64) (*store.Ticket, error) {
	t, err := m.store.FindOpenTicket(ctx, tenantID, contactID, connectionID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding open ticket: %w", err)
	}

	now := m.clk.Now()

	latest, err := m.store.FindLatestTicket(ctx, tenantID, contactID, connectionID)
	if err == nil && latest.Status == store.TicketClosed && now.Sub(latest.UpdatedAt) < reopenWindow {
		latest.Status = store.TicketPending
		latest.AgentID = nil
		latest.ChatbotEnabled = false
		latest.CurrentOptionID = nil
		if err := m.store.UpdateTicket(ctx, latest); err != nil {
			return nil, fmt.Errorf("reopening ticket: %w", err)
		}
		m.publish(latest, store.TicketClosed, false)
		m.logger.Info("ticket reopened", "ticket_id", latest.ID, "tenant_id", tenantID)
		return latest, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding latest ticket: %w", err)
	}

	t = &store.Ticket{
		TenantID:     tenantID,
		ContactID:    contactID,
		ConnectionID: connectionID,
		Status:       store.TicketPending,
	}
	if err := m.store.CreateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}
	if err := m.store.CreateTracking(ctx, &store.TicketTracking{
		TicketID:     t.ID,
		ConnectionID: connectionID,
		QueuedAt:     &now,
	}); err != nil {
		return nil, fmt.Errorf("creating tracking: %w", err)
	}
	m.publish(t, "", false)
	m.logger.Info("ticket created", "ticket_id", t.ID, "tenant_id", tenantID)
	return t, nil
}

// Apply mutates a ticket per the update, handling the close path's rating
// sub-state and completion message, and stamping the tracking row on every
// status transition. Returns the updated ticket.
func (m *Machine) Apply(ctx context.Context, ticketID int64, u Update) (*store.Ticket, error) {
	t, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("loading ticket: %w", err)
	}
	tr, err := m.store.GetTracking(ctx, ticketID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading tracking: %w", err)
	}

	oldStatus := t.Status
	oldAgent := t.AgentID
	now := m.clk.Now()

	if u.Status == store.TicketClosed {
		return m.close(ctx, t, tr, u)
	}

	if u.SetQueue {
		if changed(t.QueueID, u.QueueID) {
			if t.QueueID != nil && u.QueueID != nil {
				if err := m.sender.SendTicketText(ctx, t.ID, msgTransferred); err != nil {
					m.logger.Warn("sending transfer notice", "ticket_id", t.ID, "error", err)
				}
			}
			if tr != nil {
				tr.QueuedAt = &now
			}
		}
		t.QueueID = u.QueueID
	}
	if u.SetAgent {
		t.AgentID = u.AgentID
	}
	if u.SetChatbot {
		t.ChatbotEnabled = u.ChatbotEnabled
	}
	if u.SetOption {
		t.CurrentOptionID = u.CurrentOptionID
	}

	if u.Status != "" && u.Status != t.Status {
		switch u.Status {
		case store.TicketOpen:
			t.UnreadMessages = 0
			if tr != nil {
				tr.StartedAt = &now
				tr.AgentID = t.AgentID
				tr.QueueID = t.QueueID
				tr.RatingRequestedAt = nil
				tr.Rated = false
			}
		case store.TicketPending:
			if tr != nil {
				tr.QueuedAt = &now
				tr.StartedAt = nil
				tr.AgentID = nil
			}
		}
		t.Status = u.Status
	}

	if err := m.store.UpdateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("updating ticket: %w", err)
	}
	if tr != nil {
		if err := m.store.UpdateTracking(ctx, tr); err != nil {
			return nil, fmt.Errorf("updating tracking: %w", err)
		}
	}

	m.publish(t, oldStatus, changed(oldAgent, t.AgentID))
	return t, nil
}

// close handles the transition into closed, diverting into the rating
// sub-state when the tenant has ratings enabled and the conversation was
// handled by an agent. A closed ticket keeps no queue or agent assignment.
func (m *Machine) close(ctx context.Context, t *store.Ticket, tr *store.TicketTracking, u Update) (*store.Ticket, error) {
	conn, err := m.store.GetConnection(ctx, t.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}

	oldStatus := t.Status
	oldAgent := t.AgentID
	now := m.clk.Now()

	if !u.SkipRating && m.ratingEnabled(ctx, t.TenantID) &&
		t.AgentID != nil && tr != nil && tr.RatingRequestedAt == nil {
		prompt := ratingTrailer
		if conn.RatingMessage != "" {
			prompt = conn.RatingMessage + "\n\n" + ratingTrailer
		}
		if err := m.sender.SendTicketText(ctx, t.ID, prompt); err != nil {
			return nil, fmt.Errorf("sending rating prompt: %w", err)
		}
		tr.RatingRequestedAt = &now
		if err := m.store.UpdateTracking(ctx, tr); err != nil {
			return nil, fmt.Errorf("updating tracking: %w", err)
		}
		t.ChatbotEnabled = false
		if err := m.store.UpdateTicket(ctx, t); err != nil {
			return nil, fmt.Errorf("updating ticket: %w", err)
		}
		m.publish(t, oldStatus, false)
		m.logger.Info("rating requested", "ticket_id", t.ID)
		return t, nil
	}

	if !u.SkipFarewell && conn.CompletionMessage != "" {
		if err := m.sender.SendTicketText(ctx, t.ID, conn.CompletionMessage); err != nil {
			m.logger.Warn("sending completion message", "ticket_id", t.ID, "error", err)
		}
	}

	t.Status = store.TicketClosed
	t.ChatbotEnabled = false
	t.CurrentOptionID = nil
	t.QueueID = nil
	t.AgentID = nil
	if err := m.store.UpdateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("updating ticket: %w", err)
	}
	if tr != nil {
		tr.FinishedAt = &now
		if err := m.store.UpdateTracking(ctx, tr); err != nil {
			return nil, fmt.Errorf("updating tracking: %w", err)
		}
	}

	m.publish(t, oldStatus, changed(oldAgent, t.AgentID))
	m.logger.Info("ticket closed", "ticket_id", t.ID)
	return t, nil
}

// HandleRating consumes a contact's reply while the ticket sits in the
// rating sub-state. Any digit in the reply is accepted and clamped to 1..3;
// a reply without digits is ignored. The ticket is closed either way once a
// rating lands.
func (m *Machine) HandleRating(ctx context.Context, t *store.Ticket, body string) (bool, error) {
	tr, err := m.store.GetTracking(ctx, t.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("loading tracking: %w", err)
	}
	if tr.RatingRequestedAt == nil || tr.FinishedAt != nil || tr.Rated {
		return false, nil
	}

	rate, ok := firstDigit(body)
	if !ok {
		return false, nil
	}
	if rate < 1 {
		rate = 1
	}
	if rate > 3 {
		rate = 3
	}

	agentID := int64(0)
	if t.AgentID != nil {
		agentID = *t.AgentID
	}
	if err := m.store.CreateRating(ctx, &store.Rating{
		TicketID: t.ID,
		TenantID: t.TenantID,
		AgentID:  agentID,
		Rate:     rate,
	}); err != nil {
		return false, fmt.Errorf("storing rating: %w", err)
	}

	tr.Rated = true
	if err := m.store.UpdateTracking(ctx, tr); err != nil {
		return false, fmt.Errorf("updating tracking: %w", err)
	}

	if _, err := m.Apply(ctx, t.ID, Update{
		Status:     store.TicketClosed,
		SkipRating: true,
	}); err != nil {
		return false, fmt.Errorf("closing rated ticket: %w", err)
	}

	m.logger.Info("rating stored", "ticket_id", t.ID, "rate", rate)
	return true, nil
}

// AwaitingRating reports whether the ticket sits in the rating sub-state.
func (m *Machine) AwaitingRating(ctx context.Context, ticketID int64) (bool, error) {
	tr, err := m.store.GetTracking(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading tracking: %w", err)
	}
	return tr.RatingRequestedAt != nil && tr.FinishedAt == nil && !tr.Rated, nil
}

// SweepPendingRatings force-closes tickets whose rating prompt went
// unanswered past the timeout. No farewell, no second prompt.
func (m *Machine) SweepPendingRatings(ctx context.Context, timeout time.Duration) error {
	cutoff := m.clk.Now().Add(-timeout)
	pending, err := m.store.ListPendingRatings(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing pending ratings: %w", err)
	}
	for _, tr := range pending {
		if _, err := m.Apply(ctx, tr.TicketID, Update{
			Status:       store.TicketClosed,
			SkipRating:   true,
			SkipFarewell: true,
		}); err != nil {
			m.logger.Error("force-closing unrated ticket", "ticket_id", tr.TicketID, "error", err)
			continue
		}
		m.logger.Info("unrated ticket closed by sweep", "ticket_id", tr.TicketID)
	}
	return nil
}

// ratingEnabled checks the tenant's userRating setting. Missing means
// disabled.
func (m *Machine) ratingEnabled(ctx context.Context, tenantID int64) bool {
	v, err := m.store.GetSetting(ctx, tenantID, store.SettingUserRating)
	if err != nil {
		return false
	}
	return v == "enabled"
}

// publish notifies the tenant's subscribers. A status or agent change
// additionally emits a delete on the old bucket so clients drop the stale
// row from the list it no longer belongs to.
func (m *Machine) publish(t *store.Ticket, oldStatus string, agentChanged bool) {
	channel := notify.TicketChannel(t.TenantID)
	if oldStatus != "" && (oldStatus != t.Status || agentChanged) {
		m.events.Publish(channel, notify.Event{
			Action:  notify.ActionDelete,
			Bucket:  oldStatus,
			Payload: t.ID,
		})
	}
	m.events.Publish(channel, notify.Event{
		Action:  notify.ActionUpdate,
		Bucket:  t.Status,
		Payload: t,
	})
}

// firstDigit extracts the first decimal digit anywhere in the reply.
func firstDigit(body string) (int, bool) {
	for _, r := range strings.TrimSpace(body) {
		if r >= '0' && r <= '9' {
			return int(r - '0'), true
		}
	}
	return 0, false
}

// changed compares two optional ids.
func changed(a, b *int64) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	return *a != *b
}
