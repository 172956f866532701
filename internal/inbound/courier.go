// ABOUTME: Outbound message courier for tickets
// ABOUTME: Resolves ticket to contact to live session, marks generated bodies and persists

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hublia/routeflow/internal/cache"
	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/dispatch"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/session"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/wire"
)

// SessionProvider resolves live sessions. Satisfied by session.Manager.
type SessionProvider interface {
	GetSession(connectionID int64) (*session.Session, error)
}

// CourierStore is the slice of persistence the courier needs.
type CourierStore interface {
	GetTicket(ctx context.Context, id int64) (*store.Ticket, error)
	GetContact(ctx context.Context, id int64) (*store.Contact, error)
	CreateMessage(ctx context.Context, m *store.Message) error
	UpdateTicket(ctx context.Context, t *store.Ticket) error
	IncrementConnectionMessages(ctx context.Context, id int64) (int64, error)
}

// Courier delivers engine-generated messages on a ticket's conversation.
// Text bodies go out prefixed with the self marker so the echo coming back
// from the network is dropped instead of re-entering the pipeline. The
// persisted copy keeps the clean body.
type Courier struct {
	store    CourierStore
	sessions SessionProvider
	events   notify.Publisher
	cache    cache.Cache
	clk      clock.Clock
	logger   *slog.Logger
}

// NewCourier creates a courier. Pass nil logger for default.
func NewCourier(st CourierStore, sessions SessionProvider, events notify.Publisher, c cache.Cache, clk clock.Clock, logger *slog.Logger) *Courier {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Courier{
		store:    st,
		sessions: sessions,
		events:   events,
		cache:    c,
		clk:      clk,
		logger:   logger.With("component", "courier"),
	}
}

// SendTicketText sends a plain text message on a ticket.
func (c *Courier) SendTicketText(ctx context.Context, ticketID int64, body string) error {
	return c.SendTicketPayload(ctx, ticketID, wire.TextPayload{Body: body})
}

// SendTicketPayload sends any payload on a ticket and records it as an
// outbound message.
func (c *Courier) SendTicketPayload(ctx context.Context, ticketID int64, payload wire.Payload) error {
	t, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("loading ticket: %w", err)
	}
	contact, err := c.store.GetContact(ctx, t.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}
	sess, err := c.sessions.GetSession(t.ConnectionID)
	if err != nil {
		return fmt.Errorf("resolving session: %w", err)
	}

	jid := wire.Address(contact.Number, contact.IsGroup)
	body, outgoing := markPayload(payload)

	handle, err := sess.Client.Send(ctx, jid, outgoing)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", jid, err)
	}

	msg := &store.Message{
		ID:        handle.ID,
		TenantID:  t.TenantID,
		TicketID:  t.ID,
		ContactID: &t.ContactID,
		Body:      body,
		FromMe:    true,
		CreatedAt: handle.Timestamp,
	}
	if media, ok := payload.(wire.MediaPayload); ok {
		msg.MediaPath = &media.Path
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		return fmt.Errorf("recording outbound message: %w", err)
	}

	t.LastMessage = body
	if err := c.store.UpdateTicket(ctx, t); err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	if err := c.cache.DelPattern(ctx, cache.TicketPattern(t.TenantID, t.ID)); err != nil {
		c.logger.Warn("invalidating ticket cache", "ticket_id", t.ID, "error", err)
	}
	if _, err := c.store.IncrementConnectionMessages(ctx, t.ConnectionID); err != nil {
		c.logger.Warn("counting relayed message", "connection_id", t.ConnectionID, "error", err)
	}

	c.events.Publish(notify.MessageChannel(t.TenantID), notify.Event{
		Action:  notify.ActionUpdate,
		Bucket:  t.Status,
		Payload: msg,
	})
	return nil
}

// OutboundText is the payload of a send-outbound job.
type OutboundText struct {
	TicketID int64
	Body     string
}

// HandleSendOutbound is the dispatch handler for queued outbound texts.
func (c *Courier) HandleSendOutbound(ctx context.Context, job *dispatch.Job) error {
	p, ok := job.Payload.(OutboundText)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	return c.SendTicketText(ctx, p.TicketID, p.Body)
}

// markPayload returns the loggable body of a payload and the variant that
// actually goes on the wire. Only text carries the self marker; interactive
// payloads are never echoed as plain bodies.
func markPayload(p wire.Payload) (string, wire.Payload) {
	switch v := p.(type) {
	case wire.TextPayload:
		return v.Body, wire.TextPayload{Body: wire.MarkerSelf + v.Body}
	case wire.ListPayload:
		return v.Body, v
	case wire.ButtonsPayload:
		return v.Body, v
	case wire.MediaPayload:
		return v.Caption, v
	default:
		return "", p
	}
}
