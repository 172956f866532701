// ABOUTME: Inbound event pipeline: filter, dedupe, persist, then route
// ABOUTME: Implements the session event sink and the store-inbound job handlers

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hublia/routeflow/internal/cache"
	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/dedupe"
	"github.com/hublia/routeflow/internal/dispatch"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/wire"
)

// unreadsTTL bounds how long a cached unread counter lives without updates.
const unreadsTTL = 24 * time.Hour

// Media downloads race the network's own upload pipeline, so a fresh message
// may not be fetchable yet. Retry with a growing delay before giving up.
const (
	mediaMaxAttempts = 10
	mediaRetryStep   = 500 * time.Millisecond
)

// HandlerStore is the slice of persistence the inbound pipeline needs.
type HandlerStore interface {
	GetConnection(ctx context.Context, id int64) (*store.Connection, error)
	UpsertContact(ctx context.Context, c *store.Contact) (*store.Contact, error)
	UpdateContactPicture(ctx context.Context, id int64, url string) error
	CreateMessage(ctx context.Context, m *store.Message) error
	UpdateMessageAck(ctx context.Context, id string, tenantID int64, ack int) (*store.Message, error)
	UpdateTicket(ctx context.Context, t *store.Ticket) error
	IncrementConnectionMessages(ctx context.Context, id int64) (int64, error)
}

// TicketFlow is the ticket machinery the pipeline drives.
type TicketFlow interface {
	FindOrCreate(ctx context.Context, tenantID, contactID, connectionID int64) (*store.Ticket, error)
	AwaitingRating(ctx context.Context, ticketID int64) (bool, error)
	HandleRating(ctx context.Context, t *store.Ticket, body string) (bool, error)
}

// Router decides what a contact's message does next. Satisfied by
// chatbot.Navigator.
type Router interface {
	HandleInbound(ctx context.Context, t *store.Ticket, conn *store.Connection, body string) error
}

// Enqueuer schedules background jobs. Satisfied by dispatch.Dispatcher.
type Enqueuer interface {
	Enqueue(kind string, payload any, opts ...dispatch.Option) (*dispatch.Job, error)
}

// InboundMessage is the payload of a store-inbound job.
type InboundMessage struct {
	ConnectionID int64
	Event        wire.MessageReceived
}

// ContactSync is the payload of a fetch-contact-picture job.
type ContactSync struct {
	ConnectionID int64
	ContactID    int64
	Number       string
	IsGroup      bool
}

// Handler consumes session events. Message events are deferred to the
// dispatcher so a flood after a reconnect never blocks the session pump;
// delivery acks are cheap and applied inline.
type Handler struct {
	store    HandlerStore
	cache    cache.Cache
	window   *dedupe.Window
	tickets  TicketFlow
	router   Router
	jobs     Enqueuer
	sessions SessionProvider
	events   notify.Publisher
	mediaDir string
	clk      clock.Clock
	logger   *slog.Logger
}

// NewHandler creates the inbound pipeline. Pass nil clock for the system
// clock and nil logger for the default.
func NewHandler(st HandlerStore, c cache.Cache, window *dedupe.Window, tickets TicketFlow, router Router, jobs Enqueuer, sessions SessionProvider, events notify.Publisher, mediaDir string, clk clock.Clock, logger *slog.Logger) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		cache:    c,
		window:   window,
		tickets:  tickets,
		router:   router,
		jobs:     jobs,
		sessions: sessions,
		events:   events,
		mediaDir: mediaDir,
		clk:      clk,
		logger:   logger.With("component", "inbound"),
	}
}

// OnMessage queues the message for the store-inbound worker.
func (h *Handler) OnMessage(ctx context.Context, connectionID int64, ev wire.MessageReceived) {
	_, err := h.jobs.Enqueue(dispatch.KindStoreInbound,
		InboundMessage{ConnectionID: connectionID, Event: ev},
		dispatch.WithMaxAttempts(3))
	if err != nil {
		h.logger.Error("enqueueing inbound message", "connection_id", connectionID, "error", err)
	}
}

// OnStatus applies a delivery ack. Acks never move backwards.
func (h *Handler) OnStatus(ctx context.Context, connectionID int64, ev wire.MessageStatus) {
	conn, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		h.logger.Error("loading connection for ack", "connection_id", connectionID, "error", err)
		return
	}
	msg, err := h.store.UpdateMessageAck(ctx, ev.ID, conn.TenantID, ev.Ack)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("updating ack", "message_id", ev.ID, "error", err)
		}
		return
	}
	h.events.Publish(notify.MessageChannel(conn.TenantID), notify.Event{
		Action:  notify.ActionUpdate,
		Payload: msg,
	})
}

// OnContacts refreshes contact records observed on the wire.
func (h *Handler) OnContacts(ctx context.Context, connectionID int64, ev wire.ContactsSeen) {
	conn, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		h.logger.Error("loading connection for contacts", "connection_id", connectionID, "error", err)
		return
	}
	for _, info := range ev.Contacts {
		contact, err := h.store.UpsertContact(ctx, &store.Contact{
			TenantID: conn.TenantID,
			Number:   info.Number,
			Name:     info.Name,
			IsGroup:  info.IsGroup,
		})
		if err != nil {
			h.logger.Error("upserting contact", "number", info.Number, "error", err)
			continue
		}
		h.enqueuePictureFetch(connectionID, contact)
	}
}

// HandleStoreInbound is the dispatch handler for queued inbound messages.
func (h *Handler) HandleStoreInbound(ctx context.Context, job *dispatch.Job) error {
	p, ok := job.Payload.(InboundMessage)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	return h.process(ctx, p.ConnectionID, p.Event)
}

// process runs the full inbound pipeline for one message.
func (h *Handler) process(ctx context.Context, connectionID int64, ev wire.MessageReceived) error {
	// Engine-generated messages come back around with a zero-width marker;
	// reacting to them would loop the chatbot against itself.
	if strings.HasPrefix(ev.Body, wire.MarkerSelf) || strings.HasPrefix(ev.Body, wire.MarkerSystem) {
		return nil
	}

	conn, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("loading connection: %w", err)
	}

	if h.window.CheckAndMark(dedupe.MessageKey(conn.TenantID, ev.ID)) {
		h.logger.Debug("duplicate delivery dropped", "message_id", ev.ID)
		return nil
	}

	contact, err := h.store.UpsertContact(ctx, &store.Contact{
		TenantID: conn.TenantID,
		Number:   ev.FromNumber,
		Name:     ev.FromName,
		IsGroup:  ev.IsGroup,
	})
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	h.enqueuePictureFetch(connectionID, contact)

	tk, err := h.tickets.FindOrCreate(ctx, conn.TenantID, contact.ID, conn.ID)
	if err != nil {
		return fmt.Errorf("resolving ticket: %w", err)
	}

	if ev.FromMe {
		tk.UnreadMessages = 0
		if err := h.cache.Set(ctx, cache.UnreadsKey(contact.ID), "0", unreadsTTL); err != nil {
			h.logger.Warn("resetting unreads", "contact_id", contact.ID, "error", err)
		}
	} else {
		tk.UnreadMessages++
		if err := h.cache.Set(ctx, cache.UnreadsKey(contact.ID),
			strconv.Itoa(tk.UnreadMessages), unreadsTTL); err != nil {
			h.logger.Warn("caching unreads", "contact_id", contact.ID, "error", err)
		}
	}
	tk.LastMessage = ev.Body
	if err := h.store.UpdateTicket(ctx, tk); err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	if err := h.cache.DelPattern(ctx, cache.TicketPattern(conn.TenantID, tk.ID)); err != nil {
		h.logger.Warn("invalidating ticket cache", "ticket_id", tk.ID, "error", err)
	}

	msg := &store.Message{
		ID:        ev.ID,
		TenantID:  conn.TenantID,
		TicketID:  tk.ID,
		ContactID: &contact.ID,
		Body:      ev.Body,
		FromMe:    ev.FromMe,
		CreatedAt: ev.Timestamp,
	}
	if ev.HasMedia {
		path, mtype, err := h.fetchMedia(ctx, connectionID, conn.TenantID, ev.ID)
		if err != nil {
			h.logger.Warn("fetching media", "message_id", ev.ID, "error", err)
		} else {
			msg.MediaPath = &path
			msg.MediaType = &mtype
		}
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return nil
		}
		return fmt.Errorf("storing message: %w", err)
	}
	h.events.Publish(notify.MessageChannel(conn.TenantID), notify.Event{
		Action:  notify.ActionUpdate,
		Bucket:  tk.Status,
		Payload: msg,
	})
	if _, err := h.store.IncrementConnectionMessages(ctx, conn.ID); err != nil {
		h.logger.Warn("counting relayed message", "connection_id", conn.ID, "error", err)
	}

	// Our own messages and group chatter never drive the bot.
	if ev.FromMe || contact.IsGroup {
		return nil
	}

	awaiting, err := h.tickets.AwaitingRating(ctx, tk.ID)
	if err != nil {
		return fmt.Errorf("checking rating state: %w", err)
	}
	if awaiting {
		handled, err := h.tickets.HandleRating(ctx, tk, ev.Body)
		if err != nil {
			return fmt.Errorf("handling rating: %w", err)
		}
		if handled {
			return nil
		}
	}

	return h.router.HandleInbound(ctx, tk, conn, ev.Body)
}

// HandleFetchContactPicture is the dispatch handler for avatar refreshes.
func (h *Handler) HandleFetchContactPicture(ctx context.Context, job *dispatch.Job) error {
	p, ok := job.Payload.(ContactSync)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	sess, err := h.sessions.GetSession(p.ConnectionID)
	if err != nil {
		return fmt.Errorf("resolving session: %w", err)
	}
	url, err := sess.Client.ProfilePicture(ctx, wire.Address(p.Number, p.IsGroup))
	if err != nil {
		return fmt.Errorf("fetching picture: %w", err)
	}
	if url == "" {
		return nil
	}
	if err := h.store.UpdateContactPicture(ctx, p.ContactID, url); err != nil {
		return fmt.Errorf("updating contact picture: %w", err)
	}
	return nil
}

func (h *Handler) enqueuePictureFetch(connectionID int64, contact *store.Contact) {
	_, err := h.jobs.Enqueue(dispatch.KindFetchContactPic, ContactSync{
		ConnectionID: connectionID,
		ContactID:    contact.ID,
		Number:       contact.Number,
		IsGroup:      contact.IsGroup,
	})
	if err != nil {
		h.logger.Warn("enqueueing picture fetch", "contact_id", contact.ID, "error", err)
	}
}

// fetchMedia downloads a message's attachment into the media directory.
func (h *Handler) fetchMedia(ctx context.Context, connectionID, tenantID int64, messageID string) (string, string, error) {
	sess, err := h.sessions.GetSession(connectionID)
	if err != nil {
		return "", "", fmt.Errorf("resolving session: %w", err)
	}
	var (
		data  []byte
		mtype string
	)
	for attempt := 1; ; attempt++ {
		data, mtype, err = sess.Client.DownloadMedia(ctx, messageID)
		if err == nil {
			break
		}
		if attempt == mediaMaxAttempts {
			return "", "", fmt.Errorf("downloading media after %d attempts: %w", attempt, err)
		}
		h.logger.Debug("media download retry", "message_id", messageID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-h.clk.After(time.Duration(attempt) * mediaRetryStep):
		}
	}

	dir := filepath.Join(h.mediaDir, fmt.Sprintf("tenant-%d", tenantID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating media dir: %w", err)
	}
	path := filepath.Join(dir, messageID+extensionFor(mtype))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("writing media file: %w", err)
	}
	return path, mtype, nil
}

func extensionFor(mtype string) string {
	exts, err := mime.ExtensionsByType(mtype)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
