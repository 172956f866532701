// ABOUTME: Chatbot option-tree navigator and queue entry flow
// ABOUTME: Handles control keys, selector matching, auto-advance and terminal nodes

package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/ticket"
	"github.com/hublia/routeflow/internal/wire"
)

// outOfHoursDebounce suppresses repeat out-of-hours notices on a ticket.
const outOfHoursDebounce = 2 * time.Minute

// Store is the slice of persistence the navigator needs.
type Store interface {
	GetQueue(ctx context.Context, id int64) (*store.Queue, error)
	ListConnectionQueues(ctx context.Context, connectionID int64) ([]*store.Queue, error)
	GetQueueOption(ctx context.Context, id int64) (*store.QueueOption, error)
	ListRootOptions(ctx context.Context, queueID int64) ([]*store.QueueOption, error)
	ListChildOptions(ctx context.Context, parentID int64) ([]*store.QueueOption, error)
	FindRootOptionBySelector(ctx context.Context, queueID int64, selector string) (*store.QueueOption, error)
	FindChildOptionBySelector(ctx context.Context, parentID int64, selector string) (*store.QueueOption, error)
	GetLastOutboundMessage(ctx context.Context, ticketID int64) (*store.Message, error)
	GetSetting(ctx context.Context, tenantID int64, key string) (string, error)
	UpdateTicket(ctx context.Context, t *store.Ticket) error
}

// Sender delivers payloads on a ticket's conversation.
type Sender interface {
	SendTicketText(ctx context.Context, ticketID int64, body string) error
	SendTicketPayload(ctx context.Context, ticketID int64, payload wire.Payload) error
}

// TicketUpdater applies lifecycle mutations. Satisfied by ticket.Machine.
type TicketUpdater interface {
	Apply(ctx context.Context, ticketID int64, u ticket.Update) (*store.Ticket, error)
}

// Navigator drives a contact through queue selection and the queue's option
// tree. It only ever reads tree configuration; all ticket mutations go
// through the ticket machine so notifications stay consistent.
type Navigator struct {
	store   Store
	tickets TicketUpdater
	sender  Sender
	clk     clock.Clock
	logger  *slog.Logger
}

// NewNavigator creates a navigator. Pass nil logger for default.
func NewNavigator(st Store, tickets TicketUpdater, sender Sender, clk clock.Clock, logger *slog.Logger) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Navigator{
		store:   st,
		tickets: tickets,
		sender:  sender,
		clk:     clk,
		logger:  logger.With("component", "chatbot"),
	}
}

// HandleInbound processes one contact message on an unassigned or
// chatbot-driven ticket. Out-of-hours handling runs first; inside hours the
// message either picks a queue or navigates the tree.
func (n *Navigator) HandleInbound(ctx context.Context, t *store.Ticket, conn *store.Connection, body string) error {
	body = strings.TrimSpace(body)

	handled, err := n.handleOutOfHours(ctx, t, conn)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	if t.QueueID == nil {
		return n.verifyQueue(ctx, t, conn, body)
	}
	if t.ChatbotEnabled {
		return n.navigate(ctx, t, body)
	}
	return nil
}

// handleOutOfHours sends the configured notice when the tenant's schedule
// says nobody is available. Repeat notices on the same ticket are debounced.
func (n *Navigator) handleOutOfHours(ctx context.Context, t *store.Ticket, conn *store.Connection) (bool, error) {
	mode, err := n.store.GetSetting(ctx, t.TenantID, store.SettingScheduleType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("loading schedule setting: %w", err)
	}

	now := n.clk.Now()
	var message string

	switch mode {
	case "company":
		// The tenant is open while any bound queue is inside its hours.
		queues, err := n.store.ListConnectionQueues(ctx, conn.ID)
		if err != nil {
			return false, fmt.Errorf("listing queues: %w", err)
		}
		if len(queues) == 0 {
			return false, nil
		}
		for _, q := range queues {
			if WithinHours(now, q.Hours) {
				return false, nil
			}
		}
		message = conn.OutOfHoursMessage

	case "queue":
		if t.QueueID == nil {
			return false, nil
		}
		q, err := n.store.GetQueue(ctx, *t.QueueID)
		if err != nil {
			return false, fmt.Errorf("loading queue: %w", err)
		}
		if WithinHours(now, q.Hours) {
			return false, nil
		}
		message = q.OutOfHoursMessage
		if message == "" {
			message = conn.OutOfHoursMessage
		}

	default:
		return false, nil
	}

	if t.LastOutOfHoursAt != nil && now.Sub(*t.LastOutOfHoursAt) < outOfHoursDebounce {
		return true, nil
	}

	if message != "" {
		if err := n.sender.SendTicketText(ctx, t.ID, message); err != nil {
			return false, fmt.Errorf("sending out-of-hours notice: %w", err)
		}
	}
	t.LastOutOfHoursAt = &now
	if err := n.store.UpdateTicket(ctx, t); err != nil {
		return false, fmt.Errorf("stamping out-of-hours: %w", err)
	}
	n.logger.Info("out-of-hours notice", "ticket_id", t.ID, "mode", mode)
	return true, nil
}

// verifyQueue routes an unassigned ticket. A single bound queue is assigned
// directly; several present a numbered menu and the reply picks by position.
func (n *Navigator) verifyQueue(ctx context.Context, t *store.Ticket, conn *store.Connection, body string) error {
	queues, err := n.store.ListConnectionQueues(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("listing queues: %w", err)
	}
	if len(queues) == 0 {
		return nil
	}

	if len(queues) == 1 {
		return n.assignQueue(ctx, t, queues[0])
	}

	if idx, err := strconv.Atoi(body); err == nil && idx >= 1 && idx <= len(queues) {
		return n.assignQueue(ctx, t, queues[idx-1])
	}

	mode, err := n.store.GetSetting(ctx, t.TenantID, store.SettingQueueMenuMode)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading menu mode: %w", err)
		}
		mode = store.RenderText
	}

	header := conn.GreetingMessage
	if header == "" {
		header = "Choose a department:"
	}
	return n.sendPayloads(ctx, t, renderMenu(mode, header, queueItems(queues), false))
}

// assignQueue binds the ticket to a queue, greets, and starts the tree when
// the queue has one.
func (n *Navigator) assignQueue(ctx context.Context, t *store.Ticket, q *store.Queue) error {
	updated, err := n.tickets.Apply(ctx, t.ID, ticket.Update{SetQueue: true, QueueID: &q.ID})
	if err != nil {
		return fmt.Errorf("assigning queue: %w", err)
	}
	*t = *updated

	roots, err := n.store.ListRootOptions(ctx, q.ID)
	if err != nil {
		return fmt.Errorf("listing root options: %w", err)
	}

	if len(roots) == 0 {
		if q.GreetingMessage != "" {
			return n.sendPayloads(ctx, t, []wire.Payload{wire.TextPayload{Body: q.GreetingMessage}})
		}
		return nil
	}

	updated, err = n.tickets.Apply(ctx, t.ID, ticket.Update{SetChatbot: true, ChatbotEnabled: true})
	if err != nil {
		return fmt.Errorf("enabling chatbot: %w", err)
	}
	*t = *updated

	n.logger.Info("queue assigned", "ticket_id", t.ID, "queue_id", q.ID)
	return n.showRootMenu(ctx, t, q)
}

// navigate processes one reply inside the option tree.
func (n *Navigator) navigate(ctx context.Context, t *store.Ticket, body string) error {
	q, err := n.store.GetQueue(ctx, *t.QueueID)
	if err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}

	switch body {
	case keyAgent:
		_, err := n.tickets.Apply(ctx, t.ID, ticket.Update{
			SetChatbot: true, ChatbotEnabled: false,
			SetOption: true, CurrentOptionID: nil,
		})
		if err != nil {
			return fmt.Errorf("handing off to agent: %w", err)
		}
		if err := n.sender.SendTicketText(ctx, t.ID, msgWaitAgent); err != nil {
			return fmt.Errorf("sending handoff notice: %w", err)
		}
		n.logger.Info("agent handoff", "ticket_id", t.ID)
		return nil

	case keyMainMenu:
		updated, err := n.tickets.Apply(ctx, t.ID, ticket.Update{SetOption: true, CurrentOptionID: nil})
		if err != nil {
			return fmt.Errorf("resetting to root: %w", err)
		}
		*t = *updated
		return n.showRootMenu(ctx, t, q)

	case keyBack:
		if t.CurrentOptionID == nil {
			return n.showRootMenu(ctx, t, q)
		}
		cur, err := n.store.GetQueueOption(ctx, *t.CurrentOptionID)
		if err != nil {
			return fmt.Errorf("loading current option: %w", err)
		}
		updated, err := n.tickets.Apply(ctx, t.ID, ticket.Update{SetOption: true, CurrentOptionID: cur.ParentID})
		if err != nil {
			return fmt.Errorf("moving to parent: %w", err)
		}
		*t = *updated
		if cur.ParentID == nil {
			return n.showRootMenu(ctx, t, q)
		}
		parent, err := n.store.GetQueueOption(ctx, *cur.ParentID)
		if err != nil {
			return fmt.Errorf("loading parent option: %w", err)
		}
		return n.presentNode(ctx, t, q, parent)
	}

	node, err := n.matchReply(ctx, t, q, body)
	if err != nil {
		return err
	}
	if node == nil {
		// Unrecognized reply: show the current level again.
		return n.showCurrentLevel(ctx, t, q)
	}
	return n.enterNode(ctx, t, q, node)
}

// matchReply finds the option the reply selects at the ticket's current
// depth. Text menus match the configured selector; interactive modes match
// the numeric option id carried in the tapped row or button.
func (n *Navigator) matchReply(ctx context.Context, t *store.Ticket, q *store.Queue, body string) (*store.QueueOption, error) {
	if q.RenderMode == store.RenderText {
		var (
			node *store.QueueOption
			err  error
		)
		if t.CurrentOptionID == nil {
			node, err = n.store.FindRootOptionBySelector(ctx, q.ID, body)
		} else {
			node, err = n.store.FindChildOptionBySelector(ctx, *t.CurrentOptionID, body)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("matching selector: %w", err)
		}
		return node, nil
	}

	candidates, err := n.levelOptions(ctx, t, q)
	if err != nil {
		return nil, err
	}
	for _, o := range candidates {
		if strconv.FormatInt(o.ID, 10) == body {
			return o, nil
		}
	}
	return nil, nil
}

// enterNode advances into a matched node, auto-skipping single-child chains
// and handling the terminal kinds.
func (n *Navigator) enterNode(ctx context.Context, t *store.Ticket, q *store.Queue, node *store.QueueOption) error {
	var children []*store.QueueOption
	for {
		if node.Finalize || node.WaitForAgent {
			break
		}
		var err error
		children, err = n.store.ListChildOptions(ctx, node.ID)
		if err != nil {
			return fmt.Errorf("listing children: %w", err)
		}
		if len(children) != 1 {
			break
		}
		node = children[0]
	}

	if node.Finalize {
		if err := n.sendNodeMessage(ctx, t, node, ""); err != nil {
			return err
		}
		if _, err := n.tickets.Apply(ctx, t.ID, ticket.Update{
			Status:       store.TicketClosed,
			SkipFarewell: true,
		}); err != nil {
			return fmt.Errorf("closing finalized ticket: %w", err)
		}
		n.logger.Info("conversation finalized", "ticket_id", t.ID, "option_id", node.ID)
		return nil
	}

	if node.WaitForAgent {
		if err := n.sendNodeMessage(ctx, t, node, msgWaitAgent); err != nil {
			return err
		}
		if _, err := n.tickets.Apply(ctx, t.ID, ticket.Update{
			SetChatbot: true, ChatbotEnabled: false,
			SetOption: true, CurrentOptionID: nil,
		}); err != nil {
			return fmt.Errorf("parking ticket for agent: %w", err)
		}
		n.logger.Info("waiting for agent", "ticket_id", t.ID, "option_id", node.ID)
		return nil
	}

	updated, err := n.tickets.Apply(ctx, t.ID, ticket.Update{SetOption: true, CurrentOptionID: &node.ID})
	if err != nil {
		return fmt.Errorf("advancing to option: %w", err)
	}
	*t = *updated
	return n.presentNodeWithChildren(ctx, t, q, node, children)
}

// levelOptions returns the selectable options at the ticket's current depth.
func (n *Navigator) levelOptions(ctx context.Context, t *store.Ticket, q *store.Queue) ([]*store.QueueOption, error) {
	if t.CurrentOptionID == nil {
		opts, err := n.store.ListRootOptions(ctx, q.ID)
		if err != nil {
			return nil, fmt.Errorf("listing root options: %w", err)
		}
		return opts, nil
	}
	opts, err := n.store.ListChildOptions(ctx, *t.CurrentOptionID)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	return opts, nil
}

// showCurrentLevel re-renders whatever menu the contact is looking at.
func (n *Navigator) showCurrentLevel(ctx context.Context, t *store.Ticket, q *store.Queue) error {
	if t.CurrentOptionID == nil {
		return n.showRootMenu(ctx, t, q)
	}
	cur, err := n.store.GetQueueOption(ctx, *t.CurrentOptionID)
	if err != nil {
		return fmt.Errorf("loading current option: %w", err)
	}
	return n.presentNode(ctx, t, q, cur)
}

// showRootMenu renders the queue's top-level menu.
func (n *Navigator) showRootMenu(ctx context.Context, t *store.Ticket, q *store.Queue) error {
	roots, err := n.store.ListRootOptions(ctx, q.ID)
	if err != nil {
		return fmt.Errorf("listing root options: %w", err)
	}
	header := q.GreetingMessage
	if header == "" {
		header = q.Name
	}
	return n.sendPayloads(ctx, t, renderMenu(q.RenderMode, header, optionItems(q.RenderMode, roots), true))
}

// presentNode renders a node's message plus its children as a menu.
func (n *Navigator) presentNode(ctx context.Context, t *store.Ticket, q *store.Queue, node *store.QueueOption) error {
	children, err := n.store.ListChildOptions(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("listing children: %w", err)
	}
	return n.presentNodeWithChildren(ctx, t, q, node, children)
}

func (n *Navigator) presentNodeWithChildren(ctx context.Context, t *store.Ticket, q *store.Queue, node *store.QueueOption, children []*store.QueueOption) error {
	if node.AttachmentPath != nil {
		if err := n.sender.SendTicketPayload(ctx, t.ID, wire.MediaPayload{
			Path:    *node.AttachmentPath,
			Caption: node.Title,
		}); err != nil {
			return fmt.Errorf("sending attachment: %w", err)
		}
	}

	header := node.Message
	if header == "" {
		header = node.Title
	}
	if len(children) == 0 {
		return n.sendPayloads(ctx, t, renderMenu(q.RenderMode, header, nil, true))
	}
	return n.sendPayloads(ctx, t, renderMenu(q.RenderMode, header, optionItems(q.RenderMode, children), true))
}

// sendNodeMessage delivers a terminal node's attachment and message. When the
// node carries no message the fallback is sent instead, if any.
func (n *Navigator) sendNodeMessage(ctx context.Context, t *store.Ticket, node *store.QueueOption, fallback string) error {
	if node.AttachmentPath != nil {
		if err := n.sender.SendTicketPayload(ctx, t.ID, wire.MediaPayload{
			Path:    *node.AttachmentPath,
			Caption: node.Title,
		}); err != nil {
			return fmt.Errorf("sending attachment: %w", err)
		}
	}
	body := node.Message
	if body == "" {
		body = fallback
	}
	if body == "" {
		return nil
	}
	if err := n.sender.SendTicketText(ctx, t.ID, body); err != nil {
		return fmt.Errorf("sending node message: %w", err)
	}
	return nil
}

// sendPayloads delivers rendered payloads, suppressing a text payload whose
// body exactly matches the last outbound message so loops don't spam.
func (n *Navigator) sendPayloads(ctx context.Context, t *store.Ticket, payloads []wire.Payload) error {
	for _, p := range payloads {
		if text, ok := p.(wire.TextPayload); ok {
			last, err := n.store.GetLastOutboundMessage(ctx, t.ID)
			if err == nil && last.Body == text.Body {
				n.logger.Debug("duplicate outbound suppressed", "ticket_id", t.ID)
				continue
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("checking last outbound: %w", err)
			}
		}
		if err := n.sender.SendTicketPayload(ctx, t.ID, p); err != nil {
			return fmt.Errorf("sending menu payload: %w", err)
		}
	}
	return nil
}
