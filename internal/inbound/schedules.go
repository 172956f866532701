// ABOUTME: Scheduled message delivery
// ABOUTME: Sweeps due schedules and sends each on the tenant's default connection

package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/dispatch"
	"github.com/hublia/routeflow/internal/store"
)

// ScheduleStore is the slice of persistence the scheduler needs.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id int64) (*store.Schedule, error)
	UpdateSchedule(ctx context.Context, s *store.Schedule) error
	ListDueSchedules(ctx context.Context, from, to time.Time) ([]*store.Schedule, error)
	GetDefaultConnection(ctx context.Context, tenantID int64) (*store.Connection, error)
}

// TicketResolver finds or opens the conversation a scheduled message lands on.
type TicketResolver interface {
	FindOrCreate(ctx context.Context, tenantID, contactID, connectionID int64) (*store.Ticket, error)
}

// TextSender delivers plain text on a ticket. Satisfied by Courier.
type TextSender interface {
	SendTicketText(ctx context.Context, ticketID int64, body string) error
}

// ScheduledSend is the payload of a send-scheduled job.
type ScheduledSend struct {
	ScheduleID int64
}

// Scheduler moves due schedules through pending -> scheduled -> sent. The
// sweep only claims rows and enqueues; actual delivery runs on the
// send-scheduled worker so one slow send never delays the rest.
type Scheduler struct {
	store   ScheduleStore
	tickets TicketResolver
	sender  TextSender
	jobs    Enqueuer
	clk     clock.Clock
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. Pass nil logger for default.
func NewScheduler(st ScheduleStore, tickets TicketResolver, sender TextSender, jobs Enqueuer, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{
		store:   st,
		tickets: tickets,
		sender:  sender,
		jobs:    jobs,
		clk:     clk,
		logger:  logger.With("component", "schedules"),
	}
}

// HandleSweep is the dispatch handler for the periodic due-schedule sweep.
func (s *Scheduler) HandleSweep(ctx context.Context, _ *dispatch.Job) error {
	due, err := s.store.ListDueSchedules(ctx, time.Time{}, s.clk.Now())
	if err != nil {
		return fmt.Errorf("listing due schedules: %w", err)
	}
	for _, sched := range due {
		sched.Status = store.ScheduleScheduled
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			s.logger.Error("claiming schedule", "schedule_id", sched.ID, "error", err)
			continue
		}
		if _, err := s.jobs.Enqueue(dispatch.KindSendScheduled,
			ScheduledSend{ScheduleID: sched.ID},
			dispatch.WithMaxAttempts(3)); err != nil {
			s.logger.Error("enqueueing scheduled send", "schedule_id", sched.ID, "error", err)
		}
	}
	return nil
}

// HandleSend is the dispatch handler that delivers one claimed schedule.
func (s *Scheduler) HandleSend(ctx context.Context, job *dispatch.Job) error {
	p, ok := job.Payload.(ScheduledSend)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	sched, err := s.store.GetSchedule(ctx, p.ScheduleID)
	if err != nil {
		return fmt.Errorf("loading schedule: %w", err)
	}
	if sched.Status == store.ScheduleSent {
		return nil
	}

	conn, err := s.store.GetDefaultConnection(ctx, sched.TenantID)
	if err != nil {
		s.markError(ctx, sched)
		return fmt.Errorf("resolving connection: %w", err)
	}
	tk, err := s.tickets.FindOrCreate(ctx, sched.TenantID, sched.ContactID, conn.ID)
	if err != nil {
		s.markError(ctx, sched)
		return fmt.Errorf("resolving ticket: %w", err)
	}
	if err := s.sender.SendTicketText(ctx, tk.ID, sched.Body); err != nil {
		s.markError(ctx, sched)
		return fmt.Errorf("sending scheduled message: %w", err)
	}

	now := s.clk.Now()
	sched.Status = store.ScheduleSent
	sched.SentAt = &now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("marking schedule sent: %w", err)
	}
	s.logger.Info("scheduled message sent", "schedule_id", sched.ID, "ticket_id", tk.ID)
	return nil
}

func (s *Scheduler) markError(ctx context.Context, sched *store.Schedule) {
	sched.Status = store.ScheduleError
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("marking schedule errored", "schedule_id", sched.ID, "error", err)
	}
}
