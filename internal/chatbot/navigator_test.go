// ABOUTME: Tests for the chatbot navigator
// ABOUTME: Covers queue entry, tree navigation, control keys and out-of-hours handling

package chatbot

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/ticket"
	"github.com/hublia/routeflow/internal/wire"
)

type recordingSender struct {
	mu       sync.Mutex
	payloads []wire.Payload
}

func (r *recordingSender) SendTicketText(_ context.Context, _ int64, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, wire.TextPayload{Body: body})
	return nil
}

func (r *recordingSender) SendTicketPayload(_ context.Context, _ int64, p wire.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingSender) all() []wire.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Payload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func (r *recordingSender) texts() []string {
	var out []string
	for _, p := range r.all() {
		if t, ok := p.(wire.TextPayload); ok {
			out = append(out, t.Body)
		}
	}
	return out
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, notify.Event) {}

type fixture struct {
	store  *store.SQLiteStore
	sender *recordingSender
	clk    *clock.Fake
	nav    *Navigator
	conn   *store.Connection
}

// Feb 1 2026 is a Sunday.
var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conn := &store.Connection{
		TenantID:          1,
		Name:              "main",
		Status:            store.ConnectionConnected,
		GreetingMessage:   "Welcome! Pick a department:",
		OutOfHoursMessage: "We are closed right now.",
	}
	require.NoError(t, st.CreateConnection(context.Background(), conn))

	sender := &recordingSender{}
	clk := clock.NewFake(testNow)
	machine := ticket.NewMachine(st, sender, nopPublisher{}, clk, nil)
	return &fixture{
		store:  st,
		sender: sender,
		clk:    clk,
		nav:    NewNavigator(st, machine, sender, clk, nil),
		conn:   conn,
	}
}

func (f *fixture) addQueue(t *testing.T, q *store.Queue) *store.Queue {
	t.Helper()
	q.TenantID = 1
	if q.RenderMode == "" {
		q.RenderMode = store.RenderText
	}
	require.NoError(t, f.store.CreateQueue(context.Background(), q))
	require.NoError(t, f.store.BindQueue(context.Background(), f.conn.ID, q.ID))
	return q
}

func (f *fixture) addOption(t *testing.T, o *store.QueueOption) *store.QueueOption {
	t.Helper()
	require.NoError(t, f.store.CreateQueueOption(context.Background(), o))
	return o
}

func (f *fixture) newTicket(t *testing.T) *store.Ticket {
	t.Helper()
	tk := &store.Ticket{
		TenantID:     1,
		ContactID:    10,
		ConnectionID: f.conn.ID,
		Status:       store.TicketPending,
	}
	require.NoError(t, f.store.CreateTicket(context.Background(), tk))
	require.NoError(t, f.store.CreateTracking(context.Background(), &store.TicketTracking{
		TicketID:     tk.ID,
		ConnectionID: f.conn.ID,
	}))
	return tk
}

func TestSingleQueueAutoAssigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support", GreetingMessage: "Hi from support"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hello"))

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueueID)
	assert.Equal(t, q.ID, *got.QueueID)
	assert.False(t, got.ChatbotEnabled, "no options means no chatbot")
	assert.Contains(t, f.sender.texts(), "Hi from support")
}

func TestQueueMenuAndSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addQueue(t, &store.Queue{Name: "Support"})
	sales := f.addQueue(t, &store.Queue{Name: "Sales"})
	tk := f.newTicket(t)

	// First message shows the numbered menu under the greeting.
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hello"))
	texts := f.sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Welcome! Pick a department:")
	assert.Contains(t, texts[0], "[ 1 ] - Support")
	assert.Contains(t, texts[0], "[ 2 ] - Sales")

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.QueueID)

	// The reply picks by 1-based position.
	require.NoError(t, f.nav.HandleInbound(ctx, got, f.conn, "2"))
	got, err = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueueID)
	assert.Equal(t, sales.ID, *got.QueueID)
}

func TestQueueWithOptionsStartsChatbot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support", GreetingMessage: "How can we help?"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "2", Title: "Tech"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hello"))

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, got.ChatbotEnabled)

	texts := f.sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "How can we help?")
	assert.Contains(t, texts[0], "[ 1 ] - Billing")
	assert.Contains(t, texts[0], labelAgent)
	assert.Contains(t, texts[0], labelMainMenu)
}

func TestNavigateIntoBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support"})
	root := f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing", Message: "Billing topics:"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &root.ID, Selector: "1", Title: "Invoices"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &root.ID, Selector: "2", Title: "Refunds"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	f.sender.reset()

	tk, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "1"))

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentOptionID)
	assert.Equal(t, root.ID, *got.CurrentOptionID)

	texts := f.sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Billing topics:")
	assert.Contains(t, texts[0], "[ 1 ] - Invoices")
	assert.Contains(t, texts[0], "[ 2 ] - Refunds")
}

func TestControlKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support", GreetingMessage: "Menu:"})
	root := f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing", Message: "Billing topics:"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &root.ID, Selector: "1", Title: "Invoices"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &root.ID, Selector: "2", Title: "Refunds"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "1"))

	// "0" moves back to the root menu.
	f.sender.reset()
	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "0"))
	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentOptionID)
	texts := f.sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Menu:")

	// "00" resets to the root menu from anywhere.
	require.NoError(t, f.nav.HandleInbound(ctx, got, f.conn, "1"))
	f.sender.reset()
	got, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, got, f.conn, "00"))
	got, err = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentOptionID)

	// "#" hands off to an agent, silences the bot and tells the contact.
	f.sender.reset()
	require.NoError(t, f.nav.HandleInbound(ctx, got, f.conn, "#"))
	got, err = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, got.ChatbotEnabled)
	assert.Equal(t, []string{msgWaitAgent}, f.sender.texts())
}

func TestSingleChildAutoAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support"})
	root := f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing"})
	mid := f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &root.ID, Selector: "1", Title: "Invoices", Message: "Invoice help:"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &mid.ID, Selector: "1", Title: "Download"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &mid.ID, Selector: "2", Title: "Dispute"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	f.sender.reset()

	// Picking "1" lands on mid directly: root's only child is skipped past.
	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "1"))
	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentOptionID)
	assert.Equal(t, mid.ID, *got.CurrentOptionID)

	texts := f.sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Invoice help:")
	assert.Contains(t, texts[0], "[ 1 ] - Download")
}

func TestFinalizeClosesWithoutFarewell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conn.CompletionMessage = "Goodbye from us!"
	require.NoError(t, f.store.UpdateConnection(ctx, f.conn))

	q := f.addQueue(t, &store.Queue{Name: "Support"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "FAQ", Message: "Here is our FAQ.", Finalize: true})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "2", Title: "Other"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	f.sender.reset()

	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "1"))

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TicketClosed, got.Status)

	texts := f.sender.texts()
	assert.Contains(t, texts, "Here is our FAQ.")
	assert.NotContains(t, texts, "Goodbye from us!")
}

func TestWaitForAgentParksTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Human", Message: "An agent will be with you.", WaitForAgent: true})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "2", Title: "Other"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	f.sender.reset()

	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "1"))

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TicketPending, got.Status)
	assert.False(t, got.ChatbotEnabled)
	assert.Nil(t, got.CurrentOptionID)
	assert.Contains(t, f.sender.texts(), "An agent will be with you.")
}

func TestWaitForAgentDefaultNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Human", WaitForAgent: true})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "2", Title: "Other"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	f.sender.reset()

	// The node has no message of its own, so the contact still hears back.
	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "1"))

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, got.ChatbotEnabled)
	assert.Equal(t, []string{msgWaitAgent}, f.sender.texts())
}

func TestInvalidInputRepresentsMenu(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support", GreetingMessage: "Menu:"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "2", Title: "Tech"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	f.sender.reset()

	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "banana"))

	texts := f.sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "[ 1 ] - Billing")
	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentOptionID)
}

func TestListModeMatchesByOptionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support", RenderMode: store.RenderList})
	opt := f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing", Message: "Billing topics:"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "2", Title: "Tech"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &opt.ID, Selector: "1", Title: "Invoices"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, ParentID: &opt.ID, Selector: "2", Title: "Refunds"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))

	// The root menu is a single list payload keyed by option id.
	var list wire.ListPayload
	found := false
	for _, p := range f.sender.all() {
		if l, ok := p.(wire.ListPayload); ok {
			list = l
			found = true
		}
	}
	require.True(t, found, "expected a list payload")
	require.GreaterOrEqual(t, len(list.Rows), 2)
	assert.Equal(t, strconv.FormatInt(opt.ID, 10), list.Rows[0].ID)

	// Replying with the tapped row's id advances into the option.
	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, strconv.FormatInt(opt.ID, 10)))
	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentOptionID)
	assert.Equal(t, opt.ID, *got.CurrentOptionID)
}

func TestOutOfHoursDebounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSetting(ctx, 1, store.SettingScheduleType, "company"))
	f.addQueue(t, &store.Queue{Name: "Support", Hours: []store.HoursWindow{
		{Weekday: "monday", StartTime: "08:00", EndTime: "18:00"},
	}})
	tk := f.newTicket(t)

	// Sunday noon is outside monday-only hours.
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hello"))
	assert.Equal(t, []string{"We are closed right now."}, f.sender.texts())

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.QueueID, "out-of-hours must halt queue routing")
	require.NotNil(t, got.LastOutOfHoursAt)

	// Within the debounce window the notice is not repeated.
	f.clk.Advance(time.Minute)
	require.NoError(t, f.nav.HandleInbound(ctx, got, f.conn, "anyone?"))
	assert.Len(t, f.sender.texts(), 1)

	// After the window it goes out again.
	f.clk.Advance(2 * time.Minute)
	got, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, got, f.conn, "hello??"))
	assert.Len(t, f.sender.texts(), 2)
}

func TestWithinHoursRoutesNormally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSetting(ctx, 1, store.SettingScheduleType, "company"))
	q := f.addQueue(t, &store.Queue{Name: "Support", Hours: []store.HoursWindow{
		{Weekday: "sunday", StartTime: "08:00", EndTime: "18:00"},
	}})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hello"))
	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueueID)
	assert.Equal(t, q.ID, *got.QueueID)
	assert.NotContains(t, f.sender.texts(), "We are closed right now.")
}

func TestDuplicateMenuSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQueue(t, &store.Queue{Name: "Support", GreetingMessage: "Menu:"})
	f.addOption(t, &store.QueueOption{QueueID: q.ID, Selector: "1", Title: "Billing"})
	tk := f.newTicket(t)

	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "hi"))
	require.Len(t, f.sender.texts(), 1)
	menu := f.sender.texts()[0]

	// Record the menu as the last outbound message, as the courier would.
	require.NoError(t, f.store.CreateMessage(ctx, &store.Message{
		ID:       "m1",
		TenantID: 1,
		TicketID: tk.ID,
		Body:     menu,
		FromMe:   true,
	}))

	f.sender.reset()
	tk, _ = f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, f.nav.HandleInbound(ctx, tk, f.conn, "garbage"))
	assert.Empty(t, f.sender.all(), "identical menu must not be re-sent")
}

func TestWithinHoursTable(t *testing.T) {
	windows := []store.HoursWindow{
		{Weekday: "sunday", StartTime: "09:00", EndTime: "17:00"},
	}
	assert.True(t, WithinHours(testNow, windows))
	assert.False(t, WithinHours(testNow.Add(6*time.Hour), windows), "17:59 falls outside")
	assert.False(t, WithinHours(testNow.Add(24*time.Hour), windows), "monday is closed")
	assert.True(t, WithinHours(testNow, nil), "no windows means always open")
}

func TestButtonsModeChunksAndControls(t *testing.T) {
	items := []menuItem{
		{key: "1", title: "A"}, {key: "2", title: "B"}, {key: "3", title: "C"},
		{key: "4", title: "D"},
	}
	payloads := renderMenu(store.RenderButtons, "Pick one", items, true)
	require.Len(t, payloads, 3)

	first, ok := payloads[0].(wire.ButtonsPayload)
	require.True(t, ok)
	assert.Equal(t, "Pick one", first.Body)
	assert.Len(t, first.Buttons, 3)

	second, ok := payloads[1].(wire.ButtonsPayload)
	require.True(t, ok)
	assert.Equal(t, moreOptions, second.Body)
	assert.Len(t, second.Buttons, 1)

	trailer, ok := payloads[2].(wire.TextPayload)
	require.True(t, ok)
	assert.True(t, strings.Contains(trailer.Body, labelAgent))
}
