// ABOUTME: Store interface and data types for routeflow persistence
// ABOUTME: Defines Connection, Ticket, Queue and related entities plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when storing a message whose wire id was
// already stored for the same tenant. Callers rely on this for idempotent
// message ingestion.
var ErrDuplicateMessage = errors.New("message already exists")

// ErrNoDefaultConnection is returned when a tenant has no default connection
// and no connected fallback. This is a configuration error and is not retried.
var ErrNoDefaultConnection = errors.New("no default connection for tenant")

// Connection status values
const (
	ConnectionOpening      = "opening"
	ConnectionConnecting   = "connecting"
	ConnectionQRCode       = "qrcode"
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// Ticket status values
const (
	TicketPending = "pending"
	TicketOpen    = "open"
	TicketClosed  = "closed"
)

// Menu render modes
const (
	RenderText    = "text"
	RenderList    = "list"
	RenderButtons = "buttons"
)

// Schedule status values
const (
	SchedulePending   = "pending"
	ScheduleScheduled = "scheduled"
	ScheduleSent      = "sent"
	ScheduleError     = "error"
)

// Setting keys consumed by the routing engine
const (
	SettingUserRating    = "userRating"    // "enabled" | "disabled"
	SettingScheduleType  = "scheduleType"  // "disabled" | "company" | "queue"
	SettingQueueMenuMode = "queueMenuMode" // "text" | "list" | "buttons"
)

// Connection is one tenant's identity on the external messaging network.
// Owned by the session lifecycle manager; only it mutates status and proxy
// linkage.
type Connection struct {
	ID                 int64
	TenantID           int64
	Name               string
	Status             string
	IsDefault          bool
	ProxyURI           *string
	ProxyAssignedAt    *time.Time
	MessagesSinceProxy int64
	QRRetries          int
	GreetingMessage    string
	FarewellMessage    string
	CompletionMessage  string
	RatingMessage      string
	OutOfHoursMessage  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Proxy is an outbound egress endpoint shared across connections.
// ActiveConnections is a soft capacity hint, never a hard limit.
type Proxy struct {
	ID                int64
	URI               string
	ActiveConnections int
	CreatedAt         time.Time
}

// Contact is a remote party on the messaging network.
type Contact struct {
	ID            int64
	TenantID      int64
	Number        string
	Name          string
	IsGroup       bool
	ProfilePicURL string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ticket is one active or historical conversation between a tenant and a
// contact. At most one non-closed ticket exists per
// (tenant, contact, connection). Tickets are never deleted, only closed.
type Ticket struct {
	ID               int64
	TenantID         int64
	ContactID        int64
	ConnectionID     int64
	Status           string
	QueueID          *int64
	AgentID          *int64
	ChatbotEnabled   bool
	CurrentOptionID  *int64
	LastMessage      string
	UnreadMessages   int
	LastOutOfHoursAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TicketTracking is the 1:1 timing satellite of a ticket.
type TicketTracking struct {
	ID                int64
	TicketID          int64
	ConnectionID      int64
	QueueID           *int64
	AgentID           *int64
	QueuedAt          *time.Time
	StartedAt         *time.Time
	RatingRequestedAt *time.Time
	FinishedAt        *time.Time
	Rated             bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HoursWindow is one weekly business-hours window for a queue.
// Times are "HH:MM" in the server's local time.
type HoursWindow struct {
	Weekday   string `json:"weekday" yaml:"weekday"` // "monday".."sunday", lowercase
	StartTime string `json:"startTime" yaml:"start_time"`
	EndTime   string `json:"endTime" yaml:"end_time"`
}

// Queue is a tenant-defined routing bucket with an attached chatbot tree.
type Queue struct {
	ID                int64
	TenantID          int64
	Name              string
	GreetingMessage   string
	OutOfHoursMessage string
	RenderMode        string // text | list | buttons
	Hours             []HoursWindow
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// QueueOption is one node in a queue's chatbot menu tree. A nil ParentID
// marks a root node. Nodes are configuration data, read-only at runtime.
type QueueOption struct {
	ID             int64
	QueueID        int64
	ParentID       *int64
	Selector       string // key the customer types in text mode ("1", "2", ...)
	Title          string
	Message        string
	Finalize       bool
	WaitForAgent   bool
	AttachmentPath *string
	CreatedAt      time.Time
}

// Rating is a post-conversation rating left by a contact, clamped to 1..3.
type Rating struct {
	ID        int64
	TicketID  int64
	TenantID  int64
	AgentID   int64
	Rate      int
	CreatedAt time.Time
}

// Message is one message on a ticket. ID is the wire-level message id; the
// (id, tenant) pair is unique so re-delivery never stores a duplicate.
type Message struct {
	ID        string
	TenantID  int64
	TicketID  int64
	ContactID *int64
	Body      string
	FromMe    bool
	MediaPath *string
	MediaType *string
	Ack       int
	CreatedAt time.Time
}

// Schedule is a message queued for delivery at a future time.
type Schedule struct {
	ID        int64
	TenantID  int64
	ContactID int64
	Body      string
	SendAt    time.Time
	SentAt    *time.Time
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the persistence operations used by the routing engine.
type Store interface {
	// Connections
	CreateConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, id int64) (*Connection, error)
	GetDefaultConnection(ctx context.Context, tenantID int64) (*Connection, error)
	ListConnections(ctx context.Context) ([]*Connection, error)
	UpdateConnection(ctx context.Context, c *Connection) error
	IncrementConnectionMessages(ctx context.Context, id int64) (int64, error)
	ListOverusedConnections(ctx context.Context, threshold int64) ([]*Connection, error)

	// Proxies
	CreateProxy(ctx context.Context, p *Proxy) error
	PickRandomProxy(ctx context.Context, excludeURI string) (*Proxy, error)
	AdjustProxyConnections(ctx context.Context, uri string, delta int) error
	ResetProxyConnections(ctx context.Context) error

	// Contacts
	UpsertContact(ctx context.Context, c *Contact) (*Contact, error)
	GetContact(ctx context.Context, id int64) (*Contact, error)
	UpdateContactPicture(ctx context.Context, id int64, url string) error

	// Tickets
	CreateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id int64) (*Ticket, error)
	FindOpenTicket(ctx context.Context, tenantID, contactID, connectionID int64) (*Ticket, error)
	FindLatestTicket(ctx context.Context, tenantID, contactID, connectionID int64) (*Ticket, error)
	UpdateTicket(ctx context.Context, t *Ticket) error

	// Ticket tracking
	CreateTracking(ctx context.Context, tr *TicketTracking) error
	GetTracking(ctx context.Context, ticketID int64) (*TicketTracking, error)
	UpdateTracking(ctx context.Context, tr *TicketTracking) error
	ListPendingRatings(ctx context.Context, requestedBefore time.Time) ([]*TicketTracking, error)

	// Queues and chatbot option trees
	CreateQueue(ctx context.Context, q *Queue) error
	GetQueue(ctx context.Context, id int64) (*Queue, error)
	ListQueues(ctx context.Context, tenantID int64) ([]*Queue, error)
	ListConnectionQueues(ctx context.Context, connectionID int64) ([]*Queue, error)
	BindQueue(ctx context.Context, connectionID, queueID int64) error
	CreateQueueOption(ctx context.Context, o *QueueOption) error
	GetQueueOption(ctx context.Context, id int64) (*QueueOption, error)
	ListRootOptions(ctx context.Context, queueID int64) ([]*QueueOption, error)
	ListChildOptions(ctx context.Context, parentID int64) ([]*QueueOption, error)
	FindRootOptionBySelector(ctx context.Context, queueID int64, selector string) (*QueueOption, error)
	FindChildOptionBySelector(ctx context.Context, parentID int64, selector string) (*QueueOption, error)

	// Ratings
	CreateRating(ctx context.Context, r *Rating) error

	// Messages
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string, tenantID int64) (*Message, error)
	GetLastOutboundMessage(ctx context.Context, ticketID int64) (*Message, error)
	UpdateMessageAck(ctx context.Context, id string, tenantID int64, ack int) (*Message, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error
	ListDueSchedules(ctx context.Context, from, to time.Time) ([]*Schedule, error)

	// Settings
	GetSetting(ctx context.Context, tenantID int64, key string) (string, error)
	SetSetting(ctx context.Context, tenantID int64, key, value string) error

	Close() error
}
