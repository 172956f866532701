// ABOUTME: Transport contract between the engine and the external messaging network
// ABOUTME: Defines payloads, events, addressing and the pluggable driver registry

package wire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownDriver is returned when opening a driver that was never registered
var ErrUnknownDriver = errors.New("unknown wire driver")

// Zero-width markers prefixed to generated message bodies. The inbound
// pipeline drops anything carrying one, so the engine never reacts to its
// own output echoed back by the network.
const (
	MarkerSelf   = "\u200e"
	MarkerSystem = "\u200c"
)

// Address renders a contact number as a network JID.
func Address(number string, isGroup bool) string {
	if isGroup {
		return number + "@g.us"
	}
	return number + "@s.whatsapp.net"
}

// Payload is the union of message bodies a session can send.
type Payload interface {
	payload()
}

// TextPayload is a plain text message.
type TextPayload struct {
	Body string
}

// Row is one selectable entry in a list message.
type Row struct {
	ID          string
	Title       string
	Description string
}

// ListPayload is an interactive single-select list.
type ListPayload struct {
	Title      string
	Body       string
	ButtonText string
	Rows       []Row
}

// Button is one tappable reply button.
type Button struct {
	ID    string
	Label string
}

// ButtonsPayload is an interactive reply-button message. The network caps
// buttons at three per message; callers split larger menus.
type ButtonsPayload struct {
	Body    string
	Buttons []Button
}

// MediaPayload is a file attachment with an optional caption.
type MediaPayload struct {
	Path    string
	Caption string
}

func (TextPayload) payload()    {}
func (ListPayload) payload()    {}
func (ButtonsPayload) payload() {}
func (MediaPayload) payload()   {}

// MessageHandle identifies a sent message on the wire.
type MessageHandle struct {
	ID        string
	Timestamp time.Time
}

// Session connection states reported by drivers
const (
	StateConnected = "connected"
	StateClosed    = "closed"
	StateLoggedOut = "logged-out"
)

// Event is the union of notifications a driver emits.
type Event interface {
	event()
}

// MessageReceived is an inbound (or echoed outbound) message.
type MessageReceived struct {
	ID         string
	FromNumber string
	FromName   string
	IsGroup    bool
	FromMe     bool
	Body       string
	HasMedia   bool
	Timestamp  time.Time
}

// MessageStatus is a delivery acknowledgement update for a sent message.
type MessageStatus struct {
	ID  string
	Ack int
}

// ContactsSeen carries profile data observed on the wire.
type ContactsSeen struct {
	Contacts []ContactInfo
}

// ContactInfo is one observed contact.
type ContactInfo struct {
	Number  string
	Name    string
	IsGroup bool
}

// QRIssued is a pairing code the operator must scan.
type QRIssued struct {
	Code string
}

// StateChanged reports a connection state transition. Reason distinguishes a
// transient close from an explicit logout.
type StateChanged struct {
	State  string
	Reason string
}

func (MessageReceived) event() {}
func (MessageStatus) event()   {}
func (ContactsSeen) event()    {}
func (QRIssued) event()        {}
func (StateChanged) event()    {}

// Client is one live connection to the external network. Drivers return a
// fresh client per session; the session manager owns its lifecycle.
type Client interface {
	// Connect establishes the connection. Pairing and state progress arrive
	// on Events.
	Connect(ctx context.Context) error
	// Send delivers a payload to the given JID.
	Send(ctx context.Context, jid string, payload Payload) (MessageHandle, error)
	// Events streams driver notifications. The channel closes when the
	// client shuts down.
	Events() <-chan Event
	// DownloadMedia fetches the media attached to a message, returning the
	// raw bytes and a mime type.
	DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error)
	// ProfilePicture resolves the avatar URL for a JID. An empty URL with a
	// nil error means the contact has no picture.
	ProfilePicture(ctx context.Context, jid string) (string, error)
	// Logout invalidates the stored pairing and disconnects.
	Logout(ctx context.Context) error
	// Close disconnects without touching the pairing.
	Close() error
}

// SessionConfig is everything a driver needs to open one session.
type SessionConfig struct {
	ConnectionID   int64
	TenantID       int64
	ProxyURI       string
	CredentialsDir string
}

// Driver opens network clients. Implementations register themselves in an
// init function, mirroring database/sql drivers.
type Driver interface {
	Open(cfg SessionConfig) (Client, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available under the given name. Registering twice
// under one name panics; that is a programming error.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("wire: driver %q registered twice", name))
	}
	drivers[name] = d
}

// Open creates a client using the named driver.
func Open(name string, cfg SessionConfig) (Client, error) {
	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (registered: %v)", ErrUnknownDriver, name, driverNames())
	}
	return d.Open(cfg)
}

func driverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
