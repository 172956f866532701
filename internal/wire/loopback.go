// ABOUTME: In-memory loopback driver for local development and tests
// ABOUTME: Connects instantly and records outbound payloads for inspection

package wire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

func init() {
	Register("loopback", loopbackDriver{})
}

type loopbackDriver struct{}

func (loopbackDriver) Open(cfg SessionConfig) (Client, error) {
	return NewLoopback(cfg), nil
}

// SentMessage is one payload captured by a loopback client.
type SentMessage struct {
	JID     string
	Payload Payload
}

// Loopback is a wire client that never leaves the process. Connect reports
// connected immediately; Send records payloads; Inject feeds events to the
// consumer as if the network had produced them.
type Loopback struct {
	cfg    SessionConfig
	events chan Event

	mu       sync.Mutex
	sent     []SentMessage
	media    map[string][]byte
	pictures map[string]string
	closed   bool
}

// NewLoopback creates an unconnected loopback client.
func NewLoopback(cfg SessionConfig) *Loopback {
	return &Loopback{
		cfg:      cfg,
		events:   make(chan Event, 64),
		media:    make(map[string][]byte),
		pictures: make(map[string]string),
	}
}

func (l *Loopback) Connect(ctx context.Context) error {
	l.Inject(StateChanged{State: StateConnected})
	return nil
}

func (l *Loopback) Send(ctx context.Context, jid string, payload Payload) (MessageHandle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return MessageHandle{}, fmt.Errorf("loopback client closed")
	}
	l.sent = append(l.sent, SentMessage{JID: jid, Payload: payload})
	l.mu.Unlock()

	return MessageHandle{ID: uuid.New().String(), Timestamp: time.Now()}, nil
}

func (l *Loopback) Events() <-chan Event {
	return l.events
}

func (l *Loopback) DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.media[messageID]
	if !ok {
		return nil, "", fmt.Errorf("no media for message %s", messageID)
	}
	return data, "application/octet-stream", nil
}

func (l *Loopback) ProfilePicture(ctx context.Context, jid string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pictures[jid], nil
}

func (l *Loopback) Logout(ctx context.Context) error {
	l.Inject(StateChanged{State: StateLoggedOut})
	return l.Close()
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	return nil
}

// Inject delivers an event to the consumer. Dropped silently once closed.
func (l *Loopback) Inject(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}

// StorePicture registers an avatar URL returned by ProfilePicture.
func (l *Loopback) StorePicture(jid, url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pictures[jid] = url
}

// StoreMedia registers bytes returned by a later DownloadMedia call.
func (l *Loopback) StoreMedia(messageID string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.media[messageID] = data
}

// Sent returns a copy of the captured outbound payloads.
func (l *Loopback) Sent() []SentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SentMessage, len(l.sent))
	copy(out, l.sent)
	return out
}
