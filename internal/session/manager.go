// ABOUTME: Session lifecycle manager for connections to the external network
// ABOUTME: Handles pairing retries, reconnects, proxy assignment and degradation

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/wire"
)

// ErrSessionNotInitialized is returned when no live session exists for a
// connection. The manager schedules a background start before returning it,
// so callers can simply retry.
var ErrSessionNotInitialized = errors.New("session not initialized")

// ConnectionStore is the slice of the store the manager needs.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id int64) (*store.Connection, error)
	ListConnections(ctx context.Context) ([]*store.Connection, error)
	UpdateConnection(ctx context.Context, c *store.Connection) error
	ListOverusedConnections(ctx context.Context, threshold int64) ([]*store.Connection, error)
}

// ProxyAllocator hands out egress endpoints.
type ProxyAllocator interface {
	Acquire(ctx context.Context, excludeURI string) (*store.Proxy, error)
	Release(ctx context.Context, uri string) error
}

// EventSink consumes the conversation-level events a session produces.
// Lifecycle events (pairing, state) never reach the sink; the manager
// handles those itself.
type EventSink interface {
	OnMessage(ctx context.Context, connectionID int64, ev wire.MessageReceived)
	OnStatus(ctx context.Context, connectionID int64, ev wire.MessageStatus)
	OnContacts(ctx context.Context, connectionID int64, ev wire.ContactsSeen)
}

// Config tunes the manager.
type Config struct {
	Driver         string
	QRMaxRetries   int
	ReconnectDelay time.Duration
	CredentialsDir string
}

// statusPayload is what session events carry to frontend subscribers.
type statusPayload struct {
	ConnectionID int64  `json:"connectionId"`
	Status       string `json:"status"`
	QRCode       string `json:"qrCode,omitempty"`
	Retries      int    `json:"retries,omitempty"`
}

// Manager owns every live session. It is the only writer of connection
// status and proxy linkage.
type Manager struct {
	cfg      Config
	store    ConnectionStore
	proxies  ProxyAllocator
	events   notify.Publisher
	clk      clock.Clock
	registry *Registry
	logger   *slog.Logger
	holder   sinkHolder

	// stopped holds connections that must not reconnect: explicit logouts
	// and pairing-exhausted sessions. StartSession clears the flag.
	stopped syncSet
}

// NewManager creates a manager. Pass nil logger for default.
func NewManager(cfg Config, st ConnectionStore, proxies ProxyAllocator, events notify.Publisher, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		proxies:  proxies,
		events:   events,
		clk:      clk,
		registry: NewRegistry(),
		logger:   logger.With("component", "session"),
	}
}

// sinkHolder defers the sink binding so the inbound pipeline can be
// constructed after the manager without a dependency cycle.
type sinkHolder struct {
	sink EventSink
}

// SetSink binds the conversation event consumer. Must be called before
// StartAll.
func (m *Manager) SetSink(sink EventSink) {
	m.holder.sink = sink
}

// StartAll starts a session for every known connection. Individual failures
// are logged and skipped so one bad connection doesn't block the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	conns, err := m.store.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("listing connections: %w", err)
	}
	for _, conn := range conns {
		if err := m.StartSession(ctx, conn.ID); err != nil {
			m.logger.Error("starting session", "connection_id", conn.ID, "error", err)
		}
	}
	return nil
}

// StartSession opens (or reopens) the session for one connection. Any
// existing session is closed first. A connection without a proxy gets one
// from the pool when available.
func (m *Manager) StartSession(ctx context.Context, connectionID int64) error {
	m.stopped.clear(connectionID)

	if old := m.registry.Remove(connectionID); old != nil {
		old.Client.Close()
	}

	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("loading connection: %w", err)
	}

	if conn.ProxyURI == nil {
		p, err := m.proxies.Acquire(ctx, "")
		if err != nil {
			return fmt.Errorf("acquiring proxy: %w", err)
		}
		if p != nil {
			now := m.clk.Now()
			conn.ProxyURI = &p.URI
			conn.ProxyAssignedAt = &now
			conn.MessagesSinceProxy = 0
		}
	}

	conn.Status = store.ConnectionOpening
	conn.QRRetries = 0
	if err := m.store.UpdateConnection(ctx, conn); err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	m.publishStatus(conn, "")

	proxyURI := ""
	if conn.ProxyURI != nil {
		proxyURI = *conn.ProxyURI
	}
	client, err := wire.Open(m.cfg.Driver, wire.SessionConfig{
		ConnectionID:   conn.ID,
		TenantID:       conn.TenantID,
		ProxyURI:       proxyURI,
		CredentialsDir: m.credentialsPath(conn.ID),
	})
	if err != nil {
		return fmt.Errorf("opening wire client: %w", err)
	}

	// The client is open but not yet authenticated; report connecting before
	// the pump starts so it cannot overwrite a later state.
	conn.Status = store.ConnectionConnecting
	if err := m.store.UpdateConnection(ctx, conn); err != nil {
		client.Close()
		return fmt.Errorf("updating connection: %w", err)
	}
	m.publishStatus(conn, "")

	sess := &Session{ConnectionID: conn.ID, TenantID: conn.TenantID, Client: client}
	if !m.registry.Add(sess) {
		// Lost a racing start; the winner's pump owns the connection.
		client.Close()
		return nil
	}
	go m.pump(sess)

	if err := client.Connect(ctx); err != nil {
		m.registry.Remove(conn.ID)
		client.Close()
		return fmt.Errorf("connecting: %w", err)
	}

	m.logger.Info("session started", "connection_id", conn.ID, "proxy", proxyURI)
	return nil
}

// GetSession returns the live session for a connection. When none exists the
// manager schedules a background restart and returns
// ErrSessionNotInitialized.
func (m *Manager) GetSession(connectionID int64) (*Session, error) {
	if sess := m.registry.Get(connectionID); sess != nil {
		return sess, nil
	}
	if !m.stopped.has(connectionID) {
		go func() {
			if err := m.StartSession(context.Background(), connectionID); err != nil {
				m.logger.Error("background session start", "connection_id", connectionID, "error", err)
			}
		}()
	}
	return nil, ErrSessionNotInitialized
}

// Logout tears a session down permanently: the pairing is invalidated, the
// credentials purged, the proxy returned. No reconnect happens until the
// next explicit StartSession.
func (m *Manager) Logout(ctx context.Context, connectionID int64) error {
	m.stopped.set(connectionID)

	if sess := m.registry.Remove(connectionID); sess != nil {
		if err := sess.Client.Logout(ctx); err != nil {
			m.logger.Warn("wire logout", "connection_id", connectionID, "error", err)
		}
	}

	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("loading connection: %w", err)
	}
	m.releaseProxy(ctx, conn)
	m.purgeCredentials(conn.ID)

	conn.Status = store.ConnectionDisconnected
	conn.QRRetries = 0
	if err := m.store.UpdateConnection(ctx, conn); err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	m.publishStatus(conn, "")

	m.logger.Info("session logged out", "connection_id", connectionID)
	return nil
}

// DegradeOverused rotates the proxy of every connected session that relayed
// more messages than the threshold since its proxy was assigned. The new
// proxy is always different from the old one; with no alternative the
// session continues without a proxy.
func (m *Manager) DegradeOverused(ctx context.Context, threshold int64) error {
	conns, err := m.store.ListOverusedConnections(ctx, threshold)
	if err != nil {
		return fmt.Errorf("listing overused connections: %w", err)
	}

	for _, conn := range conns {
		oldURI := *conn.ProxyURI
		relayed := conn.MessagesSinceProxy
		if err := m.proxies.Release(ctx, oldURI); err != nil {
			m.logger.Warn("releasing degraded proxy", "connection_id", conn.ID, "error", err)
		}

		p, err := m.proxies.Acquire(ctx, oldURI)
		if err != nil {
			m.logger.Error("acquiring replacement proxy", "connection_id", conn.ID, "error", err)
			continue
		}
		conn.ProxyURI = nil
		conn.ProxyAssignedAt = nil
		conn.MessagesSinceProxy = 0
		if p != nil {
			now := m.clk.Now()
			conn.ProxyURI = &p.URI
			conn.ProxyAssignedAt = &now
		}
		if err := m.store.UpdateConnection(ctx, conn); err != nil {
			m.logger.Error("updating degraded connection", "connection_id", conn.ID, "error", err)
			continue
		}

		m.logger.Info("session degraded", "connection_id", conn.ID,
			"old_proxy", oldURI, "messages", relayed)

		if err := m.StartSession(ctx, conn.ID); err != nil {
			m.logger.Error("restarting degraded session", "connection_id", conn.ID, "error", err)
		}
	}
	return nil
}

// pump consumes one session's events until its channel closes.
func (m *Manager) pump(sess *Session) {
	ctx := context.Background()
	for ev := range sess.Client.Events() {
		switch e := ev.(type) {
		case wire.QRIssued:
			m.handleQR(ctx, sess, e)
		case wire.StateChanged:
			m.handleState(ctx, sess, e)
		case wire.MessageReceived:
			if m.holder.sink != nil {
				m.holder.sink.OnMessage(ctx, sess.ConnectionID, e)
			}
		case wire.MessageStatus:
			if m.holder.sink != nil {
				m.holder.sink.OnStatus(ctx, sess.ConnectionID, e)
			}
		case wire.ContactsSeen:
			if m.holder.sink != nil {
				m.holder.sink.OnContacts(ctx, sess.ConnectionID, e)
			}
		}
	}
}

// handleQR publishes a fresh pairing code, giving up after the retry cap.
func (m *Manager) handleQR(ctx context.Context, sess *Session, ev wire.QRIssued) {
	conn, err := m.store.GetConnection(ctx, sess.ConnectionID)
	if err != nil {
		m.logger.Error("loading connection for QR", "connection_id", sess.ConnectionID, "error", err)
		return
	}

	conn.QRRetries++
	if conn.QRRetries > m.cfg.QRMaxRetries {
		m.logger.Warn("pairing retries exhausted", "connection_id", conn.ID, "retries", conn.QRRetries)
		m.stopped.set(conn.ID)
		if s := m.registry.Remove(conn.ID); s != nil {
			s.Client.Close()
		}
		m.releaseProxy(ctx, conn)
		m.purgeCredentials(conn.ID)
		conn.Status = store.ConnectionDisconnected
		conn.QRRetries = 0
		if err := m.store.UpdateConnection(ctx, conn); err != nil {
			m.logger.Error("updating connection", "connection_id", conn.ID, "error", err)
		}
		m.publishStatus(conn, "")
		return
	}

	conn.Status = store.ConnectionQRCode
	if err := m.store.UpdateConnection(ctx, conn); err != nil {
		m.logger.Error("updating connection", "connection_id", conn.ID, "error", err)
		return
	}
	m.publishStatus(conn, ev.Code)
}

// handleState reacts to connect, transient close and remote logout.
func (m *Manager) handleState(ctx context.Context, sess *Session, ev wire.StateChanged) {
	conn, err := m.store.GetConnection(ctx, sess.ConnectionID)
	if err != nil {
		m.logger.Error("loading connection for state", "connection_id", sess.ConnectionID, "error", err)
		return
	}

	switch ev.State {
	case wire.StateConnected:
		conn.Status = store.ConnectionConnected
		conn.QRRetries = 0
		if err := m.store.UpdateConnection(ctx, conn); err != nil {
			m.logger.Error("updating connection", "connection_id", conn.ID, "error", err)
		}
		m.publishStatus(conn, "")
		m.logger.Info("session connected", "connection_id", conn.ID)

	case wire.StateLoggedOut:
		// Remote unlink. Same cleanup as an explicit logout, but the
		// operator has to re-pair, so no reconnect.
		m.logger.Warn("session logged out remotely", "connection_id", conn.ID, "reason", ev.Reason)
		m.stopped.set(conn.ID)
		if s := m.registry.Remove(conn.ID); s != nil {
			s.Client.Close()
		}
		m.releaseProxy(ctx, conn)
		m.purgeCredentials(conn.ID)
		conn.Status = store.ConnectionDisconnected
		if err := m.store.UpdateConnection(ctx, conn); err != nil {
			m.logger.Error("updating connection", "connection_id", conn.ID, "error", err)
		}
		m.publishStatus(conn, "")

	case wire.StateClosed:
		conn.Status = store.ConnectionDisconnected
		if err := m.store.UpdateConnection(ctx, conn); err != nil {
			m.logger.Error("updating connection", "connection_id", conn.ID, "error", err)
		}
		m.publishStatus(conn, "")

		if m.stopped.has(conn.ID) {
			return
		}
		m.logger.Info("session closed, scheduling reconnect",
			"connection_id", conn.ID, "delay", m.cfg.ReconnectDelay, "reason", ev.Reason)
		go func(id int64) {
			<-m.clk.After(m.cfg.ReconnectDelay)
			if m.stopped.has(id) {
				return
			}
			if err := m.StartSession(context.Background(), id); err != nil {
				m.logger.Error("reconnecting session", "connection_id", id, "error", err)
			}
		}(conn.ID)
	}
}

// releaseProxy returns the connection's proxy and clears the linkage fields.
func (m *Manager) releaseProxy(ctx context.Context, conn *store.Connection) {
	if conn.ProxyURI == nil {
		return
	}
	if err := m.proxies.Release(ctx, *conn.ProxyURI); err != nil {
		m.logger.Warn("releasing proxy", "connection_id", conn.ID, "error", err)
	}
	conn.ProxyURI = nil
	conn.ProxyAssignedAt = nil
	conn.MessagesSinceProxy = 0
}

// purgeCredentials removes the stored pairing state for a connection.
func (m *Manager) purgeCredentials(connectionID int64) {
	path := m.credentialsPath(connectionID)
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("purging credentials", "connection_id", connectionID, "error", err)
	}
}

func (m *Manager) credentialsPath(connectionID int64) string {
	return filepath.Join(m.cfg.CredentialsDir, fmt.Sprintf("connection-%d", connectionID))
}

// publishStatus broadcasts the connection's status to its tenant.
func (m *Manager) publishStatus(conn *store.Connection, qr string) {
	m.events.Publish(notify.SessionChannel(conn.TenantID), notify.Event{
		Action: notify.ActionUpdate,
		Payload: statusPayload{
			ConnectionID: conn.ID,
			Status:       conn.Status,
			QRCode:       qr,
			Retries:      conn.QRRetries,
		},
	})
}

// syncSet is a minimal concurrent set of connection ids.
type syncSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func (s *syncSet) set(id int64) {
	s.mu.Lock()
	if s.ids == nil {
		s.ids = make(map[int64]struct{})
	}
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *syncSet) clear(id int64) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *syncSet) has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
