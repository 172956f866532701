// ABOUTME: Tests for the session lifecycle manager
// ABOUTME: Covers pairing retries, reconnects, logout cleanup and proxy rotation

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/wire"
)

// testDriver hands every opened client to the test through a channel.
type testDriver struct {
	clients chan *wire.Loopback
}

var driver = &testDriver{clients: make(chan *wire.Loopback, 16)}

func init() {
	wire.Register("session-test", driver)
}

func (d *testDriver) Open(cfg wire.SessionConfig) (wire.Client, error) {
	client := wire.NewLoopback(cfg)
	d.clients <- client
	return client, nil
}

func (d *testDriver) next(t *testing.T) *wire.Loopback {
	t.Helper()
	select {
	case c := <-d.clients:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no client opened")
		return nil
	}
}

func (d *testDriver) drain() {
	for {
		select {
		case <-d.clients:
		default:
			return
		}
	}
}

type fakeConnStore struct {
	mu    sync.Mutex
	conns map[int64]*store.Connection
}

func newFakeConnStore(conns ...*store.Connection) *fakeConnStore {
	s := &fakeConnStore{conns: make(map[int64]*store.Connection)}
	for _, c := range conns {
		cp := *c
		s.conns[c.ID] = &cp
	}
	return s
}

func (s *fakeConnStore) GetConnection(_ context.Context, id int64) (*store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeConnStore) ListConnections(context.Context) ([]*store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Connection
	for _, c := range s.conns {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeConnStore) UpdateConnection(_ context.Context, c *store.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conns[c.ID] = &cp
	return nil
}

func (s *fakeConnStore) ListOverusedConnections(_ context.Context, threshold int64) ([]*store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Connection
	for _, c := range s.conns {
		if c.Status == store.ConnectionConnected && c.ProxyURI != nil && c.MessagesSinceProxy > threshold {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeConnStore) get(id int64) *store.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.conns[id]
	return &cp
}

type fakeAllocator struct {
	mu       sync.Mutex
	uris     []string
	released []string
	excluded []string
}

func (a *fakeAllocator) Acquire(_ context.Context, excludeURI string) (*store.Proxy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.excluded = append(a.excluded, excludeURI)
	for _, uri := range a.uris {
		if uri != excludeURI {
			return &store.Proxy{URI: uri}, nil
		}
	}
	return nil, nil
}

func (a *fakeAllocator) Release(_ context.Context, uri string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, uri)
	return nil
}

func (a *fakeAllocator) releasedURIs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.released))
	copy(out, a.released)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, st ConnectionStore, alloc ProxyAllocator, clk clock.Clock) (*Manager, *notify.Broadcaster) {
	t.Helper()
	driver.drain()
	broadcaster := notify.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)
	m := NewManager(Config{
		Driver:         "session-test",
		QRMaxRetries:   3,
		ReconnectDelay: 3 * time.Second,
		CredentialsDir: t.TempDir(),
	}, st, alloc, broadcaster, clk, nil)
	return m, broadcaster
}

func TestStartSessionAcquiresProxyAndConnects(t *testing.T) {
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1, Name: "main"})
	alloc := &fakeAllocator{uris: []string{"socks5://a:1080"}}
	m, _ := newTestManager(t, st, alloc, clock.System{})

	require.NoError(t, m.StartSession(context.Background(), 1))
	driver.next(t)

	waitFor(t, "connected status", func() bool {
		return st.get(1).Status == store.ConnectionConnected
	})

	conn := st.get(1)
	require.NotNil(t, conn.ProxyURI)
	assert.Equal(t, "socks5://a:1080", *conn.ProxyURI)
	assert.NotNil(t, conn.ProxyAssignedAt)
	assert.EqualValues(t, 0, conn.MessagesSinceProxy)
	assert.Equal(t, 0, conn.QRRetries)

	sess, err := m.GetSession(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sess.ConnectionID)
}

func TestStartSessionReportsConnecting(t *testing.T) {
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	m, broadcaster := newTestManager(t, st, &fakeAllocator{}, clock.System{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := broadcaster.Subscribe(ctx, notify.SessionChannel(1))

	require.NoError(t, m.StartSession(context.Background(), 1))
	driver.next(t)

	// The status walk is opening, then connecting once the client is open,
	// then connected when the transport authenticates.
	var seen []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			payload, ok := ev.Payload.(statusPayload)
			require.True(t, ok)
			seen = append(seen, payload.Status)
			if payload.Status == store.ConnectionConnected {
				assert.Contains(t, seen, store.ConnectionOpening)
				assert.Contains(t, seen, store.ConnectionConnecting)
				return
			}
		case <-deadline:
			t.Fatalf("never reached connected, saw %v", seen)
		}
	}
}

func TestQRCodePublishedUnderCap(t *testing.T) {
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	m, broadcaster := newTestManager(t, st, &fakeAllocator{}, clock.System{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := broadcaster.Subscribe(ctx, notify.SessionChannel(1))

	require.NoError(t, m.StartSession(context.Background(), 1))
	client := driver.next(t)

	client.Inject(wire.QRIssued{Code: "QR-DATA"})

	waitFor(t, "qrcode status", func() bool {
		return st.get(1).Status == store.ConnectionQRCode
	})
	assert.Equal(t, 1, st.get(1).QRRetries)

	// Find the qrcode event among the status updates.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			payload, ok := ev.Payload.(statusPayload)
			require.True(t, ok)
			if payload.Status == store.ConnectionQRCode {
				assert.Equal(t, "QR-DATA", payload.QRCode)
				return
			}
		case <-deadline:
			t.Fatal("qrcode event never published")
		}
	}
}

func TestQRExhaustionStopsSession(t *testing.T) {
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	alloc := &fakeAllocator{uris: []string{"socks5://a:1080"}}
	m, _ := newTestManager(t, st, alloc, clock.System{})

	require.NoError(t, m.StartSession(context.Background(), 1))
	client := driver.next(t)

	for i := 0; i < 4; i++ {
		client.Inject(wire.QRIssued{Code: "QR"})
		// Wait for each retry to be counted before injecting the next.
		want := i + 1
		waitFor(t, "retry counted", func() bool {
			c := st.get(1)
			return c.QRRetries == want || c.Status == store.ConnectionDisconnected
		})
	}

	waitFor(t, "disconnected status", func() bool {
		return st.get(1).Status == store.ConnectionDisconnected
	})

	conn := st.get(1)
	assert.Nil(t, conn.ProxyURI)
	assert.Contains(t, alloc.releasedURIs(), "socks5://a:1080")

	// Stopped: no background restart on lookup.
	_, err := m.GetSession(1)
	assert.ErrorIs(t, err, ErrSessionNotInitialized)
	select {
	case c := <-driver.clients:
		t.Fatalf("unexpected session restart: %v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteLogoutReleasesProxyWithoutReconnect(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	alloc := &fakeAllocator{uris: []string{"socks5://a:1080"}}
	m, _ := newTestManager(t, st, alloc, clk)

	require.NoError(t, m.StartSession(context.Background(), 1))
	client := driver.next(t)

	client.Inject(wire.StateChanged{State: wire.StateLoggedOut, Reason: "unpaired"})

	waitFor(t, "disconnected status", func() bool {
		c := st.get(1)
		return c.Status == store.ConnectionDisconnected && c.ProxyURI == nil
	})
	assert.Contains(t, alloc.releasedURIs(), "socks5://a:1080")

	clk.Advance(time.Minute)
	select {
	case c := <-driver.clients:
		t.Fatalf("logged-out session reconnected: %v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransientCloseReconnectsAfterDelay(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	m, _ := newTestManager(t, st, &fakeAllocator{}, clk)

	require.NoError(t, m.StartSession(context.Background(), 1))
	client := driver.next(t)

	client.Inject(wire.StateChanged{State: wire.StateClosed, Reason: "stream error"})

	waitFor(t, "disconnected status", func() bool {
		return st.get(1).Status == store.ConnectionDisconnected
	})

	// No reconnect before the delay elapses.
	select {
	case c := <-driver.clients:
		t.Fatalf("reconnected before delay: %v", c)
	case <-time.After(100 * time.Millisecond):
	}

	clk.Advance(5 * time.Second)
	driver.next(t)

	waitFor(t, "reconnected status", func() bool {
		return st.get(1).Status == store.ConnectionConnected
	})
}

func TestExplicitLogout(t *testing.T) {
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	alloc := &fakeAllocator{uris: []string{"socks5://a:1080"}}
	m, _ := newTestManager(t, st, alloc, clock.System{})

	require.NoError(t, m.StartSession(context.Background(), 1))
	driver.next(t)

	require.NoError(t, m.Logout(context.Background(), 1))

	conn := st.get(1)
	assert.Equal(t, store.ConnectionDisconnected, conn.Status)
	assert.Nil(t, conn.ProxyURI)
	assert.Contains(t, alloc.releasedURIs(), "socks5://a:1080")

	_, err := m.GetSession(1)
	assert.ErrorIs(t, err, ErrSessionNotInitialized)
}

func TestDegradeOverusedRotatesProxy(t *testing.T) {
	uri := "socks5://old:1080"
	st := newFakeConnStore(&store.Connection{
		ID: 1, TenantID: 1, Status: store.ConnectionConnected,
		ProxyURI: &uri, MessagesSinceProxy: 2000,
	})
	alloc := &fakeAllocator{uris: []string{"socks5://old:1080", "socks5://new:1080"}}
	m, _ := newTestManager(t, st, alloc, clock.System{})

	require.NoError(t, m.DegradeOverused(context.Background(), 1500))
	driver.next(t)

	conn := st.get(1)
	require.NotNil(t, conn.ProxyURI)
	assert.Equal(t, "socks5://new:1080", *conn.ProxyURI)
	assert.EqualValues(t, 0, conn.MessagesSinceProxy)
	assert.Contains(t, alloc.releasedURIs(), "socks5://old:1080")
}

func TestGetSessionMissingSchedulesStart(t *testing.T) {
	st := newFakeConnStore(&store.Connection{ID: 1, TenantID: 1})
	m, _ := newTestManager(t, st, &fakeAllocator{}, clock.System{})

	_, err := m.GetSession(1)
	require.ErrorIs(t, err, ErrSessionNotInitialized)

	// The lookup kicked off a background start.
	driver.next(t)
	waitFor(t, "session registered", func() bool {
		s, err := m.GetSession(1)
		return err == nil && s != nil
	})
}

func TestStartSessionUnknownConnection(t *testing.T) {
	m, _ := newTestManager(t, newFakeConnStore(), &fakeAllocator{}, clock.System{})
	err := m.StartSession(context.Background(), 42)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
