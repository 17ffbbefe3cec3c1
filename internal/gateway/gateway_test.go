package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wagate/internal/config"
	"github.com/roelfdiedericks/wagate/internal/credentials"
	"github.com/roelfdiedericks/wagate/internal/paths"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

const tenant = "94771234567"

type fakeConn struct {
	self   string
	events chan<- transport.Event

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (c *fakeConn) ID() string   { return "conn" }
func (c *fakeConn) Self() string { return c.self }
func (c *fakeConn) Send(_ context.Context, _ string, msg transport.Outgoing, _ transport.SendOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg.Text)
	return "OUT", nil
}
func (c *fakeConn) MarkRead(context.Context, transport.MessageRef) error { return nil }
func (c *fakeConn) Logout(context.Context) error {
	c.events <- transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonLoggedOut}
	return nil
}
func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer opens connections that report Open straight away.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func (d *fakeDialer) Open(_ context.Context, creds transport.Credentials, events chan<- transport.Event) (transport.Conn, error) {
	c := &fakeConn{self: creds.TenantID + "@s.whatsapp.net", events: events}
	events <- transport.StateChange{State: transport.StateOpen}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		d.conns = make(map[string]*fakeConn)
	}
	d.conns[creds.TenantID] = c
	return c, nil
}

func (d *fakeDialer) Forget(context.Context, transport.Credentials) error { return nil }

func (d *fakeDialer) conn(tenantID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[tenantID]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, paths.SetBaseDir(dir))
	t.Cleanup(func() { paths.SetBaseDir("") })

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "wagate.db")
	cfg.Store.PollIntervalMs = 50
	disabled := false
	cfg.HTTP.Enabled = &disabled
	return cfg
}

func containsText(c *fakeConn, text string) func() bool {
	return func() bool {
		if c == nil {
			return false
		}
		for _, s := range c.sentTexts() {
			if s == text {
				return true
			}
		}
		return false
	}
}

func TestGatewaySupervisesInsertedSessionAndRoutesCommands(t *testing.T) {
	cfg := testConfig(t)
	dialer := &fakeDialer{}

	g, err := New(context.Background(), cfg, Options{Dialer: dialer})
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	_, err = g.Store().InsertSession(context.Background(), tenant, json.RawMessage(`{"jid":"94771234567@s.whatsapp.net"}`))
	require.NoError(t, err)

	waitFor(t, func() bool { return dialer.conn(tenant) != nil }, "inserted session was never opened")
	conn := dialer.conn(tenant)
	waitFor(t, containsText(conn, "*BOT* is Online 🤖"), "no connection announcement")
	waitFor(t, func() bool { return g.Supervisor().ActiveCount() == 1 }, "session not counted as active")

	_, err = os.Stat(filepath.Join(cfg.DataDir, "auth", tenant, credentials.FileName))
	require.NoError(t, err, "credentials were not materialized")

	conn.events <- &transport.Message{
		Ref:     transport.MessageRef{ID: "M1", Chat: "111@s.whatsapp.net", Sender: "111@s.whatsapp.net"},
		Content: &transport.Content{Kind: transport.KindConversation, Conversation: ".ping"},
	}
	waitFor(t, containsText(conn, "Pinging..."), "ping command was not dispatched")

	g.Shutdown()
	assert.True(t, conn.isClosed())

	// Shutdown keeps the session persisted.
	st, err := store.Open(store.Config{Path: cfg.Store.Path})
	require.NoError(t, err)
	defer st.Close()
	sess, err := st.GetSession(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, tenant, sess.TenantID)
}

func TestGatewaySupervisesExistingSessionsOnStart(t *testing.T) {
	cfg := testConfig(t)
	no := false
	cfg.Defaults.ConnectionAnnounce = &no

	st, err := store.Open(store.Config{Path: cfg.Store.Path})
	require.NoError(t, err)
	_, err = st.InsertSession(context.Background(), "111111111", json.RawMessage(`{"jid":"111111111@s.whatsapp.net"}`))
	require.NoError(t, err)
	_, err = st.InsertSession(context.Background(), "222222222", json.RawMessage(`{"jid":"222222222@s.whatsapp.net"}`))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	dialer := &fakeDialer{}
	g, err := New(context.Background(), cfg, Options{Dialer: dialer})
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Shutdown()

	waitFor(t, func() bool { return g.Supervisor().ActiveCount() == 2 }, "existing sessions not supervised")

	// Announcements are off globally.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, dialer.conn("111111111").sentTexts())
}

func TestGatewayLogoutRemovesSession(t *testing.T) {
	cfg := testConfig(t)
	dialer := &fakeDialer{}

	g, err := New(context.Background(), cfg, Options{Dialer: dialer})
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Shutdown()

	_, err = g.Store().InsertSession(context.Background(), tenant, json.RawMessage(`{"jid":"94771234567@s.whatsapp.net"}`))
	require.NoError(t, err)
	waitFor(t, func() bool { return g.Supervisor().ActiveCount() == 1 }, "session never opened")

	require.NoError(t, g.Supervisor().Logout(context.Background(), tenant))

	waitFor(t, func() bool {
		_, err := g.Store().GetSession(context.Background(), tenant)
		return err != nil
	}, "session row not deleted after logout")
	_, err = g.Store().GetSession(context.Background(), tenant)
	assert.ErrorIs(t, err, store.ErrNotFound)
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.DataDir, "auth", tenant))
		return os.IsNotExist(err)
	}, "auth directory not removed")
}

func TestGatewayRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)

	g, err := New(context.Background(), cfg, Options{Dialer: &fakeDialer{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayRunsDegradedWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.DataDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	cfg.Store.Path = filepath.Join(blocker, "wagate.db")

	dialer := &fakeDialer{}
	g, err := New(context.Background(), cfg, Options{Dialer: dialer})
	require.NoError(t, err, "an unopenable store must not abort startup")
	assert.Equal(t, "store unavailable", g.Degraded())
	assert.Nil(t, g.Store())

	require.NoError(t, g.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, g.Supervisor().ActiveCount())
	assert.Nil(t, dialer.conn(tenant))

	g.Shutdown()
}

func TestGatewayHealthyIsNotDegraded(t *testing.T) {
	g, err := New(context.Background(), testConfig(t), Options{Dialer: &fakeDialer{}})
	require.NoError(t, err)
	defer g.Shutdown()
	assert.Empty(t, g.Degraded())
	assert.NotNil(t, g.Store())
}
