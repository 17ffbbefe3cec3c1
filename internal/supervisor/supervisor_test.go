package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

const tenant = "94771234567"

type fakeConn struct {
	id     string
	self   string
	events chan<- transport.Event

	mu     sync.Mutex
	sent   []string
	to     []string
	closed bool
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) Self() string { return c.self }
func (c *fakeConn) Send(_ context.Context, to string, msg transport.Outgoing, _ transport.SendOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg.Text)
	c.to = append(c.to, to)
	return "OUT", nil
}
func (c *fakeConn) MarkRead(context.Context, transport.MessageRef) error { return nil }
func (c *fakeConn) Logout(context.Context) error {
	c.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	return nil
}
func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) emit(ev transport.Event) { c.events <- ev }

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

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	creds   []transport.Credentials
	err     error
	gate    chan struct{}
	forgot  []string
	opening int
}

func (d *fakeDialer) Open(_ context.Context, creds transport.Credentials, events chan<- transport.Event) (transport.Conn, error) {
	d.mu.Lock()
	d.opening++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: "conn", self: creds.TenantID + "@s.whatsapp.net", events: events}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Forget(_ context.Context, creds transport.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgot = append(d.forgot, creds.TenantID)
	return nil
}

func (d *fakeDialer) forgotten() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.forgot) > 0
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

type fakeSessions struct {
	mu      sync.Mutex
	rows    map[string]*store.Session
	deleted []string
	updated map[string]json.RawMessage
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[string]*store.Session{}, updated: map[string]json.RawMessage{}}
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[id]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSessions) UpdateCredentials(_ context.Context, id string, creds json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = creds
	return nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSessions) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeCreds struct {
	mu      sync.Mutex
	written map[string]json.RawMessage
	removed []string
	err     error
}

func (f *fakeCreds) Materialize(id string, blob json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.written[id] = blob
	return "/auth/" + id, nil
}

func (f *fakeCreds) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.written, id)
	f.removed = append(f.removed, id)
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ string, _ transport.Conn, msg *transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg.Ref.ID)
}

func (f *fakeDispatcher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type timers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ts *timers) after(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.all)
}

func (ts *timers) get(i int) *fakeTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[i]
}

type harness struct {
	sup      *Supervisor
	dialer   *fakeDialer
	sessions *fakeSessions
	creds    *fakeCreds
	disp     *fakeDispatcher
	timers   *timers
}

func newHarness(t *testing.T, src settings.Source, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		sessions: newFakeSessions(),
		creds:    &fakeCreds{written: map[string]json.RawMessage{}},
		disp:     &fakeDispatcher{},
		timers:   &timers{},
	}
	h.sup = New(cfg, Deps{
		Dialer:      h.dialer,
		Sessions:    h.sessions,
		Credentials: h.creds,
		Settings:    settings.NewCache(src, nil),
		Dispatcher:  h.disp,
	})
	h.sup.after = h.timers.after
	t.Cleanup(h.sup.Stop)
	return h
}

func session(id string) *store.Session {
	return &store.Session{Seq: 1, TenantID: id, Creds: json.RawMessage(`{"jid":"` + id + `@s.whatsapp.net"}`)}
}

func (h *harness) supervise(id string) {
	h.sessions.mu.Lock()
	h.sessions.rows[id] = session(id)
	h.sessions.mu.Unlock()
	h.sup.Supervise(session(id))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func open(t *testing.T, h *harness, i int) *fakeConn {
	t.Helper()
	c := h.dialer.conn(i)
	c.emit(transport.StateChange{State: transport.StateOpen})
	waitFor(t, func() bool { return h.sup.ActiveCount() == 1 }, "connection should be open")
	return c
}

func TestLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.supervise(tenant)
	require.Equal(t, 1, h.dialer.opens())
	assert.Contains(t, h.creds.written, tenant)
	assert.Equal(t, "/auth/"+tenant, h.dialer.creds[0].AuthDir)

	c1 := open(t, h, 0)
	waitFor(t, func() bool { return len(c1.sentTexts()) == 1 }, "announce should be sent")
	assert.Equal(t, "*BOT* is Online 🤖", c1.sentTexts()[0])
	assert.Equal(t, tenant+"@s.whatsapp.net", c1.to[0])

	c1.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})
	waitFor(t, func() bool { return h.timers.count() == 1 }, "reconnect should be scheduled")
	assert.Equal(t, DefaultDelay, h.timers.get(0).delay)
	assert.Empty(t, h.sessions.deletedIDs())
	waitFor(t, c1.isClosed, "old connection should be closed")
	assert.Equal(t, "reconnecting", h.sup.Status()[0].State)

	h.timers.get(0).fn()
	require.Equal(t, 2, h.dialer.opens())

	c2 := h.dialer.conn(1)
	c2.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	waitFor(t, h.dialer.forgotten, "logged out tenant should be cleaned up")
	assert.Equal(t, []string{tenant}, h.sessions.deletedIDs())
	assert.Equal(t, 1, h.timers.count(), "no reconnect after logout")
	h.creds.mu.Lock()
	assert.NotContains(t, h.creds.written, tenant)
	h.creds.mu.Unlock()
	assert.Empty(t, h.sup.Status())
}

func TestTransientClosesAlwaysReschedule(t *testing.T) {
	for _, reason := range []transport.CloseReason{408, 428, 440, 500, 515, 403} {
		h := newHarness(t, nil, Config{})
		h.supervise(tenant)
		h.dialer.conn(0).emit(transport.StateChange{State: transport.StateClosed, Reason: reason})
		waitFor(t, func() bool { return h.timers.count() == 1 }, reason.String())
		assert.Empty(t, h.sessions.deletedIDs())
	}
}

func TestNoReconnectWhileShuttingDown(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.sup.shuttingDown = func() bool { return true }

	h.supervise(tenant)
	c := open(t, h, 0)
	c.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})
	waitFor(t, c.isClosed, "connection should be closed")
	assert.Equal(t, 0, h.timers.count())
	assert.Empty(t, h.sessions.deletedIDs())
}

func TestDuplicateSuperviseIsNoop(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	h.supervise(tenant)
	assert.Equal(t, 1, h.dialer.opens())

	h.dialer.conn(0).emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})
	waitFor(t, func() bool { return h.timers.count() == 1 }, "reconnect should be scheduled")
	h.supervise(tenant)
	assert.Equal(t, 1, h.dialer.opens(), "pending reconnect blocks a second supervise")
}

func TestConcurrentSuperviseOpensOnce(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.dialer.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.Supervise(session(tenant))
		}()
	}
	waitFor(t, func() bool {
		h.dialer.mu.Lock()
		defer h.dialer.mu.Unlock()
		return h.dialer.opening == 1
	}, "one open should start")
	close(h.dialer.gate)
	wg.Wait()

	assert.Equal(t, 1, h.dialer.opens())
}

func TestStaleHandleIgnored(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	c1 := h.dialer.conn(0)
	c1.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})
	waitFor(t, func() bool { return h.timers.count() == 1 }, "reconnect should be scheduled")
	h.timers.get(0).fn()

	c1.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sessions.deletedIDs(), "close from an old handle must not act")
	assert.Equal(t, 1, h.timers.count())

	open(t, h, 1)
}

func TestAnnounceOnlyWhenEnabled(t *testing.T) {
	off := false
	h := newHarness(t, overrideSource{AnnounceOff: &off}, Config{})
	h.supervise(tenant)
	c := open(t, h, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.sentTexts())
}

type overrideSource struct {
	AnnounceOff *bool
}

func (o overrideSource) GetSettings(context.Context, string) (*settings.Overrides, error) {
	return &settings.Overrides{ConnectionAnnounce: o.AnnounceOff}, nil
}

func TestAnnounceOncePerHandle(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	c := open(t, h, 0)
	c.emit(transport.StateChange{State: transport.StateOpen})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.sentTexts(), 1)
}

func TestMessagesDispatchedInOrder(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	c := open(t, h, 0)
	for _, id := range []string{"m1", "m2", "m3"} {
		c.emit(&transport.Message{Ref: transport.MessageRef{ID: id}})
	}
	waitFor(t, func() bool { return len(h.disp.ids()) == 3 }, "messages should be dispatched")
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.disp.ids())
}

func TestCredentialsPersisted(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	c := h.dialer.conn(0)
	c.emit(transport.CredentialsUpdated{Blob: json.RawMessage(`{"pushName":"x"}`)})
	waitFor(t, func() bool {
		h.sessions.mu.Lock()
		defer h.sessions.mu.Unlock()
		return h.sessions.updated[tenant] != nil
	}, "credentials should be persisted")

	h.creds.mu.Lock()
	assert.JSONEq(t, `{"pushName":"x"}`, string(h.creds.written[tenant]))
	h.creds.mu.Unlock()
}

func TestOpenErrors(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.dialer.err = transport.ErrInvalidCredentials
	h.supervise(tenant)
	assert.Empty(t, h.sup.Status())
	assert.Zero(t, h.timers.count())
	assert.Empty(t, h.sessions.deletedIDs())

	g := newHarness(t, nil, Config{})
	g.dialer.err = errors.New("dial tcp: refused")
	g.supervise(tenant)
	assert.Equal(t, 1, g.timers.count())
	require.Len(t, g.sup.Status(), 1)
	assert.Equal(t, "reconnecting", g.sup.Status()[0].State)
}

func TestBackoff(t *testing.T) {
	s := New(Config{Delay: time.Second, Backoff: true, MaxDelay: 5 * time.Second}, Deps{})
	defer s.Stop()
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, s.delayFor(i))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)

	fixed := New(Config{}, Deps{})
	defer fixed.Stop()
	assert.Equal(t, DefaultDelay, fixed.delayFor(7))
}

func TestLogoutAndRemove(t *testing.T) {
	h := newHarness(t, nil, Config{})
	assert.ErrorIs(t, h.sup.Logout(context.Background(), tenant), ErrNotSupervised)

	h.supervise(tenant)
	assert.ErrorIs(t, h.sup.Logout(context.Background(), tenant), ErrNotConnected)

	open(t, h, 0)
	require.NoError(t, h.sup.Remove(context.Background(), tenant))
	waitFor(t, h.dialer.forgotten, "logout should forget the device")
	assert.Equal(t, []string{tenant}, h.sessions.deletedIDs())
}

func TestRemoveWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	h.dialer.conn(0).emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonConnectionLost})
	waitFor(t, func() bool { return h.timers.count() == 1 }, "reconnect should be scheduled")

	require.NoError(t, h.sup.Remove(context.Background(), tenant))
	assert.True(t, h.timers.get(0).stopped)
	assert.Equal(t, []string{tenant}, h.sessions.deletedIDs())

	h.timers.get(0).fn()
	assert.Equal(t, 1, h.dialer.opens(), "a removed tenant is not reconnected")
	assert.ErrorIs(t, h.sup.Remove(context.Background(), tenant), ErrNotSupervised)
}

func TestStopKeepsSessions(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.supervise(tenant)
	c := open(t, h, 0)

	h.sup.Stop()
	assert.True(t, c.isClosed())
	assert.Empty(t, h.sessions.deletedIDs())
	assert.Zero(t, h.sup.ActiveCount())

	h.sup.Supervise(session("other"))
	assert.Equal(t, 1, h.dialer.opens())
}
