// Package supervisor keeps one live transport connection per tenant:
// it connects, reconnects after transient closes, and cleans up after a
// logout.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/wagate/internal/bus"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/metrics"
	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

const (
	DefaultDelay    = 5 * time.Second
	DefaultMaxDelay = 5 * time.Minute
	cleanupTimeout  = 30 * time.Second
)

var (
	ErrNotSupervised = errors.New("tenant is not supervised")
	ErrNotConnected  = errors.New("tenant has no open connection")
)

// SessionStore is the persistence the supervisor writes to.
type SessionStore interface {
	GetSession(ctx context.Context, tenantID string) (*store.Session, error)
	UpdateCredentials(ctx context.Context, tenantID string, creds json.RawMessage) error
	DeleteSession(ctx context.Context, tenantID string) error
}

// CredentialStore materializes credential blobs for the transport.
type CredentialStore interface {
	Materialize(tenantID string, blob json.RawMessage) (string, error)
	Remove(tenantID string) error
}

// Dispatcher consumes inbound messages. Calls for one tenant are made
// sequentially, in delivery order.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenant string, conn transport.Conn, msg *transport.Message)
}

// Timer is a scheduled reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfter(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config is the reconnect policy.
type Config struct {
	Delay    time.Duration // fixed reconnect delay
	Backoff  bool          // double the delay per consecutive failure
	MaxDelay time.Duration // backoff ceiling
}

// Deps are the collaborators a Supervisor needs.
type Deps struct {
	Dialer      transport.Dialer
	Sessions    SessionStore
	Credentials CredentialStore
	Settings    *settings.Cache
	Dispatcher  Dispatcher
}

// Status describes one supervised tenant.
type Status struct {
	TenantID       string     `json:"tenantId"`
	State          string     `json:"state"`
	HandleID       string     `json:"handleId,omitempty"`
	Attempts       int        `json:"attempts"`
	ConnectedSince *time.Time `json:"connectedSince,omitempty"`
}

type entry struct {
	tenant     string
	creds      json.RawMessage
	handle     *handle
	timer      Timer
	attempts   int
	connecting bool
}

// handle is one connection instance. It is replaced on every reconnect.
type handle struct {
	id        string
	conn      transport.Conn
	events    chan transport.Event
	quit      chan struct{} // closed when the handle is abandoned
	state     transport.State
	openedAt  time.Time
	announced bool
}

// Supervisor owns every tenant's connection lifecycle.
type Supervisor struct {
	cfg  Config
	deps Deps

	after        AfterFunc
	shuttingDown func() bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool

	wg sync.WaitGroup
}

// New creates a supervisor. Zero config values take the defaults.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		deps:    deps,
		after:        realAfter,
		shuttingDown: IsShuttingDown,
		ctx:          ctx,
		cancel:       cancel,
		entries:      make(map[string]*entry),
	}
}

// Start registers the supervisor's bus commands.
func (s *Supervisor) Start() {
	bus.RegisterCommand("supervisor", "status", func(bus.Command) bus.CommandResult {
		return bus.CommandResult{Success: true, Data: s.Status()}
	})
	bus.RegisterCommand("supervisor", "logout", func(cmd bus.Command) bus.CommandResult {
		tenant, _ := cmd.Payload.(string)
		ctx, cancel := context.WithTimeout(s.ctx, cleanupTimeout)
		defer cancel()
		if err := s.Remove(ctx, tenant); err != nil {
			return bus.CommandResult{Error: err, Message: err.Error()}
		}
		return bus.CommandResult{Success: true, Message: "logout requested for " + tenant}
	})
	L_debug("supervisor: started", "delay", s.cfg.Delay, "backoff", s.cfg.Backoff)
}

// Supervise brings the session's tenant to a connected state. It is a
// no-op when the tenant is already connected, connecting or waiting to
// reconnect.
func (s *Supervisor) Supervise(sess *store.Session) {
	if sess == nil || sess.TenantID == "" {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if e, ok := s.entries[sess.TenantID]; ok && (e.handle != nil || e.timer != nil || e.connecting) {
		s.mu.Unlock()
		L_debug("supervisor: already supervised", "tenant", sess.TenantID)
		return
	}
	e := &entry{tenant: sess.TenantID, creds: sess.Creds, connecting: true}
	s.entries[sess.TenantID] = e
	s.mu.Unlock()

	L_info("supervisor: supervising", "tenant", sess.TenantID, "seq", sess.Seq)
	s.connect(e)
}

func (s *Supervisor) current(e *entry) bool {
	return !s.stopped && s.entries[e.tenant] == e
}

// connect opens a new handle for e. e.connecting must be set.
func (s *Supervisor) connect(e *entry) {
	tenant := e.tenant

	// Settings exist before any handle does.
	s.deps.Settings.Resolve(s.ctx, tenant)

	s.mu.Lock()
	blob := e.creds
	s.mu.Unlock()

	dir, err := s.deps.Credentials.Materialize(tenant, blob)
	if err != nil {
		L_error("supervisor: materialize credentials failed", "tenant", tenant, "error", err)
		s.mu.Lock()
		e.connecting = false
		if s.current(e) {
			s.scheduleLocked(e)
		}
		s.mu.Unlock()
		return
	}

	hid := uuid.NewString()
	bus.PublishEvent(bus.TopicSessionConnecting, bus.SessionEvent{TenantID: tenant, HandleID: hid})

	events := make(chan transport.Event, transport.EventBuffer)
	start := time.Now()
	conn, err := s.deps.Dialer.Open(s.ctx, transport.Credentials{TenantID: tenant, Blob: blob, AuthDir: dir}, events)
	metrics.MetricSince("supervisor", "open_duration", start)

	s.mu.Lock()
	e.connecting = false
	if !s.current(e) {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, transport.ErrInvalidCredentials) {
			delete(s.entries, tenant)
			s.mu.Unlock()
			metrics.MetricFailWithReason("supervisor", "open", "invalid_credentials")
			L_error("supervisor: credentials rejected, not supervising", "tenant", tenant, "error", err)
			return
		}
		delay := s.scheduleLocked(e)
		s.mu.Unlock()
		metrics.MetricFailWithReason("supervisor", "open", "error")
		L_warn("supervisor: open failed", "tenant", tenant, "error", err, "retryIn", delay)
		return
	}

	h := &handle{id: hid, conn: conn, events: events, quit: make(chan struct{}), state: transport.StateConnecting}
	e.handle = h
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.MetricSuccess("supervisor", "open")
	go s.pump(e, h)
}

// scheduleLocked drops the current handle and arms a reconnect timer.
func (s *Supervisor) scheduleLocked(e *entry) time.Duration {
	delay := s.delayFor(e.attempts)
	e.attempts++
	e.handle = nil
	e.timer = s.after(delay, func() { s.retry(e) })
	metrics.MetricInc("supervisor", "reconnects")
	metrics.MetricDuration("supervisor", "reconnect_delay", delay)
	return delay
}

func (s *Supervisor) delayFor(attempts int) time.Duration {
	d := s.cfg.Delay
	if !s.cfg.Backoff {
		return d
	}
	for i := 0; i < attempts && d < s.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

func (s *Supervisor) retry(e *entry) {
	s.mu.Lock()
	if !s.current(e) || e.timer == nil {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	e.connecting = true
	attempt := e.attempts
	s.mu.Unlock()

	L_info("supervisor: reconnecting", "tenant", e.tenant, "attempt", attempt)
	s.connect(e)
}

// pump consumes one handle's events in order until the handle closes or
// is superseded.
func (s *Supervisor) pump(e *entry, h *handle) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-h.quit:
			return
		case ev := <-h.events:
			if !s.handleEvent(e, h, ev) {
				return
			}
		}
	}
}

func (s *Supervisor) live(e *entry, h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(e) && e.handle == h
}

// handleEvent returns false when the handle is finished.
func (s *Supervisor) handleEvent(e *entry, h *handle, ev transport.Event) bool {
	switch ev := ev.(type) {
	case transport.StateChange:
		switch ev.State {
		case transport.StateOpen:
			return s.onOpen(e, h)
		case transport.StateClosed:
			s.onClose(e, h, ev)
			return false
		default:
			return s.live(e, h)
		}
	case transport.CredentialsUpdated:
		return s.onCredentials(e, h, ev.Blob)
	case *transport.Message:
		if !s.live(e, h) {
			return false
		}
		s.deps.Dispatcher.Dispatch(s.ctx, e.tenant, h.conn, ev)
	}
	return true
}

func (s *Supervisor) onOpen(e *entry, h *handle) bool {
	s.mu.Lock()
	if !s.current(e) || e.handle != h {
		s.mu.Unlock()
		return false
	}
	h.state = transport.StateOpen
	h.openedAt = time.Now()
	e.attempts = 0
	announce := !h.announced
	h.announced = true
	s.mu.Unlock()

	L_info("supervisor: connection open", "tenant", e.tenant, "handle", h.id)
	metrics.MetricSet("supervisor", "active", int64(s.ActiveCount()))
	bus.PublishEvent(bus.TopicSessionOpen, bus.SessionEvent{TenantID: e.tenant, HandleID: h.id})

	if announce {
		st := s.deps.Settings.Resolve(s.ctx, e.tenant)
		if st.ConnectionAnnounce {
			s.wg.Add(1)
			go s.announce(e.tenant, h.conn, st.BotName)
		}
	}
	return true
}

// announce tells the account's own chat that the bot is online. Failure
// is logged only.
func (s *Supervisor) announce(tenant string, conn transport.Conn, botName string) {
	defer s.wg.Done()
	self := conn.Self()
	if self == "" {
		L_warn("supervisor: announce skipped, own id unknown", "tenant", tenant)
		return
	}
	text := fmt.Sprintf("*%s* is Online 🤖", botName)
	if _, err := conn.Send(s.ctx, self, transport.Outgoing{Text: text}, transport.SendOptions{}); err != nil {
		metrics.MetricFail("supervisor", "announce")
		L_warn("supervisor: announce failed", "tenant", tenant, "error", err)
		return
	}
	metrics.MetricSuccess("supervisor", "announce")
}

func (s *Supervisor) onClose(e *entry, h *handle, ev transport.StateChange) {
	s.mu.Lock()
	if !s.current(e) || e.handle != h {
		s.mu.Unlock()
		return
	}
	h.state = transport.StateClosed

	if ev.Reason.IsLoggedOut() {
		delete(s.entries, e.tenant)
		s.mu.Unlock()

		h.conn.Close()
		L_warn("supervisor: logged out, removing session", "tenant", e.tenant, "handle", h.id, "error", ev.Err)
		metrics.MetricInc("supervisor", "logouts")
		metrics.MetricSet("supervisor", "active", int64(s.ActiveCount()))
		bus.PublishEvent(bus.TopicSessionLoggedOut, bus.SessionEvent{TenantID: e.tenant, HandleID: h.id, Reason: int(ev.Reason)})
		s.cleanup(e.tenant, e.creds)
		return
	}

	if s.shuttingDown() {
		e.handle = nil
		s.mu.Unlock()
		h.conn.Close()
		L_debug("supervisor: connection closed during shutdown, not reconnecting", "tenant", e.tenant)
		return
	}

	delay := s.scheduleLocked(e)
	s.mu.Unlock()

	h.conn.Close()
	L_warn("supervisor: connection closed, reconnect scheduled",
		"tenant", e.tenant, "reason", ev.Reason.String(), "code", int(ev.Reason), "delay", delay, "error", ev.Err)
	metrics.MetricSet("supervisor", "active", int64(s.ActiveCount()))
	bus.PublishEvent(bus.TopicSessionClosed, bus.SessionEvent{
		TenantID: e.tenant, HandleID: h.id, Reason: int(ev.Reason), Delay: delay.String(),
	})
}

// cleanup deletes everything persisted for a logged-out tenant.
func (s *Supervisor) cleanup(tenant string, blob json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.deps.Sessions.DeleteSession(ctx, tenant); err != nil {
		L_error("supervisor: delete session failed", "tenant", tenant, "error", err)
	}
	if err := s.deps.Credentials.Remove(tenant); err != nil {
		L_error("supervisor: remove credentials failed", "tenant", tenant, "error", err)
	}
	if err := s.deps.Dialer.Forget(ctx, transport.Credentials{TenantID: tenant, Blob: blob}); err != nil {
		L_warn("supervisor: forget device failed", "tenant", tenant, "error", err)
	}
	bus.PublishEvent(bus.TopicSessionRemoved, bus.SessionEvent{TenantID: tenant})
	L_info("supervisor: session removed", "tenant", tenant)
}

func (s *Supervisor) onCredentials(e *entry, h *handle, blob json.RawMessage) bool {
	s.mu.Lock()
	if !s.current(e) || e.handle != h {
		s.mu.Unlock()
		return false
	}
	e.creds = blob
	s.mu.Unlock()

	if err := s.deps.Sessions.UpdateCredentials(s.ctx, e.tenant, blob); err != nil {
		L_error("supervisor: persist credentials failed", "tenant", e.tenant, "error", err)
	}
	if _, err := s.deps.Credentials.Materialize(e.tenant, blob); err != nil {
		L_error("supervisor: materialize credentials failed", "tenant", e.tenant, "error", err)
	}
	L_debug("supervisor: credentials updated", "tenant", e.tenant)
	return true
}

// Logout asks the tenant's open connection to log out. The logged-out
// close that follows removes the session.
func (s *Supervisor) Logout(ctx context.Context, tenant string) error {
	s.mu.Lock()
	e, ok := s.entries[tenant]
	if !ok {
		s.mu.Unlock()
		return ErrNotSupervised
	}
	if e.handle == nil || e.handle.state != transport.StateOpen {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := e.handle.conn
	s.mu.Unlock()

	L_info("supervisor: logout requested", "tenant", tenant)
	return conn.Logout(ctx)
}

// Remove logs the tenant out when it is connected, and otherwise stops
// supervising it and deletes its session directly.
func (s *Supervisor) Remove(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrNotSupervised
	}
	err := s.Logout(ctx, tenant)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotSupervised) && !errors.Is(err, ErrNotConnected) {
		L_warn("supervisor: logout failed, removing anyway", "tenant", tenant, "error", err)
	}

	var blob json.RawMessage
	var h *handle
	s.mu.Lock()
	if e, ok := s.entries[tenant]; ok {
		blob = e.creds
		if e.timer != nil {
			e.timer.Stop()
		}
		h = e.handle
		delete(s.entries, tenant)
	}
	s.mu.Unlock()

	if h != nil {
		close(h.quit)
		h.conn.Close()
	}

	if blob == nil {
		if sess, gerr := s.deps.Sessions.GetSession(ctx, tenant); gerr == nil {
			blob = sess.Creds
		} else if errors.Is(gerr, store.ErrNotFound) {
			return ErrNotSupervised
		}
	}
	s.cleanup(tenant, blob)
	return nil
}

// Status lists supervised tenants sorted by id.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for tenant, e := range s.entries {
		st := Status{TenantID: tenant, Attempts: e.attempts}
		switch {
		case e.handle != nil:
			st.HandleID = e.handle.id
			st.State = e.handle.state.String()
			if e.handle.state == transport.StateOpen {
				since := e.handle.openedAt
				st.ConnectedSince = &since
			}
		case e.timer != nil:
			st.State = "reconnecting"
		default:
			st.State = transport.StateConnecting.String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// ActiveCount returns the number of open connections.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.handle != nil && e.handle.state == transport.StateOpen {
			n++
		}
	}
	return n
}

// Stop cancels pending reconnects and closes every connection. Sessions
// stay persisted.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var conns []transport.Conn
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.handle != nil {
			conns = append(conns, e.handle.conn)
		}
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	bus.UnregisterComponent("supervisor")
	L_info("supervisor: stopped", "closed", len(conns))
}
