// Package gateway wires the wagate components together and owns their
// startup and shutdown order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/wagate/internal/commands"
	"github.com/roelfdiedericks/wagate/internal/config"
	"github.com/roelfdiedericks/wagate/internal/correlation"
	"github.com/roelfdiedericks/wagate/internal/credentials"
	"github.com/roelfdiedericks/wagate/internal/cron"
	"github.com/roelfdiedericks/wagate/internal/discovery"
	wahttp "github.com/roelfdiedericks/wagate/internal/http"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/plugins"
	"github.com/roelfdiedericks/wagate/internal/router"
	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/supervisor"
	"github.com/roelfdiedericks/wagate/internal/transport"
	"github.com/roelfdiedericks/wagate/internal/transport/whatsapp"
)

// Options replace the WhatsApp transport, mainly for tests. Dialer and
// Pairer are used as given; Pairer may be nil when HTTP is disabled.
type Options struct {
	Dialer transport.Dialer
	Pairer wahttp.Pairer
}

// sessionStore is everything the gateway's components need from
// persistence.
type sessionStore interface {
	wahttp.SessionStore
	supervisor.SessionStore
	discovery.Source
}

// Gateway is the running wagate process.
type Gateway struct {
	config    *config.Config
	startTime time.Time
	degraded  []string

	store       *store.Store
	sessions    sessionStore
	registry    *commands.Registry
	settings    *settings.Cache
	correlation *correlation.Store
	router      *router.Router
	dialer      transport.Dialer
	closeDialer func() error
	supervisor  *supervisor.Supervisor
	http        *wahttp.Server
	cron        *cron.Scheduler
	discovery   *discovery.Discovery

	cancel       context.CancelFunc
	discoveryWG  sync.WaitGroup
	shutdownOnce sync.Once
}

// New builds every component without starting any of them. A store or
// transport that cannot be opened leaves the gateway degraded: it runs and
// serves /health, but supervises no sessions.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		config:    cfg,
		startTime: time.Now(),
	}

	st, err := store.Open(store.Config{
		Path:         cfg.Store.Path,
		PollInterval: cfg.PollInterval(),
	})
	if err != nil {
		L_error("gateway: store unavailable, running degraded", "path", cfg.Store.Path, "error", err)
		g.degraded = append(g.degraded, "store unavailable")
		g.sessions = unavailable{err: fmt.Errorf("store unavailable: %w", err)}
	} else {
		L_info("gateway: store ready", "path", cfg.Store.Path)
		g.store = st
		g.sessions = st
	}

	menuImage, err := plugins.LoadMenuImage(cfg.Plugins.MenuImage)
	if err != nil {
		L_warn("gateway: menu image unavailable, sending text menu", "path", cfg.Plugins.MenuImage, "error", err)
	}
	g.registry = commands.NewRegistry()
	if err := plugins.RegisterAll(g.registry, plugins.Options{
		OwnerName: cfg.Plugins.OwnerName,
		MenuImage: menuImage,
		StartedAt: g.startTime,
	}); err != nil {
		g.close()
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	g.settings = settings.NewCache(g.sessions, cfg.SettingsDefaults())
	g.correlation = correlation.New()
	g.router = router.New(g.settings, g.registry, g.correlation)

	pairer := opts.Pairer
	if opts.Dialer != nil {
		g.dialer = opts.Dialer
	} else {
		wa, err := whatsapp.NewDialer(ctx, whatsapp.Config{
			DevicePath: cfg.Transport.DevicePath,
			Verbose:    cfg.Transport.Verbose,
		})
		if err != nil {
			L_error("gateway: transport unavailable, running degraded", "path", cfg.Transport.DevicePath, "error", err)
			g.degraded = append(g.degraded, "transport unavailable")
			g.dialer = unavailable{err: fmt.Errorf("transport unavailable: %w", err)}
		} else {
			g.dialer = wa
			g.closeDialer = wa.Close
			if pairer == nil {
				pairer = wa
			}
		}
	}
	if pairer == nil {
		pairer = unavailable{err: errors.New("pairing is not available")}
	}

	g.supervisor = supervisor.New(supervisor.Config{
		Delay:    cfg.ReconnectDelay(),
		Backoff:  cfg.Reconnect.Backoff,
		MaxDelay: cfg.ReconnectMaxDelay(),
	}, supervisor.Deps{
		Dialer:      g.dialer,
		Sessions:    g.sessions,
		Credentials: credentials.New(),
		Settings:    g.settings,
		Dispatcher:  g.router,
	})

	if cfg.HTTPEnabled() {
		g.http = wahttp.NewServer(&wahttp.ServerConfig{
			Listen:     cfg.HTTP.Listen,
			AdminToken: cfg.HTTP.AdminToken,
			Degraded:   g.Degraded(),
		}, wahttp.Deps{
			Supervisor: g.supervisor,
			Sessions:   g.sessions,
			Pairer:     pairer,
			Settings:   g.settings,
		})
	}

	g.cron = cron.New()
	if err := g.cron.Add(cron.KeepAlive(cfg.KeepAlive.Schedule, g.supervisor.ActiveCount)); err != nil {
		g.close()
		return nil, fmt.Errorf("keep-alive job: %w", err)
	}
	if ttl := cfg.CorrelationTTL(); ttl > 0 {
		if err := g.cron.Add(cron.CorrelationPrune(g.correlation, ttl)); err != nil {
			g.close()
			return nil, fmt.Errorf("correlation prune job: %w", err)
		}
	}

	g.discovery = discovery.New(g.sessions, g.supervisor)

	L_info("gateway: initialized",
		"commands", g.registry.Len(),
		"prefix", cfg.Defaults.Prefix,
		"http", cfg.HTTPEnabled(),
		"reconnectDelay", cfg.ReconnectDelay())
	return g, nil
}

// Start starts the supervisor, HTTP server, cron jobs and session
// discovery, in that order.
func (g *Gateway) Start(ctx context.Context) error {
	g.supervisor.Start()

	if g.http != nil {
		if err := g.http.Start(); err != nil {
			return fmt.Errorf("failed to start http server: %w", err)
		}
	}

	g.cron.Start()

	if len(g.degraded) > 0 {
		L_warn("gateway: started degraded, no sessions will connect", "reason", g.Degraded())
		return nil
	}

	dctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.discoveryWG.Add(1)
	go func() {
		defer g.discoveryWG.Done()
		g.discovery.Run(dctx)
	}()

	L_info("gateway: started")
	return nil
}

// Run starts the gateway and blocks until ctx is done, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.Shutdown()
		return err
	}
	<-ctx.Done()
	g.Shutdown()
	return nil
}

// Shutdown stops discovery first so no new sessions are supervised, then
// the HTTP server, cron, the supervisor, and finally closes the stores.
// Session rows are kept.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(func() {
		SetShuttingDown()

		if g.cancel != nil {
			g.cancel()
		}
		g.discoveryWG.Wait()

		if g.http != nil {
			g.http.Stop()
		}
		g.cron.Stop()
		g.supervisor.Stop()
		g.close()

		L_info("gateway: shutdown complete", "uptime", time.Since(g.startTime).Round(time.Second))
	})
}

func (g *Gateway) close() {
	if g.closeDialer != nil {
		if err := g.closeDialer(); err != nil {
			L_warn("gateway: closing transport failed", "error", err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			L_warn("gateway: closing store failed", "error", err)
		}
	}
}

// Degraded describes why the gateway runs without sessions, or is empty
// when it is healthy.
func (g *Gateway) Degraded() string {
	return strings.Join(g.degraded, ", ")
}

// Supervisor returns the connection supervisor.
func (g *Gateway) Supervisor() *supervisor.Supervisor {
	return g.supervisor
}

// Store returns the session store, or nil when it could not be opened.
func (g *Gateway) Store() *store.Store {
	return g.store
}
