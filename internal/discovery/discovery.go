// Package discovery feeds persisted and newly inserted sessions to the
// supervisor.
package discovery

import (
	"context"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/metrics"
	"github.com/roelfdiedericks/wagate/internal/store"
)

// Source lists persisted sessions and streams new ones.
type Source interface {
	FindAllSessions(ctx context.Context) ([]*store.Session, error)
	WatchInsertions(ctx context.Context, afterSeq int64) <-chan *store.Session
}

// Supervisor is told about every session.
type Supervisor interface {
	Supervise(sess *store.Session)
}

// Discovery connects Source to Supervisor.
type Discovery struct {
	source Source
	sup    Supervisor
}

// New creates a Discovery.
func New(source Source, sup Supervisor) *Discovery {
	return &Discovery{source: source, sup: sup}
}

// Run supervises every persisted session, then every inserted one, until
// ctx is done. A failed initial fetch is logged and the feed starts from
// the beginning, so existing rows are still picked up once the store
// recovers.
func (d *Discovery) Run(ctx context.Context) {
	var last int64

	sessions, err := d.source.FindAllSessions(ctx)
	if err != nil {
		L_error("discovery: initial fetch failed, waiting for the feed", "error", err)
	}
	for _, sess := range sessions {
		if sess.Seq > last {
			last = sess.Seq
		}
		go d.sup.Supervise(sess)
	}
	L_info("discovery: initial sessions", "count", len(sessions))
	metrics.MetricSet("discovery", "initial", int64(len(sessions)))
	metrics.MetricAdd("discovery", "supervised", int64(len(sessions)))

	feed := d.source.WatchInsertions(ctx, last)
	for {
		select {
		case <-ctx.Done():
			L_debug("discovery: stopped")
			return
		case sess, ok := <-feed:
			if !ok {
				L_debug("discovery: feed closed")
				return
			}
			L_info("discovery: new session", "tenant", sess.TenantID, "seq", sess.Seq)
			metrics.MetricInc("discovery", "inserted")
			metrics.MetricAdd("discovery", "supervised", 1)
			go d.sup.Supervise(sess)
		}
	}
}
