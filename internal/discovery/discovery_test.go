package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wagate/internal/store"
)

type fakeSource struct {
	initial  []*store.Session
	err      error
	feed     chan *store.Session
	afterSeq int64
}

func (f *fakeSource) FindAllSessions(context.Context) ([]*store.Session, error) {
	return f.initial, f.err
}

func (f *fakeSource) WatchInsertions(_ context.Context, afterSeq int64) <-chan *store.Session {
	f.afterSeq = afterSeq
	return f.feed
}

type recorder struct {
	mu      sync.Mutex
	tenants []string
}

func (r *recorder) Supervise(sess *store.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, sess.TenantID)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.tenants...)
	sort.Strings(out)
	return out
}

func runDiscovery(t *testing.T, src *fakeSource, rec *recorder) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(src, rec).Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestInitialThenFeed(t *testing.T) {
	src := &fakeSource{
		initial: []*store.Session{{Seq: 1, TenantID: "a"}, {Seq: 4, TenantID: "b"}},
		feed:    make(chan *store.Session, 4),
	}
	rec := &recorder{}
	runDiscovery(t, src, rec)

	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, time.Second, 5*time.Millisecond)

	src.feed <- &store.Session{Seq: 5, TenantID: "c"}
	src.feed <- &store.Session{Seq: 5, TenantID: "c"}
	require.Eventually(t, func() bool { return len(rec.seen()) == 4 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a", "b", "c", "c"}, rec.seen(), "duplicates are passed on; the supervisor ignores them")
	assert.Equal(t, int64(4), src.afterSeq)
}

func TestInitialFetchFailureStillWatches(t *testing.T) {
	src := &fakeSource{err: errors.New("database is locked"), feed: make(chan *store.Session, 1)}
	rec := &recorder{}
	runDiscovery(t, src, rec)

	src.feed <- &store.Session{Seq: 1, TenantID: "a"}
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), src.afterSeq)
}

func TestStopsWhenFeedCloses(t *testing.T) {
	src := &fakeSource{feed: make(chan *store.Session)}
	rec := &recorder{}
	_, done := runDiscovery(t, src, rec)

	close(src.feed)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
