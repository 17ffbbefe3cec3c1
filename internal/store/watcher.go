package store

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// WatchInsertions streams every session with seq > afterSeq, in order, and
// keeps streaming new rows until ctx is done. It wakes on inserts made
// through this Store, on writes to the database files by other processes
// (fsnotify), and on a poll ticker. A session may be delivered more than
// once if it is re-read after an error; consumers must tolerate that.
func (s *Store) WatchInsertions(ctx context.Context, afterSeq int64) <-chan *Session {
	out := make(chan *Session, 16)
	go s.watchLoop(ctx, afterSeq, out)
	return out
}

func (s *Store) watchLoop(ctx context.Context, last int64, out chan<- *Session) {
	defer close(out)

	fsEvents, closeWatcher := s.watchFiles()
	defer closeWatcher()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	L_debug("store: insertion feed started", "afterSeq", last)

	for {
		// Grab the signal before querying so an insert that lands between
		// the query and the wait still wakes us.
		inserted := s.insertedSignal()

		rows, err := s.sessionsAfter(ctx, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			L_warn("store: insertion feed query failed", "error", err)
		}
		for _, sess := range rows {
			select {
			case out <- sess:
				last = sess.Seq
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			L_debug("store: insertion feed stopped")
			return
		case <-inserted:
		case <-fsEvents:
		case <-ticker.C:
		}
	}
}

// watchFiles watches the database directory and signals on writes to the
// database or its WAL. Returns a nil channel when watching is unavailable,
// leaving the poll ticker as the only cross-process wake-up.
func (s *Store) watchFiles() (<-chan struct{}, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("store: fsnotify unavailable, polling only", "error", err)
		return nil, func() {}
	}

	dir := filepath.Dir(s.config.Path)
	if err := watcher.Add(dir); err != nil {
		L_warn("store: failed to watch database directory, polling only", "dir", dir, "error", err)
		watcher.Close()
		return nil, func() {}
	}

	base := filepath.Base(s.config.Path)
	signal := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case signal <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("store: watcher error", "error", err)
			}
		}
	}()

	return signal, func() {
		close(done)
		watcher.Close()
	}
}
