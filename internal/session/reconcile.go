package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"termbridge/internal/store"
	"termbridge/internal/tmux"
)

// Reconcile diffs the registry against the tmux server's listing.
// Newly listed sessions are registered as discovered; known sessions
// missing from the listing are marked exited (this is the only way
// externally-initiated kills are detected); sessions present in both
// get geometry and activity refreshed. A listing failure is returned
// for logging and retried by the next tick, never surfaced further.
func (r *Registry) Reconcile(ctx context.Context) error {
	listing, err := r.mux.ListSessions(ctx)
	if err != nil {
		return err
	}

	listed := make(map[string]tmux.SessionInfo, len(listing))
	for _, info := range listing {
		listed[info.Name] = info
	}

	r.mu.RLock()
	known := make(map[string]*Session, len(r.sessions))
	for name, s := range r.sessions {
		known[name] = s
	}
	r.mu.RUnlock()

	for name, info := range listed {
		s, ok := known[name]
		if !ok {
			r.register(info)
			continue
		}
		if s.Status() == StatusExited {
			// Name collision with a record already marked exited:
			// the listing entry is a new session that happens to
			// reuse the name. Replace the stale record outright.
			log.Info("exited session name reused, replacing record", "session", name)
			r.mu.Lock()
			delete(r.sessions, name)
			r.mu.Unlock()
			r.register(info)
			continue
		}
		s.mu.Lock()
		if info.Cols > 0 {
			s.cols = info.Cols
		}
		if info.Rows > 0 {
			s.rows = info.Rows
		}
		if info.Activity.After(s.lastActivity) {
			s.lastActivity = info.Activity
		}
		s.mu.Unlock()
	}

	for name, s := range known {
		if _, ok := listed[name]; ok {
			continue
		}
		if s.Status() == StatusRunning {
			log.Info("session vanished from tmux", "session", name)
			r.markExited(s)
		}
	}
	return nil
}

// register adds a session discovered in the tmux listing. The cloud
// name prefix marks sessions this bridge (or a previous run of it)
// created; everything else is local.
func (r *Registry) register(info tmux.SessionInfo) {
	source := SourceLocal
	if strings.HasPrefix(info.Name, CloudNamePrefix) {
		source = SourceCloud
	}

	now := r.now()
	createdAt := info.Created
	if createdAt.IsZero() {
		createdAt = now
	}
	lastActivity := info.Activity
	if lastActivity.IsZero() {
		lastActivity = now
	}

	s := &Session{
		name:         info.Name,
		status:       StatusRunning,
		activity:     ActivityIdle,
		cwd:          info.Path,
		cols:         info.Cols,
		rows:         info.Rows,
		createdAt:    createdAt,
		lastActivity: lastActivity,
		source:       source,
		buffer:       NewOutputBuffer(r.bufferCap),
		clients:      make(map[string]Client),
	}

	r.mu.Lock()
	if _, ok := r.sessions[info.Name]; ok {
		r.mu.Unlock()
		return
	}
	r.sessions[info.Name] = s
	r.mu.Unlock()

	r.persist("create", func(ctx context.Context) error {
		return r.sink.CreateSessionRecord(ctx, store.Record{
			Name:      info.Name,
			Cwd:       info.Path,
			Cols:      info.Cols,
			Rows:      info.Rows,
			Source:    string(source),
			CreatedAt: createdAt,
		})
	})
	log.Info("session discovered", "session", info.Name, "source", source)
}

// Cleanup evicts exited sessions with no clients once the retention
// window has passed. Eviction is a hard delete.
func (r *Registry) Cleanup() {
	now := r.now()

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		evict := s.status == StatusExited &&
			len(s.clients) == 0 &&
			now.Sub(s.exitedAt) >= r.retention
		name := s.name
		s.mu.Unlock()

		if !evict {
			continue
		}
		r.mu.Lock()
		delete(r.sessions, name)
		r.mu.Unlock()

		r.persist("delete", func(ctx context.Context) error {
			return r.sink.DeleteSessionRecord(ctx, name)
		})
		log.Info("session evicted", "session", name)
	}
}

// Loops runs reconciliation and cleanup on their timers.
type Loops struct {
	reg    *Registry
	stop   chan struct{}
	wg     sync.WaitGroup
	stopMu sync.Once
}

// StartLoops starts both timers. Stop shuts them down.
func StartLoops(reg *Registry, reconcileEvery, cleanupEvery time.Duration) *Loops {
	l := &Loops{reg: reg, stop: make(chan struct{})}

	l.wg.Add(2)
	go l.run(reconcileEvery, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := reg.Reconcile(ctx); err != nil {
			log.Warn("reconcile failed, will retry", "error", err)
		}
	})
	go l.run(cleanupEvery, reg.Cleanup)
	return l
}

func (l *Loops) run(every time.Duration, tick func()) {
	defer l.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-l.stop:
			return
		}
	}
}

// Stop halts both loops and waits for in-flight ticks.
func (l *Loops) Stop() {
	l.stopMu.Do(func() { close(l.stop) })
	l.wg.Wait()
}
