package session

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"termbridge/internal/store"
	"termbridge/internal/tmux"
)

const (
	// DefaultBufferCap bounds each session's retained output.
	DefaultBufferCap = 100_000
	// DefaultRetention is how long an exited, clientless session
	// stays visible before the cleanup loop evicts it.
	DefaultRetention = 5 * time.Minute

	persistTimeout = 5 * time.Second
)

// ProcessHandle is what the registry needs from an attachment.
// Narrowed to an interface so tests can drive output and exit without
// a live tmux server.
type ProcessHandle interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	Close()
}

type AttachFunc func(name string, cols, rows int, cb HandleCallbacks) (ProcessHandle, error)

// Options configures a Registry.
type Options struct {
	TmuxBin   string
	BufferCap int
	Retention time.Duration

	// Now and Attach are injection points for tests.
	Now    func() time.Time
	Attach AttachFunc
}

// Session is one registry record. All fields are guarded by mu;
// independent sessions never contend with each other.
type Session struct {
	mu sync.Mutex

	name         string
	status       Status
	activity     ActivityState
	cwd          string
	cols, rows   int
	createdAt    time.Time
	lastActivity time.Time
	exitedAt     time.Time
	source       Source
	task         TaskStatus

	buffer  *OutputBuffer
	clients map[string]Client
	handle  ProcessHandle
}

// Registry is the authoritative map of session name → record,
// reconciled against the tmux server's listing on a timer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	mux       tmux.Client
	sink      store.Sink
	bufferCap int
	retention time.Duration
	now       func() time.Time
	attach    AttachFunc
}

// NewRegistry creates a registry backed by the given tmux client and
// persistence sink.
func NewRegistry(mux tmux.Client, sink store.Sink, opts Options) *Registry {
	if opts.BufferCap <= 0 {
		opts.BufferCap = DefaultBufferCap
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Attach == nil {
		bin := opts.TmuxBin
		opts.Attach = func(name string, cols, rows int, cb HandleCallbacks) (ProcessHandle, error) {
			return AttachHandle(bin, name, cols, rows, cb)
		}
	}
	if sink == nil {
		sink = store.Nop{}
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		mux:       mux,
		sink:      sink,
		bufferCap: opts.BufferCap,
		retention: opts.Retention,
		now:       opts.Now,
		attach:    opts.Attach,
	}
}

// CreateSpec describes a session to create.
type CreateSpec struct {
	Name    string
	Command string
	Cwd     string
	Cols    int
	Rows    int
}

// Create makes a new tmux session and registers it. The name must
// not exist in the multiplexer; a name the registry still holds as
// exited is replaced (a recreated session is a new entity).
func (r *Registry) Create(ctx context.Context, spec CreateSpec) (Summary, error) {
	name := spec.Name
	if name == "" {
		name = CloudNamePrefix + uuid.NewString()[:8]
	}
	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	r.mu.Lock()
	if existing, ok := r.sessions[name]; ok && existing.Status() == StatusRunning {
		r.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	r.mu.Unlock()

	exists, err := r.mux.HasSession(ctx, name)
	if err != nil {
		return Summary{}, fmt.Errorf("check session %s: %w", name, err)
	}
	if exists {
		return Summary{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if err := r.mux.NewSession(ctx, name, spec.Cwd, spec.Command, cols, rows); err != nil {
		return Summary{}, fmt.Errorf("create session %s: %w", name, err)
	}

	now := r.now()
	s := &Session{
		name:         name,
		status:       StatusRunning,
		activity:     ActivityIdle,
		cwd:          spec.Cwd,
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		source:       SourceCloud,
		buffer:       NewOutputBuffer(r.bufferCap),
		clients:      make(map[string]Client),
	}
	// Snapshot the summary before the session is visible to
	// reconciliation or concurrent clients.
	sum := s.summary()

	r.mu.Lock()
	r.sessions[name] = s
	r.mu.Unlock()

	r.persist("create", func(ctx context.Context) error {
		return r.sink.CreateSessionRecord(ctx, store.Record{
			Name:      name,
			Cwd:       spec.Cwd,
			Cols:      cols,
			Rows:      rows,
			Source:    string(SourceCloud),
			CreatedAt: now,
		})
	})

	log.Info("session created", "session", name, "cwd", spec.Cwd)
	return sum, nil
}

// Get returns a session summary by name.
func (r *Registry) Get(name string) (Summary, bool) {
	s := r.lookup(name)
	if s == nil {
		return Summary{}, false
	}
	return s.summaryLocked(), true
}

// List returns summaries for every known session, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(all))
	for _, s := range all {
		out = append(out, s.summaryLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Kill terminates the tmux session, detaches the handle, removes the
// record, and persists the deletion. Returns false for unknown names.
func (r *Registry) Kill(ctx context.Context, name string) (bool, error) {
	s := r.lookup(name)
	if s == nil {
		return false, nil
	}

	if err := r.mux.KillSession(ctx, name); err != nil {
		// A session tmux no longer knows is effectively killed.
		if !strings.Contains(err.Error(), "can't find session") {
			return false, fmt.Errorf("kill session %s: %w", name, err)
		}
	}

	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	if s.status != StatusExited {
		s.status = StatusExited
		s.activity = ActivityExited
		s.exitedAt = r.now()
		s.broadcast(Event{Kind: EventExit})
	}
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}

	r.mu.Lock()
	delete(r.sessions, name)
	r.mu.Unlock()

	r.persist("delete", func(ctx context.Context) error {
		return r.sink.DeleteSessionRecord(ctx, name)
	})

	log.Info("session killed", "session", name)
	return true, nil
}

// Write routes input to a session. It goes through the attachment
// when one exists; otherwise tmux send-keys injects it directly, so
// input works without any streaming client.
func (r *Registry) Write(ctx context.Context, name string, data []byte) error {
	s := r.lookup(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	handle := s.handle
	s.lastActivity = r.now()
	s.mu.Unlock()

	if handle != nil {
		return handle.Write(data)
	}
	return r.mux.SendKeys(ctx, name, string(data))
}

// Resize updates geometry on the record, the tmux window, and the
// attachment when present.
func (r *Registry) Resize(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: geometry %dx%d", ErrInvalidInput, cols, rows)
	}
	s := r.lookup(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	s.cols, s.rows = cols, rows
	handle := s.handle
	s.mu.Unlock()

	if err := r.mux.Resize(ctx, name, cols, rows); err != nil {
		return fmt.Errorf("resize session %s: %w", name, err)
	}
	if handle != nil {
		if err := handle.Resize(cols, rows); err != nil {
			log.Warn("attachment resize failed", "session", name, "error", err)
		}
	}
	return nil
}

// AddClient attaches a client to a session. The first client on a
// running session triggers the lazy process attachment. The client
// receives the full output buffer as history before any live output;
// on an exited session it receives an immediate exit signal instead.
func (r *Registry) AddClient(name string, c Client) error {
	s := r.lookup(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.ID()] = c

	if s.status == StatusExited {
		c.Deliver(Event{Kind: EventExit})
		return nil
	}

	c.Deliver(Event{Kind: EventHistory, Data: string(s.buffer.Snapshot()), Offset: s.buffer.End()})

	if s.handle == nil {
		handle, err := r.attach(name, s.cols, s.rows, HandleCallbacks{
			OnData: func(data []byte) { r.onData(s, data) },
			OnExit: func() { r.onHandleExit(s) },
		})
		if err != nil {
			// Input still works via send-keys; streaming will be
			// retried when the next client attaches.
			log.Warn("attach failed", "session", name, "error", err)
			return nil
		}
		s.handle = handle
		log.Debug("attached", "session", name)
	}
	return nil
}

// RemoveClient detaches client bookkeeping only. The attachment and
// the tmux session stay alive regardless of client presence; sessions
// outlive their viewers. Removing twice is a no-op.
func (r *Registry) RemoveClient(name, clientID string) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// SetActivityState applies an externally-reported activity change.
// Setting ActivityExited also ends the session: exited activity
// implies exited status.
func (r *Registry) SetActivityState(name string, state ActivityState, event, tool string) error {
	s := r.lookup(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	now := r.now()
	s.lastActivity = now
	s.updateTask(state, tool, now)

	if state == ActivityExited {
		s.mu.Unlock()
		r.markExited(s)
		return nil
	}

	s.activity = state
	task := s.task
	s.broadcast(Event{Kind: EventActivity, State: state, Task: &task})
	s.mu.Unlock()

	r.persist("status", func(ctx context.Context) error {
		return r.sink.UpdateSessionStatus(ctx, name, string(StatusRunning), string(state))
	})
	return nil
}

// FindByCwd returns the names of running sessions whose working
// directory equals or descends from dir. Trailing separators on
// either side are ignored.
func (r *Registry) FindByCwd(dir string) []string {
	base := strings.TrimRight(dir, "/")
	if base == "" {
		base = "/"
	}

	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var names []string
	for _, s := range all {
		s.mu.Lock()
		cwd := strings.TrimRight(s.cwd, "/")
		running := s.status == StatusRunning
		s.mu.Unlock()
		if !running {
			continue
		}
		if cwd == base || strings.HasPrefix(cwd, base+"/") || base == "/" {
			names = append(names, s.name)
		}
	}
	sort.Strings(names)
	return names
}

// ReadOutput serves the HTTP polling fallback: the bytes written at
// or after offset, the next offset, and the session status.
func (r *Registry) ReadOutput(name string, offset int64) ([]byte, int64, Status, error) {
	s := r.lookup(name)
	if s == nil {
		return nil, 0, "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, next := s.buffer.ReadFrom(offset)
	return data, next, s.Status(), nil
}

// OutputTail returns the retained buffer for the detail endpoint.
func (r *Registry) OutputTail(name string) ([]byte, error) {
	s := r.lookup(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.buffer.Snapshot(), nil
}

// TaskStatus returns the derived task metrics for a session.
func (r *Registry) TaskStatus(name string) (TaskStatus, error) {
	s := r.lookup(name)
	if s == nil {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task, nil
}

// Shutdown detaches every process handle. tmux sessions are left
// running; they are meant to outlive this process.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		handle := s.handle
		s.handle = nil
		s.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
	}
}

// onData is the attachment's output callback: buffer, timestamp,
// token parsing, fan-out, then fire-and-forget persistence.
func (r *Registry) onData(s *Session, data []byte) {
	chunk := append([]byte(nil), data...)

	s.mu.Lock()
	if s.status != StatusRunning {
		// The pty can flush a final chunk after the exit transition;
		// clients already got their exit signal, so drop it.
		s.mu.Unlock()
		return
	}
	s.buffer.Append(chunk)
	s.lastActivity = r.now()
	if n := parseTokenCount(chunk); n > s.task.TokenCount {
		s.task.TokenCount = n
	}
	s.broadcast(Event{Kind: EventOutput, Data: string(chunk), Offset: s.buffer.End()})
	name := s.name
	s.mu.Unlock()

	r.persist("output", func(ctx context.Context) error {
		return r.sink.AppendOutput(ctx, name, chunk)
	})
}

// onHandleExit runs when the attach process ends. A dead attachment
// does not mean a dead session: tmux may just have detached us. Only
// a session missing from the server transitions to exited.
func (r *Registry) onHandleExit(s *Session) {
	s.mu.Lock()
	s.handle = nil
	name := s.name
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	exists, err := r.mux.HasSession(ctx, name)
	if err != nil {
		log.Warn("post-detach liveness check failed", "session", name, "error", err)
		return
	}
	if exists {
		log.Debug("detached, session still alive", "session", name)
		return
	}
	r.markExited(s)
}

// markExited performs the one-way running → exited transition and
// broadcasts exactly one exit signal.
func (r *Registry) markExited(s *Session) {
	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return
	}
	s.status = StatusExited
	s.activity = ActivityExited
	s.exitedAt = r.now()
	handle := s.handle
	s.handle = nil
	name := s.name
	s.broadcast(Event{Kind: EventExit})
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}

	r.persist("status", func(ctx context.Context) error {
		return r.sink.UpdateSessionStatus(ctx, name, string(StatusExited), string(ActivityExited))
	})
	log.Info("session exited", "session", name)
}

func (r *Registry) lookup(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[name]
}

// persist runs a sink write in the background. Persistence failure is
// logged and never propagated; the live path stays correct even when
// durability is degraded.
func (r *Registry) persist(op string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn("persist failed", "op", op, "error", err)
		}
	}()
}

// Status returns the session status. Exported for the Session record
// handed to loops and tests.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// broadcast fans an event out to every client. Callers hold s.mu.
// Deliver is non-blocking; a client that cannot keep up misses the
// event and its transport drops it later.
func (s *Session) broadcast(ev Event) {
	for _, c := range s.clients {
		c.Deliver(ev)
	}
}

func (s *Session) summaryLocked() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary()
}

func (s *Session) summary() Summary {
	return Summary{
		Name:          s.name,
		Status:        s.status,
		ActivityState: s.activity,
		Cwd:           s.cwd,
		Cols:          s.cols,
		Rows:          s.rows,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		ClientCount:   len(s.clients),
		Attached:      s.handle != nil,
		Source:        s.source,
	}
}

// updateTask advances the derived task metrics. Counters only move
// forward; a new busy phase after idle starts a new task window.
func (s *Session) updateTask(state ActivityState, tool string, now time.Time) {
	switch state {
	case ActivityBusy:
		if s.activity != ActivityBusy {
			t := now
			s.task.TaskStartTime = &t
			s.task.TaskCompletedAt = nil
		}
		if tool != "" {
			s.task.CurrentTool = tool
			s.task.ToolUseCount++
		}
	case ActivityIdle:
		if s.activity == ActivityBusy {
			t := now
			s.task.TaskCompletedAt = &t
		}
		s.task.CurrentTool = ""
	}
}

var tokenCountRe = regexp.MustCompile(`(?i)([0-9][0-9,]*(?:\.[0-9]+)?)(k?)\s*tokens`)

// parseTokenCount extracts a token total from terminal output.
// Best-effort: agent UIs print running totals like "12.5k tokens".
func parseTokenCount(data []byte) int {
	m := tokenCountRe.FindSubmatch(data)
	if m == nil {
		return 0
	}
	raw := strings.ReplaceAll(string(m[1]), ",", "")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(string(m[2]), "k") {
		f *= 1000
	}
	return int(f)
}
