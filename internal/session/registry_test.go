package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"termbridge/internal/activity"
	"termbridge/internal/tmux"
)

// fakeMux is an in-memory stand-in for the tmux server.
type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]tmux.SessionInfo
	sent     []string
	killed   []string
	listErr  error
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: make(map[string]tmux.SessionInfo)}
}

func (f *fakeMux) ListSessions(ctx context.Context) ([]tmux.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]tmux.SessionInfo, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeMux) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *fakeMux) NewSession(ctx context.Context, name, cwd, command string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = tmux.SessionInfo{Name: name, Path: cwd, Cols: cols, Rows: rows}
	return nil
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) SendKeys(ctx context.Context, name, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, name+":"+data)
	return nil
}

func (f *fakeMux) Resize(ctx context.Context, name string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.sessions[name]
	info.Cols, info.Rows = cols, rows
	f.sessions[name] = info
	return nil
}

func (f *fakeMux) drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

func (f *fakeMux) add(info tmux.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[info.Name] = info
}

// fakeClient records delivered events.
type fakeClient struct {
	id string

	mu     sync.Mutex
	events []Event
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Deliver(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *fakeClient) recorded() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeClient) countKind(kind EventKind) int {
	n := 0
	for _, ev := range c.recorded() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// fakeHandle captures writes; its callbacks let tests inject output
// and simulate detach/exit.
type fakeHandle struct {
	mu      sync.Mutex
	written []byte
	resized [][2]int
	cb      HandleCallbacks
	closed  bool
}

func (h *fakeHandle) Write(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.written = append(h.written, data...)
	return nil
}

func (h *fakeHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resized = append(h.resized, [2]int{cols, rows})
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	reg    *Registry
	mux    *fakeMux
	clock  *testClock
	handle *fakeHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mux:   newFakeMux(),
		clock: &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.reg = NewRegistry(f.mux, nil, Options{
		BufferCap: 1000,
		Retention: time.Minute,
		Now:       f.clock.now,
		Attach: func(name string, cols, rows int, cb HandleCallbacks) (ProcessHandle, error) {
			h := &fakeHandle{cb: cb}
			f.handle = h
			return h, nil
		},
	})
	return f
}

func (f *fixture) create(t *testing.T, name, cwd string) Summary {
	t.Helper()
	sum, err := f.reg.Create(context.Background(), CreateSpec{Name: name, Command: "bash", Cwd: cwd})
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", name, err)
	}
	return sum
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	_, err := f.reg.Create(context.Background(), CreateSpec{Name: "s1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegistry_CreateGeneratesCloudName(t *testing.T) {
	f := newFixture(t)
	sum, err := f.reg.Create(context.Background(), CreateSpec{Command: "bash"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(sum.Name, CloudNamePrefix) {
		t.Errorf("generated name %q missing cloud prefix", sum.Name)
	}
	if sum.Source != SourceCloud {
		t.Errorf("expected cloud source, got %s", sum.Source)
	}
}

func TestRegistry_WriteWithoutHandleUsesSendKeys(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	if err := f.reg.Write(context.Background(), "s1", []byte("ls\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(f.mux.sent) != 1 || f.mux.sent[0] != "s1:ls\n" {
		t.Errorf("expected send-keys injection, got %v", f.mux.sent)
	}
}

func TestRegistry_WriteThroughHandle(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	c := &fakeClient{id: "c1"}
	if err := f.reg.AddClient("s1", c); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	if err := f.reg.Write(context.Background(), "s1", []byte("ls\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if string(f.handle.written) != "ls\n" {
		t.Errorf("expected write through handle, got %q", f.handle.written)
	}
	if len(f.mux.sent) != 0 {
		t.Errorf("send-keys should not be used when attached, got %v", f.mux.sent)
	}
}

func TestRegistry_WriteUnknownAndExited(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.Write(context.Background(), "nope", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	f.create(t, "s1", "/a")
	f.mux.drop("s1")
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if err := f.reg.Write(context.Background(), "s1", []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestRegistry_HistoryBeforeOutput(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	first := &fakeClient{id: "c1"}
	if err := f.reg.AddClient("s1", first); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	f.handle.cb.OnData([]byte("early output"))

	late := &fakeClient{id: "c2"}
	if err := f.reg.AddClient("s1", late); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	f.handle.cb.OnData([]byte(" more"))

	events := late.recorded()
	if len(events) < 2 {
		t.Fatalf("expected history then output, got %v", events)
	}
	if events[0].Kind != EventHistory || events[0].Data != "early output" {
		t.Errorf("expected history replay of buffer, got %+v", events[0])
	}
	if events[0].Offset != int64(len("early output")) {
		t.Errorf("expected history cursor %d, got %d", len("early output"), events[0].Offset)
	}
	if events[1].Kind != EventOutput || events[1].Data != " more" {
		t.Errorf("expected live output after history, got %+v", events[1])
	}
	if events[1].Offset != int64(len("early output more")) {
		t.Errorf("expected output cursor %d, got %d", len("early output more"), events[1].Offset)
	}
}

func TestRegistry_OutputAfterExitIgnored(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	c := &fakeClient{id: "c1"}
	if err := f.reg.AddClient("s1", c); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	f.handle.cb.OnData([]byte("before"))

	f.mux.drop("s1")
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// The pty can flush one last chunk after the exit transition; it
	// must reach neither the buffer nor the clients.
	f.handle.cb.OnData([]byte("late"))

	if got := c.countKind(EventOutput); got != 1 {
		t.Errorf("expected only the pre-exit output event, got %d", got)
	}
	if got := c.countKind(EventExit); got != 1 {
		t.Errorf("expected exactly one exit event, got %d", got)
	}
	tail, err := f.reg.OutputTail("s1")
	if err != nil {
		t.Fatalf("OutputTail failed: %v", err)
	}
	if string(tail) != "before" {
		t.Errorf("post-exit output must not be buffered, got %q", tail)
	}
}

func TestRegistry_CreateSummaryUnderConcurrentReconcile(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.reg.Reconcile(context.Background())
			f.reg.List()
		}
	}()

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("s%d", i)
		sum, err := f.reg.Create(context.Background(), CreateSpec{Name: name, Command: "bash"})
		if err != nil {
			t.Fatalf("Create(%s) failed: %v", name, err)
		}
		if sum.Name != name || sum.Status != StatusRunning || sum.ClientCount != 0 {
			t.Errorf("unexpected summary for %s: %+v", name, sum)
		}
	}
	<-done
}

func TestRegistry_AddClientToExitedSignalsExit(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	f.mux.drop("s1")
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	c := &fakeClient{id: "c1"}
	if err := f.reg.AddClient("s1", c); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	events := c.recorded()
	if len(events) != 1 || events[0].Kind != EventExit {
		t.Fatalf("expected immediate exit signal, got %v", events)
	}
}

func TestRegistry_RemoveClientIdempotent(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	c := &fakeClient{id: "c1"}
	if err := f.reg.AddClient("s1", c); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	f.reg.RemoveClient("s1", "c1")
	f.reg.RemoveClient("s1", "c1")

	sum, _ := f.reg.Get("s1")
	if sum.ClientCount != 0 {
		t.Errorf("expected 0 clients, got %d", sum.ClientCount)
	}
	if sum.Status != StatusRunning {
		t.Errorf("session must stay running after last client leaves, got %s", sum.Status)
	}
	if !sum.Attached {
		t.Errorf("attachment must survive client departure")
	}
}

func TestRegistry_KillUnknown(t *testing.T) {
	f := newFixture(t)
	ok, err := f.reg.Kill(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if ok {
		t.Error("expected false for unknown session")
	}
}

func TestRegistry_KillTearsDown(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	ok, err := f.reg.Kill(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("Kill failed: ok=%v err=%v", ok, err)
	}
	if len(f.mux.killed) != 1 || f.mux.killed[0] != "s1" {
		t.Errorf("expected tmux kill-session, got %v", f.mux.killed)
	}
	if !f.handle.closed {
		t.Error("expected handle closed on kill")
	}
	if _, found := f.reg.Get("s1"); found {
		t.Error("expected session removed from registry")
	}
	if c.countKind(EventExit) != 1 {
		t.Errorf("expected one exit signal, got %d", c.countKind(EventExit))
	}
}

func TestRegistry_ActivityScenario(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	if _, err := f.reg.ApplyHook(activity.Hook{Event: "pre-tool", SessionID: "s1", Tool: "Bash"}); err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	sum, _ := f.reg.Get("s1")
	if sum.ActivityState != ActivityBusy {
		t.Errorf("expected busy after pre-tool, got %s", sum.ActivityState)
	}

	if _, err := f.reg.ApplyHook(activity.Hook{Event: "notification", SessionID: "s1"}); err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	sum, _ = f.reg.Get("s1")
	if sum.ActivityState != ActivityIdle {
		t.Errorf("expected idle after notification, got %s", sum.ActivityState)
	}

	task, err := f.reg.TaskStatus("s1")
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if task.ToolUseCount != 1 {
		t.Errorf("expected 1 tool use, got %d", task.ToolUseCount)
	}
	if task.TaskCompletedAt == nil {
		t.Error("expected task completion timestamp after idle")
	}
}

func TestRegistry_HookTargetingPrecedence(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/proj")
	f.create(t, "s2", "/proj")

	applied, err := f.reg.ApplyHook(activity.Hook{Event: "pre-tool", SessionID: "s1", Cwd: "/proj"})
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "s1" {
		t.Fatalf("explicit id must be authoritative, applied to %v", applied)
	}

	s2, _ := f.reg.Get("s2")
	if s2.ActivityState != ActivityIdle {
		t.Errorf("s2 shares the cwd but must not change state, got %s", s2.ActivityState)
	}
}

func TestRegistry_HookCwdFanout(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/proj")
	f.create(t, "s2", "/proj/sub")
	f.create(t, "s3", "/other")

	// Prime both to busy first so idle is observable.
	f.reg.ApplyHook(activity.Hook{Event: "pre-tool", Cwd: "/proj"})

	applied, err := f.reg.ApplyHook(activity.Hook{Event: "stop", Cwd: "/proj/"})
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected s1 and s2 updated, got %v", applied)
	}
	for _, name := range []string{"s1", "s2"} {
		sum, _ := f.reg.Get(name)
		if sum.ActivityState != ActivityIdle {
			t.Errorf("%s: expected idle, got %s", name, sum.ActivityState)
		}
	}
	s3, _ := f.reg.Get("s3")
	if s3.ActivityState != ActivityIdle {
		// s3 was never primed busy; it must simply be untouched.
		t.Logf("s3 state: %s", s3.ActivityState)
	}
}

func TestRegistry_HookWithoutIdentifier(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.ApplyHook(activity.Hook{Event: "stop"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegistry_SessionEndHookExitsSession(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	if _, err := f.reg.ApplyHook(activity.Hook{Event: "SessionEnd", SessionID: "s1"}); err != nil {
		t.Fatalf("hook failed: %v", err)
	}

	sum, _ := f.reg.Get("s1")
	if sum.ActivityState != ActivityExited {
		t.Errorf("expected exited activity, got %s", sum.ActivityState)
	}
	// Exited activity must imply exited status.
	if sum.Status != StatusExited {
		t.Errorf("activity exited must imply status exited, got %s", sum.Status)
	}
	if c.countKind(EventExit) != 1 {
		t.Errorf("expected one exit broadcast, got %d", c.countKind(EventExit))
	}

	// Further activity updates on the exited session must fail.
	err := f.reg.SetActivityState("s1", ActivityBusy, "pre-tool", "")
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning on exited session, got %v", err)
	}
}

func TestRegistry_PollingCursor(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	f.handle.cb.OnData([]byte(strings.Repeat("x", 50)))

	data, next, status, err := f.reg.ReadOutput("s1", 0)
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if len(data) != 50 || next != 50 {
		t.Fatalf("expected 50 bytes and offset 50, got %d and %d", len(data), next)
	}
	if status != StatusRunning {
		t.Errorf("expected running status, got %s", status)
	}

	data, next, _, err = f.reg.ReadOutput("s1", 50)
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if len(data) != 0 || next != 50 {
		t.Errorf("expected empty chunk and same offset, got %d bytes and %d", len(data), next)
	}
}

func TestRegistry_HandleExitWithLiveSessionStaysRunning(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	// tmux still lists the session: a detach, not a death.
	f.handle.cb.OnExit()

	sum, _ := f.reg.Get("s1")
	if sum.Status != StatusRunning {
		t.Errorf("detach must not exit the session, got %s", sum.Status)
	}
	if sum.Attached {
		t.Error("expected handle cleared after detach")
	}
	if c.countKind(EventExit) != 0 {
		t.Errorf("no exit signal expected on detach, got %d", c.countKind(EventExit))
	}
}

func TestRegistry_HandleExitWithDeadSessionExits(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	f.mux.drop("s1")
	f.handle.cb.OnExit()

	sum, _ := f.reg.Get("s1")
	if sum.Status != StatusExited {
		t.Errorf("expected exited after handle exit with dead session, got %s", sum.Status)
	}
	if c.countKind(EventExit) != 1 {
		t.Errorf("expected one exit signal, got %d", c.countKind(EventExit))
	}
}

func TestRegistry_TokenCountFromOutput(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	f.handle.cb.OnData([]byte("· Thinking… (12.5k tokens)"))
	task, _ := f.reg.TaskStatus("s1")
	if task.TokenCount != 12500 {
		t.Errorf("expected 12500 tokens, got %d", task.TokenCount)
	}

	// A smaller reading never decreases the counter.
	f.handle.cb.OnData([]byte("(900 tokens)"))
	task, _ = f.reg.TaskStatus("s1")
	if task.TokenCount != 12500 {
		t.Errorf("token count must be monotonic, got %d", task.TokenCount)
	}
}

func TestParseTokenCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"1,234 tokens", 1234},
		{"12.5k tokens", 12500},
		{"3k tokens", 3000},
		{"no numbers here", 0},
		{"tokens", 0},
	}
	for _, tc := range cases {
		if got := parseTokenCount([]byte(tc.in)); got != tc.want {
			t.Errorf("parseTokenCount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
