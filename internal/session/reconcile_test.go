package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"termbridge/internal/tmux"
)

func TestReconcile_DiscoversLocalSessions(t *testing.T) {
	f := newFixture(t)
	f.mux.add(tmux.SessionInfo{
		Name: "work", Path: "/home/u/proj", Cols: 120, Rows: 40,
		Created:  time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		Activity: time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC),
	})

	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	sum, ok := f.reg.Get("work")
	if !ok {
		t.Fatal("expected discovered session")
	}
	if sum.Source != SourceLocal {
		t.Errorf("expected local source, got %s", sum.Source)
	}
	if sum.Status != StatusRunning || sum.Cols != 120 || sum.Cwd != "/home/u/proj" {
		t.Errorf("unexpected discovered record: %+v", sum)
	}
}

func TestReconcile_CloudPrefixKeepsCloudSource(t *testing.T) {
	f := newFixture(t)
	f.mux.add(tmux.SessionInfo{Name: "cloud-ab12cd34", Path: "/tmp"})

	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	sum, _ := f.reg.Get("cloud-ab12cd34")
	if sum.Source != SourceCloud {
		t.Errorf("cloud-prefixed session must be tagged cloud, got %s", sum.Source)
	}
}

func TestReconcile_VanishedSessionExitsOnce(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	f.mux.drop("s1")

	// Two ticks: the exit signal must still be broadcast exactly once.
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	sum, _ := f.reg.Get("s1")
	if sum.Status != StatusExited || sum.ActivityState != ActivityExited {
		t.Errorf("expected exited/exited, got %s/%s", sum.Status, sum.ActivityState)
	}
	if got := c.countKind(EventExit); got != 1 {
		t.Errorf("expected exactly one exit broadcast, got %d", got)
	}
}

func TestReconcile_RefreshesGeometryAndActivity(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	later := f.clock.now().Add(time.Hour)
	f.mux.add(tmux.SessionInfo{Name: "s1", Path: "/a", Cols: 200, Rows: 50, Activity: later})

	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	sum, _ := f.reg.Get("s1")
	if sum.Cols != 200 || sum.Rows != 50 {
		t.Errorf("expected refreshed geometry 200x50, got %dx%d", sum.Cols, sum.Rows)
	}
	if !sum.LastActivity.Equal(later) {
		t.Errorf("expected refreshed activity %v, got %v", later, sum.LastActivity)
	}
}

func TestReconcile_ExitedNameReuseReplacesRecord(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)
	f.handle.cb.OnData([]byte("old output"))
	before, _ := f.reg.Get("s1")

	// Session dies, then a new one reuses the name before cleanup.
	f.mux.drop("s1")
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	f.clock.advance(time.Second)
	f.mux.add(tmux.SessionInfo{Name: "s1", Path: "/b", Created: f.clock.now()})
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	sum, ok := f.reg.Get("s1")
	if !ok {
		t.Fatal("expected replacement record")
	}
	if sum.Status != StatusRunning {
		t.Errorf("replacement must be running, got %s", sum.Status)
	}
	if sum.Cwd != "/b" {
		t.Errorf("expected new cwd /b, got %s", sum.Cwd)
	}
	if !sum.CreatedAt.After(before.CreatedAt) {
		t.Errorf("replacement must be a new entity, createdAt %v vs %v", sum.CreatedAt, before.CreatedAt)
	}
	if sum.ClientCount != 0 {
		t.Errorf("old clients must not carry over, got %d", sum.ClientCount)
	}
	tail, err := f.reg.OutputTail("s1")
	if err != nil {
		t.Fatalf("OutputTail failed: %v", err)
	}
	if len(tail) != 0 {
		t.Errorf("replacement must start with an empty buffer, got %q", tail)
	}
}

func TestReconcile_ListFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")

	f.mux.mu.Lock()
	f.mux.listErr = errors.New("tmux gone")
	f.mux.mu.Unlock()

	if err := f.reg.Reconcile(context.Background()); err == nil {
		t.Fatal("expected listing error to be returned for retry")
	}
	// The registry must be untouched by a failed tick.
	sum, _ := f.reg.Get("s1")
	if sum.Status != StatusRunning {
		t.Errorf("failed listing must not exit sessions, got %s", sum.Status)
	}
}

func TestCleanup_RespectsRetentionAndClients(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", "/a")
	c := &fakeClient{id: "c1"}
	f.reg.AddClient("s1", c)

	f.mux.drop("s1")
	if err := f.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// Exited but a client is still attached: never evicted.
	f.clock.advance(2 * time.Minute)
	f.reg.Cleanup()
	if _, ok := f.reg.Get("s1"); !ok {
		t.Fatal("session with clients must not be evicted")
	}

	// Clientless but inside the retention window: kept.
	f.reg.RemoveClient("s1", "c1")
	f2 := newFixture(t)
	f2.create(t, "s2", "/b")
	f2.mux.drop("s2")
	f2.reg.Reconcile(context.Background())
	f2.clock.advance(30 * time.Second)
	f2.reg.Cleanup()
	if _, ok := f2.reg.Get("s2"); !ok {
		t.Fatal("session inside retention window must not be evicted")
	}

	// Past the window with no clients: evicted for good.
	f.clock.advance(10 * time.Minute)
	f.reg.Cleanup()
	if _, ok := f.reg.Get("s1"); ok {
		t.Fatal("expected eviction after retention window")
	}
}

func TestLoops_StartStop(t *testing.T) {
	f := newFixture(t)
	loops := StartLoops(f.reg, 10*time.Millisecond, 10*time.Millisecond)
	f.mux.add(tmux.SessionInfo{Name: "bg", Path: "/x"})

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := f.reg.Get("bg"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reconcile loop never picked up the new session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	loops.Stop()
	// Stop twice is safe.
	loops.Stop()
}
