package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zette-dev/tether/internal/executor"
	"github.com/zette-dev/tether/internal/executor/mock"
)

func setLastActivity(m *Manager, chatID int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[chatID].lastActivity = at
}

func TestReaper_SweepRemovesIdleSessions(t *testing.T) {
	mgr, n := newTestManager(t, mock.New())
	now := time.Now()
	mgr.Create(1)
	mgr.Create(2)
	setLastActivity(mgr, 1, now.Add(-31*time.Minute))
	setLastActivity(mgr, 2, now.Add(-5*time.Minute))

	r := NewReaper(mgr, 30*time.Minute, time.Minute)
	expired := r.Sweep(now)

	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected chat 1 expired, got %v", expired)
	}
	if mgr.Exists(1) {
		t.Error("idle session should be removed")
	}
	if !mgr.Exists(2) {
		t.Error("recent session should be kept")
	}
	reasons := n.endedReasons()
	if len(reasons) != 1 || reasons[0] != "1:"+ReasonIdleTimeout {
		t.Errorf("expected one idle timeout notification, got %v", reasons)
	}

	if again := r.Sweep(now); len(again) != 0 {
		t.Errorf("second sweep should find nothing, got %v", again)
	}
	if got := len(n.endedReasons()); got != 1 {
		t.Errorf("expected exactly one notification, got %d", got)
	}
}

func TestReaper_SweepTerminatesRunningProcess(t *testing.T) {
	backend := mock.New()
	backend.Script = func(mock.Call) string { return longRunning }
	mgr, n := newTestManager(t, backend)
	mgr.Create(3)

	result := sendAsync(mgr, context.Background(), 3, "work")
	waitFor(t, "first progress event", func() bool { return len(n.events(3)) == 1 })

	now := time.Now()
	setLastActivity(mgr, 3, now.Add(-time.Hour))
	NewReaper(mgr, 30*time.Minute, time.Minute).Sweep(now)

	r := waitResult(t, result)
	if r.resp.Succeeded || r.resp.FailureDetail != executor.DetailTerminated {
		t.Errorf("expected terminated failure, got %+v", r.resp)
	}
	if mgr.Exists(3) {
		t.Error("expired session should be gone")
	}
}

func TestReaper_StillWorkingDoesNotKeepSessionAlive(t *testing.T) {
	backend := mock.New()
	backend.Script = func(mock.Call) string { return "sleep 30" }
	mgr := NewManager(backend, Options{QuietInterval: 50 * time.Millisecond})
	n := newNotifications()
	mgr.SetHandlers(n.handlers())
	t.Cleanup(mgr.Shutdown)
	mgr.Create(4)

	result := sendAsync(mgr, context.Background(), 4, "work")
	waitFor(t, "still working events", func() bool { return len(n.events(4)) >= 2 })

	for _, e := range n.events(4) {
		if e.Kind != executor.KindStillWorking {
			t.Fatalf("unexpected event kind %s", e.Kind)
		}
	}

	sent := mgr.Status(4).LastActivity
	time.Sleep(150 * time.Millisecond)
	if got := mgr.Status(4).LastActivity; !got.Equal(sent) {
		t.Errorf("still working touched activity: %s -> %s", sent, got)
	}

	mgr.Terminate(4)
	waitResult(t, result)
}

func TestReaper_SweepUnderConcurrentMutation(t *testing.T) {
	mgr, n := newTestManager(t, mock.New())
	stale := time.Now().Add(-time.Hour)
	mgr.now = func() time.Time { return stale }

	const chats = 50
	for id := int64(0); id < chats; id++ {
		mgr.Create(id)
	}

	r := NewReaper(mgr, time.Minute, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Sweep(time.Now())
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for id := int64(0); id < chats; id += 2 {
			mgr.Terminate(id)
		}
	}()
	go func() {
		defer wg.Done()
		for id := int64(chats); id < 2*chats; id++ {
			mgr.Create(id)
			mgr.Exists(id)
		}
	}()
	wg.Wait()
	r.Sweep(time.Now())

	seen := make(map[string]int)
	for _, reason := range n.endedReasons() {
		seen[reason]++
	}
	for reason, count := range seen {
		if count > 1 {
			t.Errorf("%s notified %d times", reason, count)
		}
	}
	for id := int64(1); id < chats; id += 2 {
		if seen[fmt.Sprintf("%d:%s", id, ReasonIdleTimeout)] != 1 {
			t.Errorf("chat %d: expected exactly one idle timeout notification", id)
		}
	}
	for id := int64(0); id < 2*chats; id++ {
		if mgr.Exists(id) {
			t.Errorf("chat %d should be gone", id)
		}
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	mgr, n := newTestManager(t, mock.New())
	mgr.Create(5)
	setLastActivity(mgr, 5, time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(mgr, time.Minute, 20*time.Millisecond).Run(ctx)
		close(done)
	}()

	waitFor(t, "reaper to expire session", func() bool { return !mgr.Exists(5) })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := len(n.endedReasons()); got != 1 {
		t.Errorf("expected 1 notification, got %d", got)
	}
}

func TestNewReaper_DefaultInterval(t *testing.T) {
	r := NewReaper(NewManager(mock.New(), Options{}), time.Minute, 0)
	if r.interval != DefaultSweepInterval {
		t.Errorf("expected %s, got %s", DefaultSweepInterval, r.interval)
	}
}
