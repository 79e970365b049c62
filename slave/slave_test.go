package slave

import (
	"testing"
	"time"

	"github.com/cocaine-rt/cocained/app"
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/reactor"
)

func testProfile() app.Profile {
	p := app.DefaultProfile()
	p.StartupTimeout = 50 * time.Millisecond
	p.HeartbeatTimeout = 50 * time.Millisecond
	p.IdleTimeout = 30 * time.Millisecond
	p.TerminationTimeout = 30 * time.Millisecond
	p.Concurrency = 2
	return p
}

type fakeControl struct {
	heartbeats int
	terminated bool
	closed     bool
}

func (f *fakeControl) SendHeartbeat() error { f.heartbeats++; return nil }
func (f *fakeControl) SendTerminate(fserrors.Code, string) error {
	f.terminated = true
	return nil
}
func (f *fakeControl) Close() error { f.closed = true; return nil }

func runReactor(t *testing.T) (*reactor.Reactor, func()) {
	t.Helper()
	r := reactor.New()
	go r.Run()
	return r, func() { r.Stop() }
}

func TestHappyPathToActive(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	s := New("uuid-1", testProfile(), r, func(string, fserrors.Code) {})
	if s.State() != StateSpawning {
		t.Fatalf("expected spawning, got %s", s.State())
	}
	if err := s.HandleHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if s.State() != StateHandshaking {
		t.Fatalf("expected handshaking, got %s", s.State())
	}
	if err := s.Activate(&fakeControl{}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}
}

func TestSpawnTimeoutKillsSlave(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	died := make(chan fserrors.Code, 1)
	s := New("uuid-2", testProfile(), r, func(_ string, code fserrors.Code) { died <- code })
	select {
	case code := <-died:
		if code != fserrors.CodeSpawnTimeout {
			t.Fatalf("expected spawn_timeout, got %s", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not die on spawn timeout")
	}
	if s.State() != StateDead {
		t.Fatalf("expected dead, got %s", s.State())
	}
}

func TestLoadAccountingInjectAndRelease(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	s := New("uuid-3", testProfile(), r, func(string, fserrors.Code) {})
	_ = s.HandleHandshake()
	_ = s.Activate(&fakeControl{})

	if err := s.Inject(1, dispatch.Dispatch{}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if s.Load() != 1 || len(s.ActiveChannels()) != 1 {
		t.Fatalf("expected load 1, got load=%d channels=%v", s.Load(), s.ActiveChannels())
	}
	s.ReleaseChannel(1)
	if s.Load() != 0 {
		t.Fatalf("expected load 0 after release, got %d", s.Load())
	}
	// Idempotent: releasing again must not go negative.
	s.ReleaseChannel(1)
	if s.Load() != 0 {
		t.Fatalf("expected load to stay 0, got %d", s.Load())
	}
}

func TestConcurrencyCapBlocksAssignment(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	s := New("uuid-4", testProfile(), r, func(string, fserrors.Code) {})
	_ = s.HandleHandshake()
	_ = s.Activate(&fakeControl{})
	_ = s.Inject(1, dispatch.Dispatch{})
	_ = s.Inject(2, dispatch.Dispatch{})
	if s.Assignable() {
		t.Fatal("expected slave at concurrency cap to be unassignable")
	}
	if err := s.Inject(3, dispatch.Dispatch{}); err == nil {
		t.Fatal("expected inject over cap to fail")
	}
}

func TestHeartbeatTimeoutKillsSlave(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	died := make(chan fserrors.Code, 1)
	s := New("uuid-5", testProfile(), r, func(_ string, code fserrors.Code) { died <- code })
	_ = s.HandleHandshake()
	_ = s.Activate(&fakeControl{})
	// Load 1 keeps the idle timer (shorter than the heartbeat timeout) disarmed.
	if err := s.Inject(1, dispatch.Dispatch{}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	select {
	case code := <-died:
		if code != fserrors.CodeHeartbeatTimeout {
			t.Fatalf("expected heartbeat_timeout, got %s", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not die on heartbeat timeout")
	}
}

func TestHeartbeatResetsTimer(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	died := make(chan fserrors.Code, 1)
	s := New("uuid-6", testProfile(), r, func(_ string, code fserrors.Code) { died <- code })
	_ = s.HandleHandshake()
	_ = s.Activate(&fakeControl{})
	// Load 1 keeps the idle timer (shorter than the heartbeat timeout) disarmed.
	if err := s.Inject(1, dispatch.Dispatch{}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	// Keep feeding heartbeats faster than the timeout; the slave should
	// survive well past one timeout interval.
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := s.HandleHeartbeat(); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	select {
	case code := <-died:
		t.Fatalf("slave died unexpectedly with %s", code)
	default:
	}
}

func TestIdleTimeoutDespawnsGracefully(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	s := New("uuid-7", testProfile(), r, func(string, fserrors.Code) {})
	_ = s.HandleHandshake()
	ctrl := &fakeControl{}
	_ = s.Activate(ctrl)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateTerminating || s.State() == StateDead {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateTerminating && s.State() != StateDead {
		t.Fatalf("expected idle slave to start terminating, got %s", s.State())
	}
}

func TestDespawnForceKillsImmediately(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	died := make(chan fserrors.Code, 1)
	s := New("uuid-8", testProfile(), r, func(_ string, code fserrors.Code) { died <- code })
	_ = s.HandleHandshake()
	_ = s.Activate(&fakeControl{})

	if err := s.Despawn(DespawnForce, "test"); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	select {
	case <-died:
	case <-time.After(time.Second):
		t.Fatal("expected force despawn to kill slave")
	}
	if s.State() != StateDead {
		t.Fatalf("expected dead, got %s", s.State())
	}
}

func TestCleanupInvokedAtMostOnce(t *testing.T) {
	r, stop := runReactor(t)
	defer stop()

	calls := make(chan struct{}, 10)
	s := New("uuid-9", testProfile(), r, func(string, fserrors.Code) { calls <- struct{}{} })
	_ = s.Despawn(DespawnForce, "x") // no-op: not active yet
	s.HandleTerminateFromWorker()
	s.HandleTerminateFromWorker() // must not double-fire cleanup

	time.Sleep(50 * time.Millisecond)
	count := 0
	for {
		select {
		case <-calls:
			count++
		default:
			if count != 1 {
				t.Fatalf("expected cleanup exactly once, got %d", count)
			}
			return
		}
	}
}
