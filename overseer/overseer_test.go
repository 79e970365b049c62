package overseer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cocaine-rt/cocained/app"
	"github.com/cocaine-rt/cocained/balancer"
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/isolate"
	"github.com/cocaine-rt/cocained/reactor"
	"github.com/cocaine-rt/cocained/slave"
	"github.com/cocaine-rt/cocained/wire"
)

type fakeHandle struct{}

func (fakeHandle) Kill() error                           { return nil }
func (fakeHandle) Wait(ctx context.Context) (int, error) { return 0, nil }

type fakeSpawner struct {
	mu    sync.Mutex
	count int
	fail  bool
}

func (f *fakeSpawner) Spawn(ctx context.Context, manifest app.Manifest, iso app.Isolate, env map[string]string) (isolate.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	f.count++
	return fakeHandle{}, nil
}

type fakeClientUpstream struct{}

func (fakeClientUpstream) Send(messageID uint64, args []interface{}, headers []wire.Header) error {
	return nil
}
func (fakeClientUpstream) Close() error { return nil }

type noopAssigner struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (a *noopAssigner) Assign(s *slave.Slave, channelID uint64, event string, clientUpstream dispatch.Upstream) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail {
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	return nil
}

// deathRecorder is the reference LoadBalancer plus a record of every
// OnSlaveDeath notification it receives.
type deathRecorder struct {
	balancer.LoadBalancer
	mu     sync.Mutex
	deaths []string
}

func (b *deathRecorder) OnSlaveDeath(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deaths = append(b.deaths, uuid)
}

type fakeControl struct{}

func (fakeControl) SendHeartbeat() error                     { return nil }
func (fakeControl) SendTerminate(fserrors.Code, string) error { return nil }
func (fakeControl) Close() error                             { return nil }

func testProfile() app.Profile {
	p := app.DefaultProfile()
	p.StartupTimeout = 50 * time.Millisecond
	p.HeartbeatTimeout = 100 * time.Millisecond
	p.IdleTimeout = 50 * time.Millisecond
	p.TerminationTimeout = 50 * time.Millisecond
	p.Concurrency = 2
	p.PoolLimit = 2
	p.QueueLimit = 2
	p.GrowThreshold = 1
	return p
}

func runReactor(t *testing.T) (*reactor.Reactor, func()) {
	t.Helper()
	r := reactor.New()
	go r.Run()
	return r, func() { r.Stop() }
}

func activeSlave(t *testing.T, uuid string, re *reactor.Reactor, cleanup slave.CleanupFunc) *slave.Slave {
	t.Helper()
	s := slave.New(uuid, testProfile(), re, cleanup)
	if err := s.HandleHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := s.Activate(fakeControl{}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return s
}

func TestQueueRejectsOverLimit(t *testing.T) {
	re, stop := runReactor(t)
	defer stop()

	profile := testProfile()
	profile.PoolLimit = 0 // force every request to queue
	o := New(app.Manifest{Name: "a", Executable: "/bin/a", Endpoint: "/tmp/a"}, profile, re, nil, nil, nil)

	for i := 0; i < profile.QueueLimit; i++ {
		if err := o.Enqueue(fakeClientUpstream{}, "ev", ""); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := o.Enqueue(fakeClientUpstream{}, "ev", "")
	if err == nil {
		t.Fatal("expected queue_is_full")
	}
	if o.QueueLen() != profile.QueueLimit {
		t.Fatalf("expected queue len %d, got %d", profile.QueueLimit, o.QueueLen())
	}
}

func TestPoolNeverExceedsLimit(t *testing.T) {
	re, stop := runReactor(t)
	defer stop()

	profile := testProfile()
	sp := &fakeSpawner{}
	o := New(app.Manifest{Name: "a", Executable: "/bin/a", Endpoint: "/tmp/a"}, profile, re, sp, &noopAssigner{}, nil)

	for i := 0; i < profile.PoolLimit+5; i++ {
		o.Spawn()
	}
	if o.PoolSize() > profile.PoolLimit {
		t.Fatalf("pool exceeded limit: %d > %d", o.PoolSize(), profile.PoolLimit)
	}
}

func TestAssignmentProtocolSucceeds(t *testing.T) {
	re, stop := runReactor(t)
	defer stop()

	profile := testProfile()
	asg := &noopAssigner{}
	o := New(app.Manifest{Name: "a", Executable: "/bin/a", Endpoint: "/tmp/a"}, profile, re, nil, asg, nil)

	s := activeSlave(t, "w1", re, o.onSlaveDead)
	o.pool["w1"] = s

	if err := o.Enqueue(fakeClientUpstream{}, "ev", ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if s.Load() != 1 {
		t.Fatalf("expected load 1 after assignment, got %d", s.Load())
	}
	asg.mu.Lock()
	calls := asg.calls
	asg.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected assigner called once, got %d", calls)
	}
}

func TestAssignmentFailureRequeuesAndNotifiesBalancer(t *testing.T) {
	re, stop := runReactor(t)
	defer stop()

	profile := testProfile()
	asg := &noopAssigner{fail: true}
	bal := &deathRecorder{}
	o := New(app.Manifest{Name: "a", Executable: "/bin/a", Endpoint: "/tmp/a"}, profile, re, nil, asg, bal)

	s := activeSlave(t, "w2", re, o.onSlaveDead)
	o.pool["w2"] = s

	if err := o.Enqueue(fakeClientUpstream{}, "ev", ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if s.Load() != 0 {
		t.Fatalf("expected load rolled back to 0, got %d", s.Load())
	}
	if o.QueueLen() != 1 {
		t.Fatalf("expected request requeued, got queue len %d", o.QueueLen())
	}
	bal.mu.Lock()
	deaths := append([]string(nil), bal.deaths...)
	bal.mu.Unlock()
	if len(deaths) != 1 || deaths[0] != "w2" {
		t.Fatalf("expected balancer notified of w2's death once, got %v", deaths)
	}
}

func TestHandshakeActivatesSpawningSlave(t *testing.T) {
	re, stop := runReactor(t)
	defer stop()

	profile := testProfile()
	o := New(app.Manifest{Name: "a", Executable: "/bin/a", Endpoint: "/tmp/a"}, profile, re, nil, nil, nil)

	s := slave.New("w3", profile, re, o.onSlaveDead)
	o.pool["w3"] = s

	d := o.Handshaker()
	next, err := d.Process(0, []interface{}{"w3"}, nil, fakeClientUpstream{})
	if err != nil {
		t.Fatalf("handshake process: %v", err)
	}
	if s.State() != slave.StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}
	if next.Name() == "" {
		t.Fatal("expected a control dispatch to be installed")
	}
}

func TestHandshakeRejectsUnknownUUID(t *testing.T) {
	re, stop := runReactor(t)
	defer stop()

	o := New(app.Manifest{Name: "a", Executable: "/bin/a", Endpoint: "/tmp/a"}, testProfile(), re, nil, nil, nil)
	d := o.Handshaker()
	_, err := d.Process(0, []interface{}{"nonexistent"}, nil, fakeClientUpstream{})
	if err == nil {
		t.Fatal("expected handshake from unknown slave to fail")
	}
}
