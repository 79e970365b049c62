package locator

import (
	"testing"

	"github.com/cocaine-rt/cocained/locator/routing"
)

func TestResolveLocalFirstFallsBackToGateway(t *testing.T) {
	gw := NewAdhocGateway(1)
	gw.Consume("peerA", "svc", 1, []Endpoint{{Host: "1.1.1.1", Port: 10053}})

	l := New(PolicyLocalFirst, gw, nil)
	desc, err := l.Resolve("svc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Name != "svc" || len(desc.Endpoints) != 1 {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestResolvePrefersLocal(t *testing.T) {
	gw := NewAdhocGateway(1)
	gw.Consume("peerA", "svc", 1, []Endpoint{{Host: "1.1.1.1", Port: 10053}})

	l := New(PolicyLocalFirst, gw, nil)
	l.BindLocal(ServiceDescriptor{Name: "svc", Version: 2, Endpoints: []Endpoint{{Host: "127.0.0.1", Port: 1}}})

	desc, err := l.Resolve("svc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Version != 2 {
		t.Fatalf("expected local descriptor to win, got %+v", desc)
	}
}

func TestResolveMissingServiceFails(t *testing.T) {
	l := New(PolicyLocalFirst, nil, nil)
	if _, err := l.Resolve("nope"); err == nil {
		t.Fatal("expected service_not_available")
	}
}

func TestRefreshBuildsRoutableContinuum(t *testing.T) {
	src := func(group string) ([]routing.Member, error) {
		return []routing.Member{{Value: "a", Weight: 1}, {Value: "b", Weight: 1}}, nil
	}
	l := New(PolicyLocalFirst, nil, src)
	if err := l.Refresh("g1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	v, ok := l.RouteKey("g1", "some-key")
	if !ok || (v != "a" && v != "b") {
		t.Fatalf("expected a route, got %q ok=%v", v, ok)
	}
	weights, err := l.Routing("g1")
	if err != nil || len(weights) != 2 {
		t.Fatalf("expected a 2-member weight table, got %+v err=%v", weights, err)
	}
}

func TestSubscribeSeedsCurrentState(t *testing.T) {
	l := New(PolicyLocalFirst, nil, nil)
	l.BindLocal(ServiceDescriptor{Name: "svc"})
	ch := l.Subscribe()
	select {
	case ev := <-ch:
		if ev.Name != "svc" || ev.Action != ActionExpose {
			t.Fatalf("unexpected seed event: %+v", ev)
		}
	default:
		t.Fatal("expected seeded event on subscribe")
	}
}

func TestAdhocGatewayCleanupRemovesPeer(t *testing.T) {
	gw := NewAdhocGateway(1)
	gw.Consume("peerA", "svc", 1, []Endpoint{{Host: "1.1.1.1", Port: 1}})
	gw.CleanupPeer("peerA")
	if _, ok := gw.Resolve("svc"); ok {
		t.Fatal("expected no resolution after peer cleanup")
	}
}

func TestAdhocGatewayResolveDistributesAcrossPeers(t *testing.T) {
	gw := NewAdhocGateway(9)
	gw.Consume("A", "ping", 1, []Endpoint{{Host: "1.1.1.1", Port: 10053}})
	gw.Consume("B", "ping", 1, []Endpoint{{Host: "2.2.2.2", Port: 10053}})

	seenA, seenB := 0, 0
	for i := 0; i < 200; i++ {
		desc, ok := gw.Resolve("ping")
		if !ok {
			t.Fatal("expected resolution")
		}
		switch desc.Endpoints[0].Host {
		case "1.1.1.1":
			seenA++
		case "2.2.2.2":
			seenB++
		}
	}
	if seenA == 0 || seenB == 0 {
		t.Fatalf("expected both peers selected at least once, got A=%d B=%d", seenA, seenB)
	}
}
