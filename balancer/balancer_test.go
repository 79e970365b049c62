package balancer

import "testing"

func TestLoadBalancerPicksMinimumLoad(t *testing.T) {
	lb := NewLoadBalancer()
	pool := PoolView{Slaves: []SlaveView{
		{UUID: "a", Assignable: true, Load: 2},
		{UUID: "b", Assignable: true, Load: 0},
		{UUID: "c", Assignable: true, Load: 1},
	}}
	uuid, ok := lb.OnRequest(pool, "event", "")
	if !ok || uuid != "b" {
		t.Fatalf("expected slave b (load 0), got %q ok=%v", uuid, ok)
	}
}

func TestLoadBalancerSkipsUnassignable(t *testing.T) {
	lb := NewLoadBalancer()
	pool := PoolView{Slaves: []SlaveView{
		{UUID: "a", Assignable: false, Load: 0},
	}}
	_, ok := lb.OnRequest(pool, "event", "")
	if ok {
		t.Fatal("expected no eligible slave")
	}
}

func TestLoadBalancerGrowsOnQueuePressure(t *testing.T) {
	lb := NewLoadBalancer()
	pool := PoolView{
		Slaves:        []SlaveView{{UUID: "a", Assignable: true, Load: 2}},
		QueueLen:      4,
		PoolLimit:     4,
		GrowThreshold: 2,
	}
	req := lb.OnQueue(pool)
	if req.Count != 1 {
		t.Fatalf("expected to grow by 1, got %d", req.Count)
	}
}

func TestLoadBalancerDoesNotExceedPoolLimit(t *testing.T) {
	lb := NewLoadBalancer()
	pool := PoolView{
		Slaves:        []SlaveView{{UUID: "a"}, {UUID: "b"}},
		QueueLen:      100,
		PoolLimit:     2,
		GrowThreshold: 1,
	}
	req := lb.OnQueue(pool)
	if req.Count != 0 {
		t.Fatalf("expected no growth at pool limit, got %d", req.Count)
	}
}

func TestNullBalancerNeverAssignsOrGrows(t *testing.T) {
	nb := NullBalancer{}
	_, ok := nb.OnRequest(PoolView{}, "x", "")
	if ok {
		t.Fatal("expected null balancer to never assign")
	}
	if nb.OnQueue(PoolView{QueueLen: 1000, PoolLimit: 10, GrowThreshold: 1}).Count != 0 {
		t.Fatal("expected null balancer to never grow")
	}
}
