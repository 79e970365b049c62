// Package balancer implements Component C8: the policy object an Overseer
// consults for slave selection, pool growth, and channel accounting. The
// reference LoadBalancer here is grounded directly on the original
// implementation's load balancer (original_source's
// src/service/node/balancing/load.cpp: minimum-load selection subject to a
// concurrency cap, and a grow trigger keyed on queue-length-per-pool-slave),
// translated into a Go interface plus a struct carrying no shared state of
// its own -- all state it consults lives in the Pool/Queue views passed in,
// matching the spec's "balancer invoked while holding the pool lock" rule.
package balancer

// SlaveView is the balancer's read-only window onto one pool entry; kept
// deliberately narrow so a Balancer cannot reach into overseer internals it
// has no business touching.
type SlaveView struct {
	UUID       string
	Assignable bool
	Load       int
}

// PoolView is a read-only snapshot of an overseer's pool, passed to every
// Balancer method that needs to reason about current capacity.
type PoolView struct {
	Slaves        []SlaveView
	QueueLen      int
	PoolLimit     int
	GrowThreshold int
}

// SpawnRequest is what on_queue returns when the balancer wants the
// overseer to grow the pool.
type SpawnRequest struct {
	Count int
}

// Balancer is the injectable policy the spec names in §4.7.
type Balancer interface {
	// OnRequest picks a slave for a newly enqueued (event, tag) pair, or
	// returns ok=false if none is currently eligible (the request should
	// queue).
	OnRequest(pool PoolView, event string, tag string) (uuid string, ok bool)
	// OnSlaveSpawn notifies the balancer a new slave entered the pool.
	OnSlaveSpawn(uuid string)
	// OnSlaveDeath notifies the balancer a slave left the pool.
	OnSlaveDeath(uuid string)
	// OnQueue is invoked after a request is pushed to the queue (no slave
	// was immediately eligible); it may request pool growth.
	OnQueue(pool PoolView) SpawnRequest
	// OnChannelStarted notifies the balancer load increased for uuid.
	OnChannelStarted(uuid string, channelID uint64)
	// OnChannelFinished notifies the balancer load decreased for uuid.
	OnChannelFinished(uuid string, channelID uint64)
}

// LoadBalancer is the reference policy: minimum-load selection among
// assignable slaves, and queue-pressure-triggered growth.
type LoadBalancer struct{}

// NewLoadBalancer constructs the reference balancer. It carries no state:
// every decision is a pure function of the PoolView passed in.
func NewLoadBalancer() *LoadBalancer { return &LoadBalancer{} }

// OnRequest scans the pool for the active, assignable slave with the
// smallest load, per spec's "selection" rule. It ignores event and tag.
// Overseer.Enqueue checks pool[tag] itself before calling this, but the
// overseer's purge loop passes queued requests, tagged ones included,
// straight to OnRequest, so a queued tagged request goes to whichever
// assignable slave has the least load. No slave is ever spawned under a
// tag's uuid.
func (LoadBalancer) OnRequest(pool PoolView, _ string, _ string) (string, bool) {
	best := ""
	bestLoad := -1
	for _, sv := range pool.Slaves {
		if !sv.Assignable {
			continue
		}
		if bestLoad == -1 || sv.Load < bestLoad {
			best = sv.UUID
			bestLoad = sv.Load
		}
	}
	if bestLoad == -1 {
		return "", false
	}
	return best, true
}

func (LoadBalancer) OnSlaveSpawn(string) {}
func (LoadBalancer) OnSlaveDeath(string) {}

// OnQueue implements the spec's growth rule: if queue/pool >= grow_threshold
// and pool < pool_limit, spawn clamp(1, queue/grow_threshold, pool_limit) -
// pool slaves.
func (LoadBalancer) OnQueue(pool PoolView) SpawnRequest {
	poolLen := len(pool.Slaves)
	if pool.GrowThreshold <= 0 || pool.PoolLimit <= 0 {
		return SpawnRequest{}
	}
	if poolLen >= pool.PoolLimit {
		return SpawnRequest{}
	}
	if poolLen == 0 {
		if pool.QueueLen > 0 {
			return SpawnRequest{Count: clamp(1, 1, pool.PoolLimit)}
		}
		return SpawnRequest{}
	}
	if pool.QueueLen/poolLen < pool.GrowThreshold {
		return SpawnRequest{}
	}
	target := pool.QueueLen / pool.GrowThreshold
	target = clamp(1, target, pool.PoolLimit)
	grow := target - poolLen
	if grow <= 0 {
		return SpawnRequest{}
	}
	if poolLen+grow > pool.PoolLimit {
		grow = pool.PoolLimit - poolLen
	}
	return SpawnRequest{Count: grow}
}

func (LoadBalancer) OnChannelStarted(string, uint64)  {}
func (LoadBalancer) OnChannelFinished(string, uint64) {}

func clamp(lo, v, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NullBalancer accepts nothing and never grows the pool, matching the
// spec's "used in tests" null balancer.
type NullBalancer struct{}

func (NullBalancer) OnRequest(PoolView, string, string) (string, bool) { return "", false }
func (NullBalancer) OnSlaveSpawn(string)                               {}
func (NullBalancer) OnSlaveDeath(string)                               {}
func (NullBalancer) OnQueue(PoolView) SpawnRequest                     { return SpawnRequest{} }
func (NullBalancer) OnChannelStarted(string, uint64)                   {}
func (NullBalancer) OnChannelFinished(string, uint64)                  {}
