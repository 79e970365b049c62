// Package reactor implements the single-threaded cooperative event loop that
// every other component in the runtime suspends against instead of blocking a
// goroutine directly on a mutex or another component's state.
//
// A Reactor owns exactly one goroutine (Run). Foreign goroutines only ever
// reach it through Post, which is safe to call from any thread; everything
// posted runs, in FIFO order, on the reactor goroutine. Timers are likewise
// only ever fired on that goroutine. This gives every component that lives on
// a single Reactor (an Overseer, its pool of Slaves, its Balancer) the same
// guarantee the original runtime got from being single-threaded: no handler
// ever needs to lock against another handler running concurrently with it.
package reactor

import (
	"container/heap"
	"io"
	"sync"
	"time"
)

// Job is a zero-argument unit of work posted to a Reactor.
type Job func()

// Reactor is a single-threaded event loop: posted jobs and fired timers all
// execute serially on the goroutine that calls Run.
type Reactor struct {
	mu       sync.Mutex
	jobs     []Job
	timers   timerHeap
	nextID   uint64
	wake     chan struct{}
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	panicked any // set if a job/timer handler panicked; re-raised from Run
}

// New constructs an idle Reactor. Call Run to start processing.
func New() *Reactor {
	return &Reactor{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Post enqueues job to run on the reactor goroutine. Safe to call from any
// goroutine, including the reactor's own. Posted jobs run FIFO relative to
// other jobs from the same caller, but interleave with jobs posted by other
// callers.
func (r *Reactor) Post(job Job) {
	r.mu.Lock()
	wasEmpty := len(r.jobs) == 0
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if wasEmpty {
		r.signal()
	}
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// TimerHandle cancels a timer started with StartTimer. Cancel is idempotent
// and safe to call from any goroutine; a race between Cancel and the timer
// firing resolves in favor of not firing (checked on the reactor goroutine).
type TimerHandle struct {
	id uint64
	r  *Reactor
}

// Cancel prevents a pending (or future, for repeating timers) firing.
func (h TimerHandle) Cancel() {
	if h.r == nil {
		return
	}
	h.r.mu.Lock()
	h.r.timers.cancel(h.id)
	h.r.mu.Unlock()
}

type timerEntry struct {
	id      uint64
	at      time.Time
	repeat  time.Duration // 0 means one-shot
	handler func()
	index   int
	dead    bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h *timerHeap) cancel(id uint64) {
	for _, e := range *h {
		if e.id == id {
			e.dead = true
			return
		}
	}
}

// StartTimer arms a timer that invokes handler on the reactor goroutine after
// delay. If repeat > 0 the timer re-arms itself for repeat after each firing
// until canceled.
func (r *Reactor) StartTimer(delay time.Duration, repeat time.Duration, handler func()) TimerHandle {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	e := &timerEntry{id: id, at: time.Now().Add(delay), repeat: repeat, handler: handler}
	heap.Push(&r.timers, e)
	r.mu.Unlock()
	r.signal()
	return TimerHandle{id: id, r: r}
}

// Run drives the event loop until ctx-like Stop is called. Run blocks the
// calling goroutine and should be invoked exactly once. A job or timer
// handler that panics propagates out of Run after halting the loop, matching
// the "loop never retries" failure contract.
func (r *Reactor) Run() {
	defer close(r.doneCh)
	for {
		if r.runPrepareAndTimers() {
			return
		}
		wait := r.nextWait()
		select {
		case <-r.stopCh:
			return
		case <-r.wake:
		case <-after(wait):
		}
	}
}

func after(d time.Duration) <-chan time.Time {
	if d < 0 {
		// No pending timer: block until woken by Post/StartTimer/Stop.
		return nil
	}
	return time.After(d)
}

// runPrepareAndTimers drains the posted-job queue (prepare phase) then fires
// any due timers, rearming repeaters. If a handler panics, the panic value is
// stashed on r.panicked and re-raised, so it propagates out of Run (whose
// deferred close of doneCh still runs); otherwise it returns false.
func (r *Reactor) runPrepareAndTimers() (fatal bool) {
	defer func() {
		if p := recover(); p != nil {
			r.panicked = p
			fatal = true
			panic(p)
		}
	}()
	for {
		r.mu.Lock()
		if len(r.jobs) == 0 {
			r.mu.Unlock()
			break
		}
		job := r.jobs[0]
		r.jobs = r.jobs[1:]
		r.mu.Unlock()
		job()
	}
	now := time.Now()
	for {
		r.mu.Lock()
		if r.timers.Len() == 0 {
			r.mu.Unlock()
			break
		}
		next := r.timers[0]
		if next.at.After(now) {
			r.mu.Unlock()
			break
		}
		heap.Pop(&r.timers)
		if next.dead {
			r.mu.Unlock()
			continue
		}
		if next.repeat > 0 {
			next.at = now.Add(next.repeat)
			heap.Push(&r.timers, next)
		}
		r.mu.Unlock()
		next.handler()
	}
	return false
}

func (r *Reactor) nextWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.jobs) > 0 {
		return 0
	}
	if r.timers.Len() == 0 {
		return -1
	}
	d := time.Until(r.timers[0].at)
	if d < 0 {
		d = 0
	}
	return d
}

// Stop halts the loop after the current prepare/timer pass. Safe to call
// from any goroutine; idempotent.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)
}

// Done returns a channel closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.doneCh
}

// Watch registers r with the reactor, per spec's "watch(fd, events,
// handler)": every component that suspends on I/O does so by registering
// here rather than parking its own goroutine on a mutex or another
// component's state. Go's runtime already parks a blocking Read on the
// integrated netpoller without pinning an OS thread, so the one goroutine
// Watch starts is the idiomatic substitute for epoll readiness -- the part
// that actually matters, onData/onClose running serialized with every other
// handler on this Reactor, is what Post provides. A Watch may be paused
// (Pause) so its owner can apply backpressure -- the read side stops
// consuming until Resume is called.
func (r *Reactor) Watch(rd io.Reader, onData func([]byte), onClose func(error)) *Watch {
	w := &Watch{
		r:      rd,
		re:     r,
		stopCh: make(chan struct{}),
		resume: make(chan struct{}, 1),
	}
	go w.readLoop(onData, onClose)
	return w
}

// Watch is one registered I/O source. Not safe for concurrent Pause/Resume
// from the handler that also reads from it (the read loop is internal); the
// owner calls Pause/Resume/Stop from any goroutine, including the reactor's.
type Watch struct {
	r      io.Reader
	re     *Reactor
	stopCh chan struct{}
	resume chan struct{}

	mu     sync.Mutex
	paused bool
}

func (w *Watch) readLoop(onData func([]byte), onClose func(error)) {
	buf := make([]byte, 32*1024)
	for {
		if !w.waitWhilePaused() {
			return
		}
		n, err := w.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !w.postAndWait(func() { onData(chunk) }) {
				return
			}
		}
		if err != nil {
			w.re.Post(func() { onClose(err) })
			return
		}
	}
}

// postAndWait posts job to the reactor and blocks the read goroutine until
// it has run, so the read loop never races ahead of the handler that
// processes what was just read -- the same backpressure discipline Pause
// gives explicitly, applied implicitly to every chunk.
func (w *Watch) postAndWait(job func()) (ok bool) {
	done := make(chan struct{})
	w.re.Post(func() {
		job()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *Watch) waitWhilePaused() bool {
	for {
		w.mu.Lock()
		paused := w.paused
		w.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-w.stopCh:
			return false
		case <-w.resume:
		}
	}
}

// Pause stops the read loop from consuming any further bytes until Resume is
// called. Safe to call from any goroutine.
func (w *Watch) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume releases a Pause. Safe to call from any goroutine, and a no-op if
// the Watch was not paused.
func (w *Watch) Resume() {
	w.mu.Lock()
	was := w.paused
	w.paused = false
	w.mu.Unlock()
	if was {
		select {
		case w.resume <- struct{}{}:
		default:
		}
	}
}

// Stop tears down the read loop. Idempotent.
func (w *Watch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}
