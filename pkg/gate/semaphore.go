package gate

import "sync"

// Semaphore enforces the side-effect concurrency caps: a global slot count
// plus a per-actor count. Acquisition never blocks; exhaustion is a denial,
// not a queue.
type Semaphore struct {
	mu          sync.Mutex
	maxTotal    int
	maxPerActor int
	total       int
	perActor    map[string]int
}

// NewSemaphore creates the gate's semaphore. A non-positive per-actor cap
// defaults to a quarter of the global cap.
func NewSemaphore(maxTotal, maxPerActor int) *Semaphore {
	if maxPerActor <= 0 {
		maxPerActor = maxTotal / 4
		if maxPerActor < 1 {
			maxPerActor = 1
		}
	}
	return &Semaphore{
		maxTotal:    maxTotal,
		maxPerActor: maxPerActor,
		perActor:    make(map[string]int),
	}
}

// Acquire claims a slot for actor, reporting whether one was available.
func (s *Semaphore) Acquire(actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total >= s.maxTotal || s.perActor[actor] >= s.maxPerActor {
		return false
	}
	s.total++
	s.perActor[actor]++
	return true
}

// Release returns actor's slot. Safe to call once per successful Acquire.
func (s *Semaphore) Release(actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perActor[actor] > 0 {
		s.perActor[actor]--
		if s.perActor[actor] == 0 {
			delete(s.perActor, actor)
		}
	}
	if s.total > 0 {
		s.total--
	}
}

// InUse returns the global slot count, for heartbeat reporting.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
