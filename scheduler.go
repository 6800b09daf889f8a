// scheduler.go - Scheduler, dispatching guest threads across the six
// Xenon hardware threads.
//
// Grounded on machine_bus.go's fan-out of work to a fixed set of named
// cores and on golang.org/x/sync/errgroup for the bounded worker fleet
// - one host goroutine per hardware thread, joined through an errgroup.
// Worker loops return only when the context ends or Stop is called; a
// panic in one is not recovered.

package main

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// HardwareThreadCount is fixed by the Xenon CPU: three cores, two
// hardware threads each.
const HardwareThreadCount = 6

// TimeSliceCycles bounds how many cycles a RunSlice call executes
// before the scheduler reconsiders what to run next, the same budget
// jit.go's RegCycleBud host register is primed with.
const TimeSliceCycles = 100_000

// Scheduler owns every GuestThread and the per-hardware-thread ready
// queues used to pick the next one to run.
type Scheduler struct {
	mu sync.Mutex

	threads map[int]*GuestThread // threadID -> thread, for host worker identity

	ready [HardwareThreadCount][]*GuestThread

	mem   *GuestMemory
	log   *subsystemLog

	stopped atomic.Bool
}

func NewScheduler(mem *GuestMemory, logw *subsystemLog) *Scheduler {
	return &Scheduler{
		threads: make(map[int]*GuestThread),
		mem:     mem,
		log:     logw,
	}
}

// AddThread registers a thread for scheduling onto its affinity mask's
// hardware threads.
func (s *Scheduler) AddThread(t *GuestThread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.Ctx.ThreadID] = t
	for hw := 0; hw < HardwareThreadCount; hw++ {
		if t.Affinity&(1<<uint(hw)) != 0 {
			s.ready[hw] = append(s.ready[hw], t)
		}
	}
}

// RemoveThread drops a terminated thread from every ready queue and
// abandons any mutant it still owned.
func (s *Scheduler) RemoveThread(threadID int, mutants []*SyncObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	for hw := range s.ready {
		filtered := s.ready[hw][:0]
		for _, t := range s.ready[hw] {
			if t.Ctx.ThreadID != threadID {
				filtered = append(filtered, t)
			}
		}
		s.ready[hw] = filtered
	}
	for _, m := range mutants {
		m.AbandonMutant(threadID)
	}
}

// nextOnHW picks the next thread to run on hardware thread hw:
// highest priority first, ties broken round-robin by rotating the
// chosen thread to the back of its priority band.
func (s *Scheduler) nextOnHW(hw int) *GuestThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.ready[hw]
	if len(q) == 0 {
		return nil
	}
	sort.SliceStable(q, func(i, j int) bool { return q[i].Priority > q[j].Priority })
	var pick *GuestThread
	for _, t := range q {
		if t.Suspended.Load() {
			continue
		}
		pick = t
		break
	}
	if pick == nil {
		return nil
	}
	// rotate pick to the back among its own priority band so equal
	// priority threads take turns.
	idx := -1
	for i, t := range q {
		if t == pick {
			idx = i
			break
		}
	}
	if idx >= 0 {
		q = append(q[:idx], q[idx+1:]...)
		q = append(q, pick)
		s.ready[hw] = q
	}
	return pick
}

// Run drives all six hardware threads until ctx is canceled or Stop is
// called, using one goroutine per hardware thread; workers keep idling
// after every guest thread has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for hw := 0; hw < HardwareThreadCount; hw++ {
		hw := hw
		g.Go(func() error {
			return s.runHardwareThread(gctx, hw)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runHardwareThread(ctx context.Context, hw int) error {
	idleTicker := time.NewTicker(time.Millisecond)
	defer idleTicker.Stop()
	for {
		if ctx.Err() != nil || s.stopped.Load() {
			return nil
		}
		t := s.nextOnHW(hw)
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-idleTicker.C:
				continue
			}
		}
		_, waiting, exited := t.RunSlice(ctx, s.mem, TimeSliceCycles)
		if exited {
			s.log.Printf("hw%d: thread %d exited", hw, t.Ctx.ThreadID)
			s.RemoveThread(t.Ctx.ThreadID, nil)
		}
		_ = waiting
	}
}

// Stop requests every hardware-thread loop to exit after its current
// slice; callers typically cancel Run's context instead, Stop exists
// for callers (engine.go) that want to record shutdown intent
// separately from context cancellation.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}
