package main

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerNextOnHWPicksHighestPriority(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	low := NewGuestThread(0, 0x82000000, mem, nil, nil, true)
	low.Affinity = 1 << 0
	low.Priority = PriorityLowest

	high := NewGuestThread(1, 0x82000000, mem, nil, nil, true)
	high.Affinity = 1 << 0
	high.Priority = PriorityHighest

	sched.AddThread(low)
	sched.AddThread(high)

	got := sched.nextOnHW(0)
	if got == nil || got.Ctx.ThreadID != high.Ctx.ThreadID {
		t.Fatalf("nextOnHW(0) picked thread %v, want the highest-priority thread", got)
	}
}

func TestSchedulerNextOnHWRotatesEqualPriority(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	a := NewGuestThread(0, 0x82000000, mem, nil, nil, true)
	a.Affinity = 1 << 0
	b := NewGuestThread(1, 0x82000000, mem, nil, nil, true)
	b.Affinity = 1 << 0

	sched.AddThread(a)
	sched.AddThread(b)

	first := sched.nextOnHW(0)
	second := sched.nextOnHW(0)
	if first == nil || second == nil {
		t.Fatalf("nextOnHW returned nil with two ready threads")
	}
	if first.Ctx.ThreadID == second.Ctx.ThreadID {
		t.Fatalf("equal-priority threads should take turns, got thread %d twice", first.Ctx.ThreadID)
	}
}

func TestSchedulerNextOnHWSkipsSuspended(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	a := NewGuestThread(0, 0x82000000, mem, nil, nil, true)
	a.Affinity = 1 << 0
	a.Suspended.Store(true)
	b := NewGuestThread(1, 0x82000000, mem, nil, nil, true)
	b.Affinity = 1 << 0

	sched.AddThread(a)
	sched.AddThread(b)

	got := sched.nextOnHW(0)
	if got == nil || got.Ctx.ThreadID != b.Ctx.ThreadID {
		t.Fatalf("nextOnHW(0) = %v, want the non-suspended thread", got)
	}
}

func TestSchedulerRemoveThreadDropsFromReadyQueue(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	a := NewGuestThread(0, 0x82000000, mem, nil, nil, true)
	a.Affinity = 1 << 0
	sched.AddThread(a)

	if sched.nextOnHW(0) == nil {
		t.Fatalf("expected thread 0 to be ready before removal")
	}

	sched.RemoveThread(a.Ctx.ThreadID, nil)
	if got := sched.nextOnHW(0); got != nil {
		t.Fatalf("nextOnHW(0) = %v, want nil after RemoveThread", got)
	}
}

func TestSchedulerRemoveThreadAbandonsMutants(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	a := NewGuestThread(7, 0x82000000, mem, nil, nil, true)
	sched.AddThread(a)

	mutant := NewMutant("test-mutant", true, 7)
	sched.RemoveThread(a.Ctx.ThreadID, []*SyncObject{mutant})

	// an abandoned mutant is immediately acquirable by anyone else.
	if err := mutant.Wait(context.Background(), 9); err != nil {
		t.Fatalf("Wait on abandoned mutant: %v", err)
	}
}

func TestSchedulerRunStopsOnContextCancel(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error %v after cancel, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return within a second of context cancellation")
	}
}

func TestSchedulerRunExitsThreadAndRemovesIt(t *testing.T) {
	mem := newTestMemory(t)
	sched := NewScheduler(mem, newSubsystemLog(nil, "[sched] ", false))

	a := NewGuestThread(0, 0x82000000, mem, nil, nil, true)
	a.Affinity = 1 << 0
	a.ExitPending.Store(true)
	sched.AddThread(a)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sched.nextOnHW(0) != nil {
		t.Fatalf("exited thread should have been removed from its ready queue")
	}
}
