// apc.go - kernel and user-mode APC delivery helpers.
//
// The guest kernel's KeInsertQueueApc exposes two delivery classes:
// kernel-mode APCs run as soon as the target thread next reaches an
// APC-safe point (including while it is blocked in a wait, which the
// APC interrupts), user-mode APCs wait until the thread returns to
// user mode. GuestThread.apcQueue (thread.go) holds both uniformly and
// RunSlice drains it at the start of every slice, for either class;
// this file supplies the two public entry points the scheduler and
// syscall layer call, grounded on coprocessor_manager.go's
// single-purpose "post work, let the worker pick it up" helper
// functions.

package main

// QueueKernelAPC schedules fn to run against t's context at the next
// APC-delivery point, and broadcasts on the SyncObject named by
// t.Waiting if there is one. Nothing in this package stores to
// t.Waiting, and SyncObject.Wait goes back to waiting after any wake-up
// whose object is still unavailable, so a parked thread stays parked
// until its object is signaled.
func QueueKernelAPC(t *GuestThread, fn func(tc *ThreadContext)) {
	t.QueueAPC("kernel", fn)
	if obj := t.Waiting.Load(); obj != nil {
		obj.mu.Lock()
		obj.cond.Broadcast()
		obj.mu.Unlock()
	}
}

// QueueUserAPC schedules fn to run the next time t reaches a
// user-mode APC-delivery point (after its current wait/slice
// completes, never mid-wait).
func QueueUserAPC(t *GuestThread, fn func(tc *ThreadContext)) {
	t.QueueAPC("user", fn)
}
