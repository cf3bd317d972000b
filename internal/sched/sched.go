// Package sched implements Sapphire's cooperative task scheduler.
//
// The scheduler is single-threaded: exactly one task transition function
// runs at a time, and every suspension point (Yield, Wait, Sleep) is
// the only place where another task may run or the arena allocator (see
// internal/alloc) may compact memory. Each task is a pure transition
// function keyed on a state enum, generalized from "one FSM per
// goroutine" into "N FSMs driven by one loop": each protocol task is a
// state enum plus a transition function, and the scheduler a fixed-size
// list of (state, transition, deadline).
package sched

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Disposition is the value a Transition returns to tell the scheduler what
// to do with the task next.
type Disposition uint8

const (
	// Yield means: make this task runnable again before the processor is
	// allowed to sleep. Used by tasks that have more immediate work.
	Yield Disposition = iota

	// Wait means: do not re-run until a signal bit is set or an interrupt
	// wakes the loop.
	Wait

	// Sleep means: re-run on any wake of the loop — every scheduler
	// pass counts as one — unless the task armed a WaitUntil deadline,
	// in which case it resumes at that deadline or on a signal,
	// whichever comes first.
	Sleep

	// Done means: the task has completed and its state should be released.
	Done
)

// String returns the human-readable name of the disposition.
func (d Disposition) String() string {
	switch d {
	case Yield:
		return "Yield"
	case Wait:
		return "Wait"
	case Sleep:
		return "Sleep"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Handle names a spawned task. The zero Handle is never valid.
type Handle uint32

// Sentinel errors for Scheduler operations.
var (
	// ErrTableFull indicates the configured maximum task count was reached.
	// This is a soft failure, surfaced via a warning flag by
	// the caller, never a panic.
	ErrTableFull = errors.New("scheduler: task table full")

	// ErrUnknownTask indicates a Handle does not name a live task.
	ErrUnknownTask = errors.New("scheduler: unknown task handle")
)

// Transition is a task's state-machine step function. It receives the
// task's private state (allocated by the caller, passed back on every
// call) and a Signals snapshot of bits observed since the previous step.
// It returns the disposition that governs when the scheduler will call it
// again; a deadline is armed separately with Scheduler.WaitUntil.
type Transition func(s *Signals, state any) Disposition

type task struct {
	handle      Handle
	name        string
	state       any
	transition  Transition
	alive       bool
	everRun     bool
	lastDisp    Disposition
	deadline    time.Time
	hasDeadline bool
}

// Scheduler is a fixed-capacity, single-threaded cooperative task runner.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*task
	byHdl   map[Handle]*task
	nextHdl uint32
	max     int

	signals   Signals
	fullCount uint32 // incremented on ErrTableFull, exposed for the "full" warning flag
}

// New creates a Scheduler bounded to max concurrently spawned tasks.
func New(max int) *Scheduler {
	return &Scheduler{
		byHdl: make(map[Handle]*task),
		max:   max,
	}
}

// Spawn installs a new task. state is the task's private mutable view,
// normally backed by an alloc.Arena allocation the caller owns; Sapphire
// never holds that view across a suspension point, consistent with the
// arena's compaction contract (see internal/alloc).
//
// Spawning beyond the configured maximum is a soft failure: it returns
// ErrTableFull rather than panicking, so the caller can set a "tasks-full"
// warning flag and continue running.
func (s *Scheduler) Spawn(name string, state any, fn Transition) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) >= s.max {
		atomic.AddUint32(&s.fullCount, 1)
		return 0, fmt.Errorf("spawn %q: %w", name, ErrTableFull)
	}

	s.nextHdl++
	h := Handle(s.nextHdl)
	t := &task{
		handle:     h,
		name:       name,
		state:      state,
		transition: fn,
		alive:      true,
	}
	s.tasks = append(s.tasks, t)
	s.byHdl[h] = t

	return h, nil
}

// Restart rewinds a task: its Transition will next be invoked exactly as
// if freshly spawned (the task itself must recognize "start over" via its
// own state, typically a resume-label field reset to zero by the caller
// before calling Restart).
func (s *Scheduler) Restart(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHdl[h]
	if !ok || !t.alive {
		return fmt.Errorf("restart: %w", ErrUnknownTask)
	}

	t.everRun = false
	t.hasDeadline = false

	return nil
}

// Kill releases a task's state immediately, without waiting for its
// Transition to return Done.
func (s *Scheduler) Kill(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHdl[h]
	if !ok {
		return fmt.Errorf("kill: %w", ErrUnknownTask)
	}

	s.removeLocked(t)

	return nil
}

func (s *Scheduler) removeLocked(t *task) {
	t.alive = false
	delete(s.byHdl, t.handle)

	for i, other := range s.tasks {
		if other == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
}

// WaitUntil arms a timed wait for task h: its Transition will be called
// again no earlier than deadline, or sooner if a signal arrives. Intended
// to be called by a task's own Transition immediately before returning
// Wait or Sleep.
func (s *Scheduler) WaitUntil(h Handle, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHdl[h]
	if !ok || !t.alive {
		return fmt.Errorf("wait-until: %w", ErrUnknownTask)
	}

	t.deadline = deadline
	t.hasDeadline = true

	return nil
}

// RunOnce drives exactly one pass over the task table. Tasks run in
// insertion order, except that a task
// whose signal bit is already set when the pass begins is always run this
// pass, preempting the normal wait/sleep skip logic — it never preempts a
// task already selected to run this pass, since passes are sequential by
// construction.
//
// RunOnce returns the number of tasks actually stepped, which callers use
// to decide whether the processor may sleep (zero stepped and no pending
// timed waits => safe to sleep until the next interrupt).
func (s *Scheduler) RunOnce(now time.Time) int {
	s.mu.Lock()
	sig := Signals{bits: s.signals.clearLocked()}
	woken := sig.Any()

	runnable := make([]*task, 0, len(s.tasks))

	for _, t := range s.tasks {
		if !t.alive {
			continue
		}

		due := t.hasDeadline && !now.Before(t.deadline)

		switch {
		case !t.everRun:
			// First pass after spawn or Restart: every task gets to run
			// once so it can establish its own initial wait/sleep state.
			runnable = append(runnable, t)
		case t.lastDisp == Yield:
			runnable = append(runnable, t)
		case t.lastDisp == Sleep && !t.hasDeadline:
			// A bare Sleep resumes on any wake of the loop — and every
			// RunOnce pass is one. Only an armed WaitUntil deadline (or
			// a signal) holds a sleeper back longer.
			runnable = append(runnable, t)
		case woken || due:
			// A signal fires every waiting task's pass this tick; it
			// never preempts a task already mid-step, since all stepping
			// here happens strictly between suspension points.
			runnable = append(runnable, t)
		}
	}
	s.mu.Unlock()

	stepped := 0

	for _, t := range runnable {
		s.mu.Lock()
		if !t.alive {
			s.mu.Unlock()
			continue
		}
		// Consume any armed deadline; the transition re-arms via
		// WaitUntil if it wants another timed wait.
		t.hasDeadline = false
		transition := t.transition
		state := t.state
		s.mu.Unlock()

		disp := transition(&sig, state)
		stepped++

		s.mu.Lock()
		if !t.alive {
			s.mu.Unlock()
			continue
		}

		t.everRun = true
		t.lastDisp = disp

		switch disp {
		case Done:
			s.removeLocked(t)
		case Yield:
			t.hasDeadline = false
		case Wait, Sleep:
			// Deadline, if any, was re-armed via WaitUntil by the
			// transition itself before returning.
		}
		s.mu.Unlock()
	}

	return stepped
}

// Signal sets bit b, observable by every task's next RunOnce pass. Safe to
// call from interrupt-handler context: it performs a single atomic
// compare-and-swap on the bitset and nothing else. Interrupt handlers
// must not allocate, block, or hold any lock; they signal tasks only.
func (s *Scheduler) Signal(b Bit) {
	s.signals.set(b)
}

// TaskCount returns the number of currently live tasks.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// FullCount returns how many Spawn calls have failed with ErrTableFull
// since creation, for the "tasks-full" warning flag.
func (s *Scheduler) FullCount() uint32 {
	return atomic.LoadUint32(&s.fullCount)
}
