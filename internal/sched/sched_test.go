package sched_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/giapdangle/sapphire/internal/sched"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSpawnRunsOnFirstPass(t *testing.T) {
	t.Parallel()

	s := sched.New(4)

	ran := false
	_, err := s.Spawn("probe", nil, func(_ *sched.Signals, _ any) sched.Disposition {
		ran = true
		return sched.Wait
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	stepped := s.RunOnce(time.Now())
	if stepped != 1 || !ran {
		t.Fatalf("expected the freshly spawned task to run once, stepped=%d ran=%v", stepped, ran)
	}

	// A Wait task with no signal and no due deadline must not run again.
	stepped = s.RunOnce(time.Now())
	if stepped != 0 {
		t.Fatalf("Wait task re-ran without a signal: stepped=%d", stepped)
	}
}

func TestYieldRunsEveryPass(t *testing.T) {
	t.Parallel()

	s := sched.New(4)

	count := 0
	_, err := s.Spawn("busy", nil, func(_ *sched.Signals, _ any) sched.Disposition {
		count++
		return sched.Yield
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	for range 5 {
		s.RunOnce(time.Now())
	}

	if count != 5 {
		t.Fatalf("Yield task count = %d, want 5", count)
	}
}

func TestSignalWakesWaiters(t *testing.T) {
	t.Parallel()

	s := sched.New(4)

	var observed bool
	_, err := s.Spawn("waiter", nil, func(sig *sched.Signals, _ any) sched.Disposition {
		if sig.Has(sched.BitFrameReceived) {
			observed = true
		}
		return sched.Wait
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	s.RunOnce(time.Now()) // first pass: establishes Wait
	if s.RunOnce(time.Now()) != 0 {
		t.Fatal("waiter ran without a signal")
	}

	s.Signal(sched.BitFrameReceived)

	if stepped := s.RunOnce(time.Now()); stepped != 1 {
		t.Fatalf("signalled waiter did not run: stepped=%d", stepped)
	}
	if !observed {
		t.Fatal("waiter did not observe the signal bit")
	}
}

func TestTimedWaitFiresAtDeadline(t *testing.T) {
	t.Parallel()

	s := sched.New(4)

	start := time.Now()
	fired := false

	h, err := s.Spawn("timer", nil, func(_ *sched.Signals, _ any) sched.Disposition {
		fired = true
		return sched.Sleep
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// First pass runs unconditionally; arm the deadline as the task would.
	s.RunOnce(start)
	fired = false
	if err := s.WaitUntil(h, start.Add(50*time.Millisecond)); err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}

	if s.RunOnce(start.Add(10*time.Millisecond)) != 0 {
		t.Fatal("timed task ran before its deadline")
	}
	if fired {
		t.Fatal("transition invoked before deadline")
	}

	if stepped := s.RunOnce(start.Add(60 * time.Millisecond)); stepped != 1 {
		t.Fatalf("timed task did not fire at deadline: stepped=%d", stepped)
	}
	if !fired {
		t.Fatal("transition not invoked at deadline")
	}
}

func TestSpawnTableFull(t *testing.T) {
	t.Parallel()

	s := sched.New(1)

	noop := func(_ *sched.Signals, _ any) sched.Disposition { return sched.Wait }

	if _, err := s.Spawn("a", nil, noop); err != nil {
		t.Fatalf("first spawn: %v", err)
	}

	if _, err := s.Spawn("b", nil, noop); err == nil {
		t.Fatal("expected ErrTableFull")
	}

	if got := s.FullCount(); got != 1 {
		t.Fatalf("FullCount = %d, want 1", got)
	}
}

func TestKillReleasesTask(t *testing.T) {
	t.Parallel()

	s := sched.New(4)

	h, err := s.Spawn("x", nil, func(_ *sched.Signals, _ any) sched.Disposition { return sched.Wait })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := s.Kill(h); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if s.TaskCount() != 0 {
		t.Fatalf("TaskCount after Kill = %d, want 0", s.TaskCount())
	}

	if err := s.Kill(h); err == nil {
		t.Fatal("expected error killing an already-dead handle")
	}
}

func TestDoneRemovesTask(t *testing.T) {
	t.Parallel()

	s := sched.New(4)

	_, err := s.Spawn("finisher", nil, func(_ *sched.Signals, _ any) sched.Disposition { return sched.Done })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	s.RunOnce(time.Now())

	if s.TaskCount() != 0 {
		t.Fatalf("TaskCount after Done = %d, want 0", s.TaskCount())
	}
}
