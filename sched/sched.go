// Package sched provides the cooperative task scheduler for the broadcast
// core. Each logical role runs on its own pinned worker; posted tasks execute
// to completion in post order, so state owned by a role needs no locking as
// long as it is only touched from that role's thread.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/utils/log"
)

// ThreadID names one of the fixed worker threads.
type ThreadID int

const (
	// FeedRx receives exchange data and produces frames.
	FeedRx ThreadID = iota
	// BroadcastTx owns the ring producer side and the heartbeat timer.
	BroadcastTx
	// RecorderSnap isolates capture-file disk I/O from the producer.
	RecorderSnap
	// ReplayerRx owns replayer state transitions and the apply loop.
	ReplayerRx

	numThreads
)

func (id ThreadID) String() string {
	switch id {
	case FeedRx:
		return "feed-rx"
	case BroadcastTx:
		return "broadcast-tx"
	case RecorderSnap:
		return "recorder-snap"
	case ReplayerRx:
		return "replayer-rx"
	}
	return "unknown"
}

// ErrStopped is returned when work is posted to a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

const taskQueueLen = 1024

type worker struct {
	id    ThreadID
	tasks chan func()
}

// Scheduler is a fixed pool of pinned workers with cross-thread posting and
// cancellable timers.
type Scheduler struct {
	workers [numThreads]*worker
	done    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New starts the worker threads and returns the scheduler.
func New() *Scheduler {
	s := &Scheduler{done: make(chan struct{})}
	for i := ThreadID(0); i < numThreads; i++ {
		w := &worker{id: i, tasks: make(chan func(), taskQueueLen)}
		s.workers[i] = w
		s.wg.Add(1)
		go s.loop(w)
	}
	return s
}

func (s *Scheduler) loop(w *worker) {
	defer s.wg.Done()
	// Isolate each role on its own OS thread so disk or socket stalls on one
	// role cannot migrate onto the producer's thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case <-s.done:
			// drain what was posted before the stop
			for {
				select {
				case fn := <-w.tasks:
					fn()
				default:
					return
				}
			}
		case fn := <-w.tasks:
			fn()
		}
	}
}

// Run posts fn to the given thread. fn runs to completion before the next
// posted task; there is no preemption within a thread.
func (s *Scheduler) Run(id ThreadID, fn func()) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.workers[id].tasks <- fn:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// RunSync posts fn and waits for it to finish. Used by the synchronous
// façades (stop-recording, stop-replaying) that must observe completion.
func (s *Scheduler) RunSync(id ThreadID, fn func()) error {
	doneCh := make(chan struct{})
	err := s.Run(id, func() {
		defer close(doneCh)
		fn()
	})
	if err != nil {
		return err
	}
	<-doneCh
	return nil
}

// Stop shuts the workers down after draining already-posted tasks.
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.done)
	s.wg.Wait()
	log.Debug("scheduler stopped")
}

// Timer is a cancellable timer owned by a scheduler thread.
type Timer struct {
	s         *Scheduler
	id        ThreadID
	cancelled atomic.Bool
	t         *time.Timer
}

// AfterFunc arms a timer that runs fn on the given thread after d. The timer
// does not rearm itself; rearming from within fn gives a cadence relative to
// the last firing rather than a drift-accumulating one.
func (s *Scheduler) AfterFunc(id ThreadID, d time.Duration, fn func()) *Timer {
	tm := &Timer{s: s, id: id}
	tm.t = time.AfterFunc(d, func() {
		err := s.Run(id, func() {
			if tm.cancelled.Load() {
				return
			}
			fn()
		})
		if err != nil {
			log.Debug("timer fire dropped: %v", err)
		}
	})
	return tm
}

// Cancel stops the timer. When called on the owning thread, fn is guaranteed
// not to run after Cancel returns: the cancelled flag is checked on that same
// thread before fn executes.
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
	t.t.Stop()
}
