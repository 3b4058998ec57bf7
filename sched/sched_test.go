package sched_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmdio/zmd/sched"
)

func TestRunExecutesInPostOrder(t *testing.T) {
	s := sched.New()
	defer s.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, s.Run(sched.BroadcastTx, func() {
			got = append(got, i)
		}))
	}
	// synchronize behind the posted tasks
	require.NoError(t, s.RunSync(sched.BroadcastTx, func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestRunSyncObservesCompletion(t *testing.T) {
	s := sched.New()
	defer s.Stop()

	var ran atomic.Bool
	require.NoError(t, s.RunSync(sched.ReplayerRx, func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}))
	assert.True(t, ran.Load())
}

func TestRunAfterStopFails(t *testing.T) {
	s := sched.New()
	s.Stop()

	err := s.Run(sched.FeedRx, func() {})
	assert.ErrorIs(t, err, sched.ErrStopped)
}

func TestTimerFires(t *testing.T) {
	s := sched.New()
	defer s.Stop()

	fired := make(chan struct{})
	s.AfterFunc(sched.BroadcastTx, 5*time.Millisecond, func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelOnOwningThreadSuppressesFire(t *testing.T) {
	s := sched.New()
	defer s.Stop()

	var fired atomic.Bool
	tm := s.AfterFunc(sched.BroadcastTx, time.Millisecond, func() {
		fired.Store(true)
	})

	// Cancel from the owning thread; once it returns there, the callback may
	// never run.
	require.NoError(t, s.RunSync(sched.BroadcastTx, func() {
		tm.Cancel()
	}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.RunSync(sched.BroadcastTx, func() {}))
	assert.False(t, fired.Load())
}
