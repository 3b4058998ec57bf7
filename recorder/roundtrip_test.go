package recorder_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/recorder"
	"github.com/zmdio/zmd/replay"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils"
)

// Recording a session, replaying it verbatim into a fresh broadcast, and
// recording that replay must reproduce the original capture byte for byte.
func TestRecordReplayRecordIdempotence(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.zmd")
	second := filepath.Join(dir, "second.zmd")

	// Session one: live heartbeats plus data frames.
	n := atomic.AddUint64(&segCounter, 1)
	cfg := utils.NewDefaultConfig()
	cfg.RingName = fmt.Sprintf("zmdrtest-%d-%d", os.Getpid(), n)
	cfg.RingSize = 8192
	cfg.HeartbeatInterval = 50 * time.Millisecond
	s1 := sched.New()
	b1 := broadcast.New(cfg, s1)
	defer func() {
		s1.Stop()
		os.Remove("/dev/shm/" + cfg.RingName)
	}()

	require.NoError(t, b1.Open())
	rec1 := recorder.New(b1, s1)
	require.NoError(t, rec1.Start(first))

	for i := 0; i < 5; i++ {
		body := []byte(fmt.Sprintf("tick-%d", i))
		require.NoError(t, s1.RunSync(sched.BroadcastTx, func() {
			if err := b1.Out(body, 1, 0); err != nil {
				t.Error(err)
			}
		}))
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	_, err := rec1.Stop()
	require.NoError(t, err)
	b1.Close()

	firstBytes, err := os.ReadFile(first)
	require.NoError(t, err)

	// Session two: replay the capture verbatim into a fresh broadcast with
	// its own heartbeat silenced, recording the result.
	b2, s2 := newFixture(t)
	require.NoError(t, b2.Open())
	defer b2.Close()

	rec2 := recorder.New(b2, s2)
	require.NoError(t, rec2.Start(second))

	inject := func(hdr frame.Header, body []byte) {
		buf := append([]byte(nil), body...)
		s2.Run(sched.BroadcastTx, func() {
			if err := b2.OutFrame(&hdr, buf); err != nil {
				t.Error(err)
			}
		})
	}
	rp := replay.New(s2, func(hdr *frame.Header, body []byte, stamp time.Time) {
		inject(*hdr, body)
	})
	require.NoError(t, rp.Replay(first, replay.Options{
		OnHeartbeat: func(hdr *frame.Header, body []byte, stamp time.Time) {
			inject(*hdr, body)
		},
	}))

	for rp.State() == replay.Running {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, rp.Err())

	// Barrier: every injected frame is on the ring before EOF is flagged.
	require.NoError(t, s2.RunSync(sched.BroadcastTx, func() {}))
	b2.EOF()

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(second)
		return err == nil && bytes.Equal(got, firstBytes)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = rec2.Stop()
	require.NoError(t, err)

	secondBytes, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, firstBytes, secondBytes)
}
