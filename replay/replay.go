// Package replay drives capture-file frames through the host's apply path.
// The core is event-driven from the file: each frame reconstructs an absolute
// stamp from the preceding heartbeat plus inter-arrival deltas, and the host
// paces real time through the OnTimer hook. State lives on the replayer Rx
// thread; the public calls post there and synchronize on one-shot signals.
package replay

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/capture"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/metrics"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils/log"
)

// State is the replayer lifecycle state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "IDLE"
}

// ApplyFunc consumes one frame. stamp is the absolute wall-clock time
// reconstructed for the frame; body aliases the reader's buffer and is valid
// only for the duration of the call.
type ApplyFunc func(hdr *frame.Header, body []byte, stamp time.Time)

// TimerFunc is the host clock hook. It is called once with a zero time when a
// session starts to obtain the first scheduled point, then again whenever a
// frame's reconstructed stamp passes the current point, each call returning
// the next one. Returning a zero time disables further callbacks.
type TimerFunc func(next time.Time) time.Time

// PadFunc lets the host rewrite the header its apply sees. It operates on a
// scratch copy; the frame bytes on disk and the body passed to apply are
// never altered.
type PadFunc func(hdr *frame.Header)

// Options tune one replay session.
type Options struct {
	// Begin suppresses apply for frames reconstructed before it. Clock
	// reconstruction still consumes the skipped frames.
	Begin time.Time
	// Filter, when set, suppresses apply for types it rejects.
	Filter func(typ uint8) bool
	// OnTimer is the host clock hook; nil disables pacing callbacks.
	OnTimer TimerFunc
	// OnEOF runs on the Rx thread after a clean end of file.
	OnEOF func()
	// OnHeartbeat observes heartbeat frames as they reset the clock base.
	// The header is a copy; body aliases the reader's buffer.
	OnHeartbeat func(hdr *frame.Header, body []byte, stamp time.Time)
	// Pad is the host header-rewrite hook.
	Pad PadFunc
}

// Replayer replays capture files into an apply callback.
type Replayer struct {
	sch   *sched.Scheduler
	apply ApplyFunc

	mu      sync.Mutex
	state   State
	lastErr error

	// Rx-thread state
	r        *capture.Reader
	opts     Options
	lastTime time.Time
	nextTime time.Time
	stopReq  bool
}

// New builds a replayer delivering frames to apply.
func New(sch *sched.Scheduler, apply ApplyFunc) *Replayer {
	return &Replayer{sch: sch, apply: apply}
}

// State returns the current lifecycle state.
func (rp *Replayer) State() State {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.state
}

// Err returns the error that ended the last session, if any.
func (rp *Replayer) Err() error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.lastErr
}

// Replay opens path and starts applying its frames. It returns once the
// session is started (or refused); frames are then delivered on the Rx
// thread, re-armed one step at a time through the scheduler.
func (rp *Replayer) Replay(path string, opts Options) error {
	var startErr error
	err := rp.sch.RunSync(sched.ReplayerRx, func() {
		rp.mu.Lock()
		if rp.state == Running {
			rp.mu.Unlock()
			startErr = errors.Errorf("replay already running")
			return
		}
		rp.mu.Unlock()

		r, err := capture.Open(path)
		if err != nil {
			startErr = err
			rp.setIdle(err)
			return
		}

		rp.r = r
		rp.opts = opts
		rp.lastTime = time.Time{}
		rp.nextTime = time.Time{}
		rp.stopReq = false
		if opts.OnTimer != nil {
			rp.nextTime = opts.OnTimer(time.Time{})
		}

		rp.mu.Lock()
		rp.state = Running
		rp.lastErr = nil
		rp.mu.Unlock()
		log.Info("replay: started, path=%s version=%d.%d",
			path, r.Version().Major, r.Version().Minor)

		rp.arm()
	})
	if err != nil {
		return err
	}
	return startErr
}

// Stop ends a running session. Synchronous: when it returns, no further
// apply calls will be made.
func (rp *Replayer) Stop() error {
	return rp.sch.RunSync(sched.ReplayerRx, func() {
		if rp.r == nil {
			return
		}
		rp.stopReq = true
	})
}

// Update swaps the session hooks mid-run, on the Rx thread.
func (rp *Replayer) Update(opts Options) error {
	return rp.sch.RunSync(sched.ReplayerRx, func() {
		if rp.r == nil {
			return
		}
		rp.opts = opts
	})
}

// arm schedules the next step. No sleeping here: pacing belongs to the host's
// OnTimer hook.
func (rp *Replayer) arm() {
	if err := rp.sch.Run(sched.ReplayerRx, rp.step); err != nil {
		rp.finish(err)
	}
}

// step processes one frame on the Rx thread.
func (rp *Replayer) step() {
	if rp.r == nil {
		return
	}
	if rp.stopReq {
		rp.finish(nil)
		return
	}

	hdr, body, err := rp.r.Next()
	if err == io.EOF {
		log.Info("replay: eof")
		if rp.opts.OnEOF != nil {
			rp.opts.OnEOF()
		}
		rp.finish(nil)
		return
	}
	if err != nil {
		log.Error("replay: %v", err)
		rp.finish(err)
		return
	}

	if hdr.Type == frame.TypeHeartbeat {
		if int(hdr.Len) >= frame.HeartbeatBodyLen {
			rp.lastTime = frame.DecodeHeartbeatBody(body)
		}
		if rp.opts.OnHeartbeat != nil {
			h := *hdr
			rp.opts.OnHeartbeat(&h, body, rp.lastTime)
		}
		rp.arm()
		return
	}

	target := rp.lastTime.Add(time.Duration(hdr.Nsec))
	for rp.opts.OnTimer != nil && !rp.nextTime.IsZero() && target.After(rp.nextTime) {
		rp.nextTime = rp.opts.OnTimer(rp.nextTime)
	}
	rp.lastTime = target

	if rp.applicable(hdr, target) {
		h := *hdr
		if rp.opts.Pad != nil {
			rp.opts.Pad(&h)
		}
		rp.apply(&h, body, target)
		metrics.ReplayFrames.Inc()
	}
	rp.arm()
}

func (rp *Replayer) applicable(hdr *frame.Header, stamp time.Time) bool {
	if !rp.opts.Begin.IsZero() && stamp.Before(rp.opts.Begin) {
		return false
	}
	if rp.opts.Filter != nil && !rp.opts.Filter(hdr.Type) {
		return false
	}
	return true
}

// finish transitions to IDLE on the Rx thread.
func (rp *Replayer) finish(err error) {
	if rp.r != nil {
		rp.r.Close()
		rp.r = nil
	}
	rp.setIdle(err)
}

func (rp *Replayer) setIdle(err error) {
	rp.mu.Lock()
	rp.state = Idle
	rp.lastErr = err
	rp.mu.Unlock()
}
