// Package recorder persists every frame observed by a shadow reader to a
// capture file, byte for byte and without parsing bodies. All disk I/O runs
// on the snap thread so the producer never waits on the filesystem.
package recorder

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/capture"
	"github.com/zmdio/zmd/metrics"
	"github.com/zmdio/zmd/ring"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils/log"
)

// AlreadyRecordingError is returned by Start when a session with a different
// path is active.
type AlreadyRecordingError struct {
	Active string
}

func (e AlreadyRecordingError) Error() string {
	return fmt.Sprintf("already recording to %s", e.Active)
}

const drainWait = 50 * time.Millisecond

// Recorder is a shadow consumer bound to one capture file at a time.
type Recorder struct {
	b   *broadcast.Broadcast
	sch *sched.Scheduler

	mu     sync.Mutex
	path   string
	active bool
	done   chan struct{}
	stop   atomic.Bool
}

// New builds a recorder over the broadcast.
func New(b *broadcast.Broadcast, sch *sched.Scheduler) *Recorder {
	return &Recorder{b: b, sch: sch}
}

// Start opens path exclusive-append, attaches a shadow reader and begins the
// drain loop on the snap thread. Starting again with the same path while
// active is a no-op; a different path fails AlreadyRecording.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		if r.path == path {
			return nil
		}
		return AlreadyRecordingError{Active: r.path}
	}

	w, err := capture.Create(path)
	if err != nil {
		return err
	}
	shadow, err := r.b.Shadow()
	if err != nil {
		w.Close()
		return errors.Wrap(err, "attach recorder shadow")
	}

	r.path = path
	r.active = true
	r.stop.Store(false)
	r.done = make(chan struct{})
	done := r.done

	if err := r.sch.Run(sched.RecorderSnap, func() {
		defer close(done)
		r.drain(shadow, w)
	}); err != nil {
		shadow.Close()
		w.Close()
		r.active = false
		return err
	}
	log.Info("recorder: started, path=%s", path)
	return nil
}

// Stop ends the session and returns the capture file path. Synchronous for
// the caller; completion is observed through the drain loop's done signal.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return "", errors.New("not recording")
	}
	path, done := r.path, r.done
	r.mu.Unlock()

	r.stop.Store(true)
	<-done

	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	log.Info("recorder: stopped, path=%s", path)
	return path, nil
}

// Recording reports the active path, if any.
func (r *Recorder) Recording() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path, r.active
}

// drain runs on the snap thread until stop, EOF or error. Write failures
// close the file and detach; the producer is untouched.
func (r *Recorder) drain(shadow *broadcast.Shadow, w *capture.Writer) {
	defer shadow.Close()

	for {
		if r.stop.Load() {
			break
		}

		hdr, raw, err := shadow.Reader.Shift()
		switch {
		case err == io.EOF:
			log.Info("recorder: ring EOF after %d frames", w.Frames())
			r.finish(w)
			return
		case errors.Is(err, ring.ErrDetached):
			log.Warn("recorder: detached by producer after %d frames", w.Frames())
			r.finish(w)
			return
		case err != nil:
			log.Error("recorder: shift: %v", err)
			r.finish(w)
			return
		case hdr == nil:
			// caught up; flush what we have and park until frames arrive
			if err := w.Flush(); err != nil {
				log.Error("recorder: flush %s: %v", w.Path(), err)
				w.Close()
				return
			}
			shadow.Reader.Wait(drainWait)
			continue
		}

		if err := w.WriteRaw(raw); err != nil {
			log.Error("recorder: write %s: %v", w.Path(), err)
			w.Close()
			return
		}
		metrics.RecorderBytes.Add(float64(len(raw)))
		shadow.Reader.Shift2()
	}
	r.finish(w)
}

func (r *Recorder) finish(w *capture.Writer) {
	if err := w.Close(); err != nil {
		log.Error("recorder: close %s: %v", w.Path(), err)
	}
}
