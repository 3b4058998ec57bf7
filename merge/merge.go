// Package merge combines N capture files into one time-ordered capture file.
// Each input is read strictly forward; memory use is proportional to the
// number of inputs, never to the frame count.
package merge

import (
	"container/heap"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/capture"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/utils/log"
)

// input is one open capture file plus its current frame. lastTime carries the
// clock base across heartbeats, reconstructed the same way the replayer does.
type input struct {
	index    int
	r        *capture.Reader
	hdr      frame.Header
	body     []byte
	stamp    time.Time
	lastTime time.Time
}

// advance loads the input's next frame and reconstructs its stamp.
// Returns io.EOF when the input is drained.
func (in *input) advance() error {
	hdr, body, err := in.r.Next()
	if err != nil {
		return err
	}
	in.hdr = *hdr
	// The body aliases the reader's own buffer and stays valid until the
	// next advance, which only happens after this frame is written out.
	in.body = body
	if hdr.Type == frame.TypeHeartbeat && int(hdr.Len) >= frame.HeartbeatBodyLen {
		in.lastTime = frame.DecodeHeartbeatBody(body)
		in.stamp = in.lastTime
		return nil
	}
	in.stamp = in.lastTime.Add(time.Duration(hdr.Nsec))
	in.lastTime = in.stamp
	return nil
}

// inputHeap orders inputs by (stamp, index). The index tiebreak keeps the
// merge stable for equal stamps.
type inputHeap []*input

func (h inputHeap) Len() int { return len(h) }
func (h inputHeap) Less(i, j int) bool {
	if !h[i].stamp.Equal(h[j].stamp) {
		return h[i].stamp.Before(h[j].stamp)
	}
	return h[i].index < h[j].index
}
func (h inputHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *inputHeap) Push(x interface{}) { *h = append(*h, x.(*input)) }
func (h *inputHeap) Pop() interface{} {
	old := *h
	n := len(old)
	in := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return in
}

// Merge writes the time-ordered union of the input capture files to outPath.
// Frames are copied byte-for-byte. Any input error aborts the merge; the
// output is left truncated to the last flushed frame.
func Merge(outPath string, inPaths ...string) error {
	if len(inPaths) == 0 {
		return errors.New("merge: no input files")
	}

	w, err := capture.Create(outPath)
	if err != nil {
		return err
	}
	defer w.Close()

	h := make(inputHeap, 0, len(inPaths))
	defer func() {
		for _, in := range h {
			in.r.Close()
		}
	}()

	for i, path := range inPaths {
		r, err := capture.Open(path)
		if err != nil {
			return err
		}
		in := &input{index: i, r: r}
		if err := in.advance(); err != nil {
			r.Close()
			if err == io.EOF {
				continue
			}
			return err
		}
		h = append(h, in)
	}
	heap.Init(&h)

	var frames uint64
	for h.Len() > 0 {
		in := h[0]
		if err := w.WriteFrame(&in.hdr, in.body); err != nil {
			return err
		}
		frames++

		switch err := in.advance(); err {
		case nil:
			heap.Fix(&h, 0)
		case io.EOF:
			in.r.Close()
			heap.Pop(&h)
		default:
			in.r.Close()
			heap.Pop(&h)
			// Flush what we have so the output ends at a clean
			// frame boundary before surfacing the failure.
			w.Flush()
			return err
		}
	}

	log.Info("merge: wrote %d frames from %d inputs to %s",
		frames, len(inPaths), outPath)
	return nil
}
