package ring

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/metrics"
)

// Reader is one attached shadow-reader slot. Shift and Shift2 are called in
// strict pairs from a single goroutine; the frame bytes returned by Shift
// alias shared memory and stay valid only until Shift2.
type Reader struct {
	ring  *Ring
	id    int
	pid   uint32
	born  uint64
	nonce uint32

	// advance for the frame handed out by the last Shift
	pendingAdvance  uint64
	pendingUnpadded uint64
}

// attachNonce distinguishes successive attachments made by this process.
var attachNonce uint32

// Attach claims a free reader slot and positions its cursor at the current
// publish point: a fresh shadow reader observes only frames published after
// it attached.
func (r *Ring) Attach() (*Reader, error) {
	pid := uint32(os.Getpid())
	born, err := processStartTime(pid)
	if err != nil {
		return nil, errors.Wrap(err, "read own process start time")
	}
	nonce := atomic.AddUint32(&attachNonce, 1)

	for i := 0; i < r.opts.Slots; i++ {
		for {
			attached := atomic.LoadUint64(&r.ctrl.Attached)
			if attached&(1<<uint(i)) != 0 {
				break // slot taken, try next
			}
			if !atomic.CompareAndSwapUint64(&r.ctrl.Attached, attached, attached|1<<uint(i)) {
				continue // raced, re-examine this slot
			}
			slot := r.readerSlot(i)
			atomic.StoreUint64(&slot.ReadOff, atomic.LoadUint64(&r.ctrl.WriteOff))
			atomic.StoreUint64(&slot.OutCount, 0)
			atomic.StoreUint64(&slot.OutBytes, 0)
			slot.Start = born
			atomic.StoreUint32(&slot.Nonce, nonce)
			atomic.StoreUint32(&slot.Pid, pid)
			return &Reader{ring: r, id: i, pid: pid, born: born, nonce: nonce}, nil
		}
	}
	return nil, ErrNoSlot
}

// ID returns the reader's slot index in [0, K).
func (rd *Reader) ID() int { return rd.id }

// Detach releases the slot. It is a no-op if the producer already reclaimed
// it.
func (rd *Reader) Detach() {
	r := rd.ring
	if !rd.attached() {
		return
	}
	for {
		attached := atomic.LoadUint64(&r.ctrl.Attached)
		if attached&(1<<uint(rd.id)) == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&r.ctrl.Attached, attached, attached&^(1<<uint(rd.id))) {
			break
		}
	}
	atomic.StoreUint32(&r.readerSlot(rd.id).Pid, noReaderPid)
	futexWakeAll(&r.ctrl.SpaceFutex)
}

// attached reports whether this handle still owns its slot. The producer may
// have reclaimed it and another process may even have re-attached it, so both
// the bitmap bit and the slot identity are checked.
func (rd *Reader) attached() bool {
	r := rd.ring
	if atomic.LoadUint64(&r.ctrl.Attached)&(1<<uint(rd.id)) == 0 {
		return false
	}
	slot := r.readerSlot(rd.id)
	return atomic.LoadUint32(&slot.Pid) == rd.pid &&
		slot.Start == rd.born &&
		atomic.LoadUint32(&slot.Nonce) == rd.nonce
}

// Shift returns the next unread frame without consuming it, or (nil, nil,
// nil) when caught up. At end-of-stream it returns io.EOF once all published
// frames have been drained. ErrDetached means the producer reclaimed the
// slot.
func (rd *Reader) Shift() (*frame.Header, []byte, error) {
	r := rd.ring
	if !rd.attached() {
		return nil, nil, ErrDetached
	}
	slot := r.readerSlot(rd.id)
	size := uint64(r.opts.Size)

	for {
		ro := atomic.LoadUint64(&slot.ReadOff)
		wo := atomic.LoadUint64(&r.ctrl.WriteOff)
		if ro == wo {
			if atomic.LoadUint32(&r.ctrl.Flags)&flagEOF != 0 {
				return nil, nil, io.EOF
			}
			return nil, nil, nil
		}

		pos := ro & r.mask
		rem := size - pos
		if rem < frame.HeaderSize {
			// tail too small for a header; dead space by construction
			rd.advance(slot, rem)
			continue
		}

		var hdr frame.Header
		hdr.DecodeFrom(r.arena[pos : pos+frame.HeaderSize])
		if hdr.Type == typeSkip {
			rd.advance(slot, rem)
			continue
		}

		raw := r.arena[pos : pos+uint64(hdr.FramedSize())]
		rd.pendingAdvance = uint64(hdr.PaddedSize())
		rd.pendingUnpadded = uint64(hdr.FramedSize())
		return &hdr, raw, nil
	}
}

// Shift2 acknowledges the frame returned by the previous Shift, freeing its
// arena space for the producer.
func (rd *Reader) Shift2() {
	if rd.pendingAdvance == 0 {
		return
	}
	if !rd.attached() {
		// reclaimed between Shift and Shift2; the slot may already belong to
		// another reader, so its cursor must not move
		rd.pendingAdvance = 0
		rd.pendingUnpadded = 0
		return
	}
	slot := rd.ring.readerSlot(rd.id)
	atomic.AddUint64(&slot.OutCount, 1)
	atomic.AddUint64(&slot.OutBytes, rd.pendingUnpadded)
	metrics.RingFramesOut.Inc()
	rd.advance(slot, rd.pendingAdvance)
	rd.pendingAdvance = 0
	rd.pendingUnpadded = 0
}

func (rd *Reader) advance(slot *readerSlot, n uint64) {
	atomic.AddUint64(&slot.ReadOff, n)
	futexWakeAll(&rd.ring.ctrl.SpaceFutex)
}

// Wait blocks until new frames are likely available, EOF is flagged, or the
// timeout elapses. It spins briefly before parking on the data futex. Returns
// false only on timeout with no data.
func (rd *Reader) Wait(timeout time.Duration) bool {
	r := rd.ring
	slot := r.readerSlot(rd.id)

	haveData := func() bool {
		ro := atomic.LoadUint64(&slot.ReadOff)
		wo := atomic.LoadUint64(&r.ctrl.WriteOff)
		return ro != wo || atomic.LoadUint32(&r.ctrl.Flags)&flagEOF != 0
	}

	for i := 0; i < r.opts.SpinCount; i++ {
		if haveData() {
			return true
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		val := atomic.LoadUint32(&r.ctrl.DataFutex)
		if haveData() {
			return true
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return haveData()
		}
		futexWait(&r.ctrl.DataFutex, val, remain)
	}
}
