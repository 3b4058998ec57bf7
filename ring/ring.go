// Package ring implements the lock-free single-producer/multi-consumer
// shared-memory ring that carries framed market-data messages between the
// publishing process and its shadow readers. The segment lives under /dev/shm
// with a stable name; the creator sets the geometry and later openers
// validate it.
//
// The producer is the design priority: it never blocks indefinitely on a
// consumer. A reader that would hold the producer past the configured detach
// timeout is reclaimed and must recover out of band.
package ring

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/metrics"
	"github.com/zmdio/zmd/utils"
	"github.com/zmdio/zmd/utils/log"
)

// Mode selects the ring open mode.
type Mode int

const (
	// Read attaches to an existing segment for shadow reading.
	Read Mode = iota
	// Write creates or claims the segment as the single producer.
	Write
)

// typeSkip marks the sentinel mini-frame the producer writes when the
// remaining contiguous arena space cannot hold a reservation. Readers jump to
// the arena start and never surface it. It is distinct from every data type
// and from frame.TypeHeartbeat.
const typeSkip = 0xfe

// Options configures a ring open. Zero values fall back to the defaults in
// utils.
type Options struct {
	Size          int
	Slots         int
	SpinCount     int
	DetachTimeout time.Duration
}

func (o *Options) fill() error {
	if o.Size == 0 {
		o.Size = utils.DefaultRingSize
	}
	if o.Size&(o.Size-1) != 0 {
		return errors.Errorf("ring size %d is not a power of two", o.Size)
	}
	if o.Slots == 0 {
		o.Slots = utils.DefaultReaderSlots
	}
	if o.Slots < 1 || o.Slots > MaxReaders {
		return errors.Errorf("reader slots %d out of range [1,%d]", o.Slots, MaxReaders)
	}
	if o.SpinCount == 0 {
		o.SpinCount = utils.DefaultSpinCount
	}
	if o.DetachTimeout == 0 {
		o.DetachTimeout = utils.DefaultDetachTimeout
	}
	return nil
}

// Stats is the telemetry counter snapshot exposed by the ring.
type Stats struct {
	InCount  uint64
	InBytes  uint64
	OutCount uint64
	OutBytes uint64
}

// Ring is one process's handle on the shared segment.
type Ring struct {
	name string
	path string
	mode Mode
	opts Options

	mem   []byte
	ctrl  *ctrlBlock
	arena []byte
	mask  uint64

	// producer-local reservation state; Push/Push2 run in strict pairs on
	// one thread so no synchronization is needed here
	pendingBytes    uint64
	pendingUnpadded uint64

	closed bool
}

// Open creates or attaches to the named segment.
func Open(name string, mode Mode, opts Options) (*Ring, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	path := "/dev/shm/" + name

	r := &Ring{name: name, path: path, mode: mode, opts: opts}
	switch mode {
	case Write:
		if err := r.openWrite(); err != nil {
			return nil, err
		}
	case Read:
		if err := r.openRead(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown ring mode %d", mode)
	}
	return r, nil
}

func (r *Ring) openWrite() error {
	total := segmentSize(r.opts.Size, r.opts.Slots)

	fp, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open ring segment %s", r.path)
	}
	info, err := fp.Stat()
	if err != nil {
		fp.Close()
		return errors.Wrapf(err, "stat ring segment %s", r.path)
	}
	fresh := info.Size() == 0
	if fresh {
		if err := fp.Truncate(int64(total)); err != nil {
			fp.Close()
			return errors.Wrapf(err, "size ring segment %s", r.path)
		}
	}

	if !fresh && info.Size() < int64(ctrlSize) {
		fp.Close()
		return errors.Errorf("segment %s too small to be a ring", r.path)
	}
	mapLen := total
	if !fresh && info.Size() > int64(total) {
		mapLen = int(info.Size())
	}
	if err := r.mapSegment(fp, mapLen, fresh); err != nil {
		fp.Close()
		return err
	}
	fp.Close()

	if fresh {
		r.ctrl.Size = uint64(r.opts.Size)
		r.ctrl.Slots = uint32(r.opts.Slots)
		r.ctrl.Magic = segmentMagic
	} else {
		if r.ctrl.Magic != segmentMagic {
			r.unmap()
			return errors.Errorf("segment %s is not a ring (bad magic)", r.path)
		}
		// adopt the creator's geometry
		r.opts.Size = int(r.ctrl.Size)
		r.opts.Slots = int(r.ctrl.Slots)
		if segmentSize(r.opts.Size, r.opts.Slots) > mapLen {
			r.unmap()
			return errors.Errorf("segment %s shorter than its declared geometry", r.path)
		}
	}
	r.sliceArena()

	if err := r.claimWriter(); err != nil {
		r.unmap()
		return err
	}
	return nil
}

func (r *Ring) openRead() error {
	fp, err := os.OpenFile(r.path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotReady
		}
		return errors.Wrapf(err, "open ring segment %s", r.path)
	}
	info, err := fp.Stat()
	if err != nil {
		fp.Close()
		return errors.Wrapf(err, "stat ring segment %s", r.path)
	}
	if info.Size() < ctrlSize {
		fp.Close()
		return ErrNotReady
	}
	if err := r.mapSegment(fp, int(info.Size()), false); err != nil {
		fp.Close()
		return err
	}
	fp.Close()

	if r.ctrl.Magic != segmentMagic {
		r.unmap()
		return ErrNotReady
	}
	r.opts.Size = int(r.ctrl.Size)
	r.opts.Slots = int(r.ctrl.Slots)
	if segmentSize(r.opts.Size, r.opts.Slots) > int(info.Size()) {
		r.unmap()
		return errors.Errorf("segment %s shorter than its declared geometry", r.path)
	}
	r.sliceArena()
	return nil
}

func (r *Ring) sliceArena() {
	off := arenaOffset(r.opts.Slots)
	r.arena = r.mem[off : off+r.opts.Size]
	r.mask = uint64(r.opts.Size - 1)
}

// claimWriter enforces the single-writer invariant. A writer pid that is
// still alive fails the open with ErrInUse; a stale one is taken over with a
// fresh generation.
func (r *Ring) claimWriter() error {
	pid := uint32(os.Getpid())
	start, err := processStartTime(pid)
	if err != nil {
		return errors.Wrap(err, "read own process start time")
	}

	for {
		owner := atomic.LoadUint32(&r.ctrl.WriterPid)
		if owner != noReaderPid {
			// The owner incarnation check covers our own pid too: a second
			// write open from the producer process must fail, not silently
			// reset the generation under the live writer.
			if processAlive(owner, r.ctrl.WriterStart) {
				return ErrInUse
			}
			log.Warn("ring %s: reclaiming segment from dead writer pid %d", r.name, owner)
		}
		if !atomic.CompareAndSwapUint32(&r.ctrl.WriterPid, owner, pid) {
			continue
		}
		r.ctrl.WriterStart = start
		break
	}

	// Fresh generation: cursors restart and previous-generation readers are
	// cleared; their attachments died with the old producer.
	r.ctrl.Generation++
	r.ctrl.SeqNo = 0
	r.ctrl.ReserveOff = 0
	atomic.StoreUint64(&r.ctrl.WriteOff, 0)
	atomic.StoreUint32(&r.ctrl.Flags, 0)
	atomic.StoreUint64(&r.ctrl.Attached, 0)
	atomic.StoreUint64(&r.ctrl.InCount, 0)
	atomic.StoreUint64(&r.ctrl.InBytes, 0)
	for i := 0; i < r.opts.Slots; i++ {
		slot := r.readerSlot(i)
		atomic.StoreUint64(&slot.ReadOff, 0)
		atomic.StoreUint64(&slot.OutCount, 0)
		atomic.StoreUint64(&slot.OutBytes, 0)
		atomic.StoreUint32(&slot.Pid, noReaderPid)
	}
	return nil
}

func (r *Ring) readerSlot(i int) *readerSlot {
	off := ctrlSize + i*readerSize
	return (*readerSlot)(unsafe.Pointer(&r.mem[off]))
}

// Push reserves space for a frame with a bodyLen-byte body and returns the
// slot (header plus body, no padding) together with the sequence number
// assigned at reservation. The caller must encode the frame into the slot and
// commit with Push2. Returns ErrFull when space cannot be found even after
// reclaiming slow readers, ErrNotReady after EOF or Close.
func (r *Ring) Push(bodyLen int) ([]byte, uint64, error) {
	if r.closed || atomic.LoadUint32(&r.ctrl.Flags)&flagEOF != 0 {
		return nil, 0, ErrNotReady
	}
	if bodyLen < 0 || bodyLen > frame.MaxBodyLen {
		return nil, 0, errors.Errorf("body length %d out of range [0,%d]", bodyLen, frame.MaxBodyLen)
	}
	if r.pendingBytes != 0 {
		return nil, 0, errors.New("push without matching push2")
	}

	padded := uint64(frame.PaddedSize(bodyLen))
	size := uint64(r.opts.Size)

	pos := r.ctrl.ReserveOff & r.mask
	rem := size - pos
	var skip uint64
	if rem < padded {
		skip = rem
	}
	need := skip + padded
	if need > size {
		return nil, 0, ErrFull
	}

	if err := r.waitForSpace(need); err != nil {
		return nil, 0, err
	}

	if skip >= frame.HeaderSize {
		// explicit sentinel: readers see it and jump to the arena start
		var hdr frame.Header
		hdr.Type = typeSkip
		hdr.EncodeTo(r.arena[pos : pos+frame.HeaderSize])
	}
	// skip < HeaderSize needs no sentinel: both sides treat a tail too small
	// for a header as dead space

	start := (r.ctrl.ReserveOff + skip) & r.mask
	slot := r.arena[start : start+uint64(frame.HeaderSize+bodyLen)]

	seq := r.ctrl.SeqNo
	r.ctrl.SeqNo++
	r.ctrl.ReserveOff += need
	r.pendingBytes = need
	r.pendingUnpadded = uint64(frame.HeaderSize + bodyLen)
	return slot, seq, nil
}

// Push2 publishes the reservation made by the previous Push. Readers cannot
// observe the slot before this.
func (r *Ring) Push2() {
	if r.pendingBytes == 0 {
		log.Warn("ring %s: push2 without reservation", r.name)
		return
	}
	atomic.StoreUint64(&r.ctrl.WriteOff, r.ctrl.ReserveOff)
	atomic.AddUint64(&r.ctrl.InCount, 1)
	atomic.AddUint64(&r.ctrl.InBytes, r.pendingUnpadded)
	metrics.RingFramesIn.Inc()
	metrics.RingBytesIn.Add(float64(r.pendingUnpadded))
	r.pendingBytes = 0
	r.pendingUnpadded = 0
	futexWakeAll(&r.ctrl.DataFutex)
}

// waitForSpace blocks until need bytes are free, spinning first and then
// parking on the space futex. At the detach deadline the slowest reader is
// treated as dead and reclaimed; the producer never waits past it.
func (r *Ring) waitForSpace(need uint64) error {
	if r.free() >= need {
		return nil
	}

	// staleness sweep on first contention: dead readers hold space hostage
	r.reclaimDeadReaders()
	if r.free() >= need {
		return nil
	}

	deadline := time.Now().Add(r.opts.DetachTimeout)
	for {
		for i := 0; i < r.opts.SpinCount; i++ {
			if r.free() >= need {
				return nil
			}
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			idx, ok := r.slowestReader()
			if !ok {
				// no readers and still no room: the reservation cannot fit
				return ErrFull
			}
			r.forceDetach(idx, "slow")
			if r.free() >= need {
				return nil
			}
			deadline = time.Now().Add(r.opts.DetachTimeout)
			continue
		}
		val := atomic.LoadUint32(&r.ctrl.SpaceFutex)
		if r.free() >= need {
			return nil
		}
		futexWait(&r.ctrl.SpaceFutex, val, remain)
	}
}

// free returns the producer's free arena bytes, owed against the slowest
// attached reader.
func (r *Ring) free() uint64 {
	minOff, _, any := r.minReadOff()
	if !any {
		minOff = atomic.LoadUint64(&r.ctrl.WriteOff)
	}
	return uint64(r.opts.Size) - (r.ctrl.ReserveOff - minOff)
}

func (r *Ring) minReadOff() (minOff uint64, idx int, any bool) {
	attached := atomic.LoadUint64(&r.ctrl.Attached)
	for i := 0; i < r.opts.Slots; i++ {
		if attached&(1<<uint(i)) == 0 {
			continue
		}
		off := atomic.LoadUint64(&r.readerSlot(i).ReadOff)
		if !any || off < minOff {
			minOff, idx, any = off, i, true
		}
	}
	return minOff, idx, any
}

func (r *Ring) slowestReader() (int, bool) {
	_, idx, any := r.minReadOff()
	return idx, any
}

// reclaimDeadReaders detaches readers whose process incarnation is gone.
func (r *Ring) reclaimDeadReaders() {
	attached := atomic.LoadUint64(&r.ctrl.Attached)
	for i := 0; i < r.opts.Slots; i++ {
		if attached&(1<<uint(i)) == 0 {
			continue
		}
		slot := r.readerSlot(i)
		if !processAlive(atomic.LoadUint32(&slot.Pid), slot.Start) {
			r.forceDetach(i, "dead")
		}
	}
}

func (r *Ring) forceDetach(idx int, reason string) {
	for {
		attached := atomic.LoadUint64(&r.ctrl.Attached)
		if attached&(1<<uint(idx)) == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&r.ctrl.Attached, attached, attached&^(1<<uint(idx))) {
			break
		}
	}
	atomic.StoreUint32(&r.readerSlot(idx).Pid, noReaderPid)
	metrics.RingPeerDeadTotal.Inc()
	log.Warn("ring %s: detached %s reader slot %d", r.name, reason, idx)
}

// EOF marks end-of-stream. Readers drain what was published and then observe
// EOF; further pushes fail NotReady.
func (r *Ring) EOF() {
	var f uint32
	for {
		f = atomic.LoadUint32(&r.ctrl.Flags)
		if atomic.CompareAndSwapUint32(&r.ctrl.Flags, f, f|flagEOF) {
			break
		}
	}
	futexWakeAll(&r.ctrl.DataFutex)
}

// Stats returns the telemetry counters: frames and bytes in, and the
// aggregate consumed by all readers of this generation.
func (r *Ring) Stats() Stats {
	s := Stats{
		InCount: atomic.LoadUint64(&r.ctrl.InCount),
		InBytes: atomic.LoadUint64(&r.ctrl.InBytes),
	}
	for i := 0; i < r.opts.Slots; i++ {
		slot := r.readerSlot(i)
		s.OutCount += atomic.LoadUint64(&slot.OutCount)
		s.OutBytes += atomic.LoadUint64(&slot.OutBytes)
	}
	return s
}

// Generation returns the ring generation claimed by the current writer.
func (r *Ring) Generation() uint64 { return r.ctrl.Generation }

// Name returns the segment name.
func (r *Ring) Name() string { return r.name }

// Size returns the arena size in bytes.
func (r *Ring) Size() int { return r.opts.Size }

// Close releases this handle. The writer handle gives up the writer claim;
// unlink additionally removes the segment from /dev/shm.
func (r *Ring) Close(unlink bool) error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.mode == Write {
		atomic.StoreUint32(&r.ctrl.WriterPid, noReaderPid)
		futexWakeAll(&r.ctrl.DataFutex)
	}
	if err := r.unmap(); err != nil {
		return err
	}
	if unlink {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unlink ring segment %s", r.path)
		}
	}
	return nil
}
