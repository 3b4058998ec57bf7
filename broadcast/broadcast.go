// Package broadcast owns the ring lifecycle and the heartbeat. It exposes the
// producer surface (Push/Out/Push2) used by the feed path, and Shadow handles
// through which recorders and live subscribers observe the stream.
//
// Producer calls must run on the sched.BroadcastTx thread; the heartbeat
// timer shares that thread, so producer state needs no locking. Open/Close
// control state is guarded by a plain mutex since contention there is rare.
package broadcast

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/metrics"
	"github.com/zmdio/zmd/ring"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils"
	"github.com/zmdio/zmd/utils/log"
)

// EventKind classifies events surfaced to the host.
type EventKind int

const (
	// EventRingError is a ring allocation or publish failure.
	EventRingError EventKind = iota
	// EventOverflow is a throttled notification of frames dropped on Full.
	EventOverflow
)

// EventFunc receives structured events. The default reporter logs.
type EventFunc func(kind EventKind, err error)

const overflowReportInterval = time.Second

// Broadcast is the ring owner.
type Broadcast struct {
	cfg *utils.ZmdConfig
	sch *sched.Scheduler

	mu        sync.Mutex // guards openCount, ring pointer, hbTimer
	openCount int
	ring      *ring.Ring
	hbTimer   *sched.Timer

	onEvent EventFunc

	// producer-thread state, touched only on sched.BroadcastTx
	lastEmit     time.Time // wall clock of the previous frame, delta base
	hbScheduled  time.Time
	dropped      uint64
	lastOverflow time.Time
}

// New builds a broadcast around cfg. The ring itself is not created until the
// first Open.
func New(cfg *utils.ZmdConfig, sch *sched.Scheduler) *Broadcast {
	b := &Broadcast{cfg: cfg, sch: sch}
	b.onEvent = func(kind EventKind, err error) {
		log.Error("broadcast event %d: %v", kind, err)
	}
	return b
}

// OnEvent installs the host's event reporter.
func (b *Broadcast) OnEvent(fn EventFunc) {
	b.onEvent = fn
}

// Open increments the open refcount, creating the ring and arming the
// heartbeat on the 0->1 transition. On ring allocation failure the refcount
// is rolled back and the event surfaced.
func (b *Broadcast) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.openCount++
	if b.openCount > 1 {
		return nil
	}

	r, err := ring.Open(b.cfg.RingName, ring.Write, ring.Options{
		Size:          b.cfg.RingSize,
		Slots:         b.cfg.ReaderSlots,
		SpinCount:     b.cfg.SpinCount,
		DetachTimeout: b.cfg.DetachTimeout,
	})
	if err != nil {
		b.openCount--
		b.onEvent(EventRingError, errors.Wrap(err, "ring allocation"))
		return err
	}
	b.ring = r
	log.Info("broadcast: ring %q generation %d open, %d byte arena",
		r.Name(), r.Generation(), r.Size())

	b.armHeartbeat(b.cfg.HeartbeatInterval)
	return nil
}

// Close decrements the refcount; on the last close the heartbeat is cancelled
// and the ring destroyed.
func (b *Broadcast) Close() {
	b.mu.Lock()
	if b.openCount == 0 {
		b.mu.Unlock()
		log.Warn("broadcast: close without open")
		return
	}
	b.openCount--
	if b.openCount > 0 {
		b.mu.Unlock()
		return
	}

	if b.hbTimer != nil {
		b.hbTimer.Cancel()
		b.hbTimer = nil
	}
	r := b.ring
	b.ring = nil
	b.mu.Unlock()

	// An in-flight heartbeat holds its own copy of the ring pointer; drain the
	// producer thread before the mapping is torn down.
	b.sch.RunSync(sched.BroadcastTx, func() {})

	r.EOF()
	if err := r.Close(true); err != nil {
		b.onEvent(EventRingError, errors.Wrap(err, "ring close"))
	}
	log.Info("broadcast: ring closed")
}

// Shadow opens the broadcast on behalf of the caller and attaches a fresh
// reader, keeping the ring live for the handle's lifetime.
func (b *Broadcast) Shadow() (*Shadow, error) {
	if err := b.Open(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	r := b.ring
	b.mu.Unlock()

	rd, err := r.Attach()
	if err != nil {
		b.Close()
		return nil, err
	}
	return &Shadow{b: b, Reader: rd}, nil
}

// Shadow is an attached reader holding its own broadcast open.
type Shadow struct {
	b      *Broadcast
	Reader *ring.Reader
	closed bool
}

// Close detaches the reader and releases its open.
func (s *Shadow) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.Reader.Detach()
	s.b.Close()
}

// Push reserves a frame with a bodyLen-byte body, encodes the header with the
// reservation's sequence number and the inter-arrival delta, and returns the
// body slot for the caller to fill. Commit with Push2. Must run on the
// producer thread.
func (b *Broadcast) Push(bodyLen int, typ, shard uint8) ([]byte, error) {
	r := b.currentRing()
	if r == nil {
		return nil, ring.ErrNotReady
	}

	now := time.Now()
	gap := now.Sub(b.lastEmit)
	if !b.lastEmit.IsZero() && gap > frame.MaxNsec {
		// the 32-bit delta cannot express this gap; bridge it so replay can
		// reconstruct absolute time
		b.emitHeartbeat(r, now)
		gap = 0
	}

	slot, seq, err := r.Push(bodyLen)
	if err != nil {
		if errors.Is(err, ring.ErrFull) {
			b.noteOverflow(now)
		}
		return nil, err
	}

	nsec := uint32(0)
	if !b.lastEmit.IsZero() {
		nsec = frame.ClipNsec(gap)
	}
	hdr := frame.Header{
		SeqNo: seq,
		Nsec:  nsec,
		Len:   uint16(bodyLen),
		Type:  typ,
		Shard: shard,
	}
	hdr.EncodeTo(slot[:frame.HeaderSize])
	b.lastEmit = now
	return slot[frame.HeaderSize:], nil
}

// Push2 publishes the frame reserved by the previous Push.
func (b *Broadcast) Push2() {
	if r := b.currentRing(); r != nil {
		r.Push2()
	}
}

// Out is the one-shot convenience: reserve, copy p, publish. Overflow drops
// the frame, per the broadcast policy that a slow subscriber beats a stalled
// feed.
func (b *Broadcast) Out(p []byte, typ, shard uint8) error {
	body, err := b.Push(len(p), typ, shard)
	if err != nil {
		return err
	}
	copy(body, p)
	b.Push2()
	return nil
}

// OutFrame re-injects a frame verbatim: the given header is written as-is,
// ignoring the ring's sequence counter and the inter-arrival clock. The
// replay path uses it so a re-recorded session reproduces the original
// capture bytes. Must not be interleaved with Push/Out on the same ring.
func (b *Broadcast) OutFrame(hdr *frame.Header, body []byte) error {
	r := b.currentRing()
	if r == nil {
		return ring.ErrNotReady
	}

	slot, _, err := r.Push(int(hdr.Len))
	if err != nil {
		if errors.Is(err, ring.ErrFull) {
			b.noteOverflow(time.Now())
		}
		return err
	}
	hdr.EncodeTo(slot[:frame.HeaderSize])
	copy(slot[frame.HeaderSize:], body)
	r.Push2()
	if hdr.Type == frame.TypeHeartbeat {
		metrics.Heartbeats.Inc()
	}
	return nil
}

// EOF marks end-of-stream on the ring without releasing any opens: shadow
// readers drain what was published and then observe EOF.
func (b *Broadcast) EOF() {
	if r := b.currentRing(); r != nil {
		r.EOF()
	}
}

func (b *Broadcast) currentRing() *ring.Ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring
}

// Stats passes through the ring telemetry counters.
func (b *Broadcast) Stats() ring.Stats {
	if r := b.currentRing(); r != nil {
		return r.Stats()
	}
	return ring.Stats{}
}

func (b *Broadcast) noteOverflow(now time.Time) {
	metrics.OverflowDrops.Inc()
	b.dropped++
	if now.Sub(b.lastOverflow) < overflowReportInterval {
		return
	}
	b.lastOverflow = now
	b.onEvent(EventOverflow,
		errors.Errorf("ring overflow: %d frames dropped", b.dropped))
}

// armHeartbeat schedules the next heartbeat relative to the last scheduled
// point rather than to now, so the cadence does not accumulate drift.
func (b *Broadcast) armHeartbeat(interval time.Duration) {
	b.hbScheduled = time.Now().Add(interval)
	b.hbTimer = b.sch.AfterFunc(sched.BroadcastTx, interval, b.heartbeat)
}

func (b *Broadcast) heartbeat() {
	b.mu.Lock()
	r := b.ring
	open := b.openCount > 0
	b.mu.Unlock()
	if !open || r == nil {
		return
	}

	b.emitHeartbeat(r, time.Now())

	b.mu.Lock()
	if b.openCount > 0 {
		delay := time.Until(b.hbScheduled.Add(b.cfg.HeartbeatInterval))
		if delay < 0 {
			delay = 0
		}
		b.hbScheduled = b.hbScheduled.Add(b.cfg.HeartbeatInterval)
		b.hbTimer = b.sch.AfterFunc(sched.BroadcastTx, delay, b.heartbeat)
	}
	b.mu.Unlock()
}

// emitHeartbeat publishes a heartbeat frame carrying the absolute stamp.
// Heartbeats reset the inter-arrival base: the next data frame's nsec is
// measured from the heartbeat.
func (b *Broadcast) emitHeartbeat(r *ring.Ring, now time.Time) {
	slot, seq, err := r.Push(frame.HeartbeatBodyLen)
	if err != nil {
		if errors.Is(err, ring.ErrFull) {
			b.noteOverflow(now)
		}
		return
	}
	hdr := frame.Header{
		SeqNo: seq,
		Nsec:  0,
		Len:   frame.HeartbeatBodyLen,
		Type:  frame.TypeHeartbeat,
	}
	hdr.EncodeTo(slot[:frame.HeaderSize])
	frame.EncodeHeartbeatBody(slot[frame.HeaderSize:], now)
	r.Push2()
	b.lastEmit = now
	metrics.Heartbeats.Inc()
}
