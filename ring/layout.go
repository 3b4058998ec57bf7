package ring

import (
	"fmt"
	"unsafe"
)

const (
	segmentMagic = 0x5254504143444d5a // "ZMDCAPTR" reversed into a u64 tag
	cacheLine    = 64

	// MaxReaders bounds attached shadow readers; the attach bitmap is one
	// 64-bit word.
	MaxReaders = 64

	ctrlSize    = 2 * cacheLine
	readerSize  = cacheLine
	flagEOF     = 1 << 0
	noReaderPid = 0
)

// ctrlBlock is the shared control block at offset 0 of the segment. The first
// cache line is producer-owned (reserve cursor, seqno); the second carries the
// fields both sides touch. Reader slots follow, one cache line each, then the
// arena.
type ctrlBlock struct {
	// line 0: identity and producer-private cursors
	Magic      uint64
	Size       uint64 // arena bytes
	Slots      uint32 // reader slot count
	_          uint32
	Generation uint64
	SeqNo      uint64 // next sequence number, producer only
	ReserveOff uint64 // monotonic reserve cursor, producer only
	_          [16]byte

	// line 1: shared state
	WriteOff    uint64 // monotonic publish cursor, atomic
	Flags       uint32 // flagEOF
	DataFutex   uint32 // bumped on publish, readers wait here
	SpaceFutex  uint32 // bumped on consume, producer waits here
	_           uint32
	Attached    uint64 // reader bitmap, atomic
	InCount     uint64 // frames published
	InBytes     uint64 // frame bytes published (unpadded)
	WriterPid   uint32
	_           uint32
	WriterStart uint64 // writer process start time, for staleness probes
}

// readerSlot is one shadow reader's shared state, padded to a cache line so
// independent readers do not false-share.
type readerSlot struct {
	ReadOff  uint64 // monotonic consume cursor, atomic
	OutCount uint64 // frames consumed
	OutBytes uint64 // frame bytes consumed (unpadded)
	Pid      uint32
	Nonce    uint32 // per-attach token; pid+start cannot tell apart re-attachments within one process
	Start    uint64 // reader process start time
	_        [24]byte
}

func init() {
	if unsafe.Sizeof(ctrlBlock{}) != ctrlSize {
		panic(fmt.Sprintf("ctrlBlock size is %d, expected %d", unsafe.Sizeof(ctrlBlock{}), ctrlSize))
	}
	if unsafe.Sizeof(readerSlot{}) != readerSize {
		panic(fmt.Sprintf("readerSlot size is %d, expected %d", unsafe.Sizeof(readerSlot{}), readerSize))
	}
}

// segmentSize returns the full mapping size for an arena of size bytes and
// the given reader slot count.
func segmentSize(size, slots int) int {
	return ctrlSize + slots*readerSize + size
}

// arenaOffset returns the byte offset of the arena within the segment.
func arenaOffset(slots int) int {
	return ctrlSize + slots*readerSize
}
