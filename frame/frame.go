// Package frame defines the fixed-layout message envelope carried through the
// broadcast ring and the capture file. The 16-byte little-endian header is the
// single authoritative on-wire/on-disk representation; the ring, recorder,
// replayer and merger all read it directly.
package frame

import (
	"encoding/binary"
	"time"
)

const (
	// HeaderSize is the fixed envelope size in bytes.
	HeaderSize = 16
	// MaxBodyLen bounds the body length carried by one frame.
	MaxBodyLen = 1456
	// Align is the slot alignment inside the ring arena. On disk frames are
	// written unpadded.
	Align = 4

	// TypeHeartbeat is reserved; its body is an absolute wall-clock stamp.
	TypeHeartbeat = 0xff
	// HeartbeatBodyLen is the heartbeat body size (unix nanoseconds, 8 bytes).
	HeartbeatBodyLen = 8

	// MaxNsec is the largest inter-arrival delta representable in the header.
	// Gaps beyond it must be bridged by a heartbeat, which resets the base.
	MaxNsec = 1<<32 - 1
)

// Header is the decoded form of the 16-byte envelope.
//
// Layout (little-endian):
//
//	0  seqNo  u64   monotonic per-ring / per-file sequence number
//	8  nsec   u32   nanoseconds since the previous frame (0 on heartbeats)
//	12 len    u16   body length, 0..MaxBodyLen
//	14 type   u8    message discriminator
//	15 shard  u8    opaque shard/partition id
type Header struct {
	SeqNo uint64
	Nsec  uint32
	Len   uint16
	Type  uint8
	Shard uint8
}

// FramedSize is the total size of the frame as written to disk.
func (h *Header) FramedSize() int {
	return HeaderSize + int(h.Len)
}

// PaddedSize is the slot size the frame occupies in the ring arena.
func (h *Header) PaddedSize() int {
	return PaddedSize(int(h.Len))
}

// PaddedSize returns HeaderSize+bodyLen rounded up to the arena alignment.
func PaddedSize(bodyLen int) int {
	n := HeaderSize + bodyLen
	return (n + Align - 1) &^ (Align - 1)
}

// EncodeTo writes the header into buf, which must hold HeaderSize bytes.
func (h *Header) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.SeqNo)
	binary.LittleEndian.PutUint32(buf[8:12], h.Nsec)
	binary.LittleEndian.PutUint16(buf[12:14], h.Len)
	buf[14] = h.Type
	buf[15] = h.Shard
}

// DecodeFrom fills the header from buf, which must hold HeaderSize bytes.
func (h *Header) DecodeFrom(buf []byte) {
	h.SeqNo = binary.LittleEndian.Uint64(buf[0:8])
	h.Nsec = binary.LittleEndian.Uint32(buf[8:12])
	h.Len = binary.LittleEndian.Uint16(buf[12:14])
	h.Type = buf[14]
	h.Shard = buf[15]
}

// ClipNsec converts an inter-arrival gap to the 32-bit header field. Gaps the
// field cannot express are clipped; the producer bridges those with a
// heartbeat before the next data frame.
func ClipNsec(gap time.Duration) uint32 {
	if gap < 0 {
		return 0
	}
	if gap > MaxNsec {
		return MaxNsec
	}
	return uint32(gap)
}

// EncodeHeartbeatBody writes the absolute stamp of a heartbeat frame.
func EncodeHeartbeatBody(buf []byte, stamp time.Time) {
	binary.LittleEndian.PutUint64(buf[0:HeartbeatBodyLen], uint64(stamp.UnixNano()))
}

// DecodeHeartbeatBody reads the absolute stamp out of a heartbeat body.
func DecodeHeartbeatBody(body []byte) time.Time {
	return time.Unix(0, int64(binary.LittleEndian.Uint64(body[0:HeartbeatBodyLen]))).UTC()
}
