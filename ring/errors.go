package ring

import "github.com/pkg/errors"

var (
	// ErrInUse is returned when a second writer attempts to open a ring that
	// already has a live producer.
	ErrInUse = errors.New("ring already has a live writer")
	// ErrNoSlot is returned by Attach when all reader slots are taken.
	ErrNoSlot = errors.New("no free reader slot")
	// ErrFull is returned by Push when the reservation cannot be satisfied
	// even after slow readers were reclaimed.
	ErrFull = errors.New("ring full")
	// ErrNotReady is returned when the ring is closed or the segment does
	// not exist yet.
	ErrNotReady = errors.New("ring not ready")
	// ErrDetached is returned to a reader whose slot was reclaimed by the
	// producer while it was away.
	ErrDetached = errors.New("reader detached")
)
