package capture

import "fmt"

// BadFormatError is returned when a file's version header does not identify a
// capture file this build can read.
type BadFormatError string

func (e BadFormatError) Error() string {
	return fmt.Sprintf("bad capture file format: %s", string(e))
}

// CorruptFrameError is an unrecoverable parse failure at a known position.
// Offset is the byte offset of the start of the offending frame.
type CorruptFrameError struct {
	Path   string
	Offset int64
	Reason string
}

func (e CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt frame in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}
