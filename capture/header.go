// Package capture implements the append-only capture file: a 16-byte version
// header followed by frames byte-identical to those that traversed the ring.
// The writer only ever appends and the reader only ever parses forward; no
// offsets are stored inside the file.
package capture

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic identifies a capture file.
	Magic = "ZMDCAPTR"
	// VMajor and VMinor are the file format version written by this build.
	// A major mismatch fails open; minor drives feature gating by the
	// replayer and newer minors than ours are rejected.
	VMajor = 1
	VMinor = 0

	// FileHeaderSize is the version header size: magic(8) major(2) minor(2)
	// reserved(4).
	FileHeaderSize = 16
)

// FileHeader is the decoded version header.
type FileHeader struct {
	Major uint16
	Minor uint16
}

// EncodeFileHeader renders the version header for this build.
func EncodeFileHeader() []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint16(buf[8:10], VMajor)
	binary.LittleEndian.PutUint16(buf[10:12], VMinor)
	return buf
}

// DecodeFileHeader validates buf and returns the version it declares.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	if len(buf) < FileHeaderSize {
		return FileHeader{}, BadFormatError("file shorter than version header")
	}
	if string(buf[0:8]) != Magic {
		return FileHeader{}, BadFormatError(fmt.Sprintf("magic mismatch: %q", buf[0:8]))
	}
	h := FileHeader{
		Major: binary.LittleEndian.Uint16(buf[8:10]),
		Minor: binary.LittleEndian.Uint16(buf[10:12]),
	}
	if h.Major != VMajor {
		return h, BadFormatError(fmt.Sprintf("unsupported major version %d", h.Major))
	}
	if h.Minor > VMinor {
		return h, BadFormatError(fmt.Sprintf("minor version %d newer than supported %d", h.Minor, VMinor))
	}
	return h, nil
}
