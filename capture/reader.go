package capture

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/frame"
)

const readerBufSize = 1 << 16

// Reader parses a capture file strictly forward. Next returns io.EOF on a
// clean end (short read exactly at a frame boundary); anything else mid-frame
// is a CorruptFrameError carrying the offset of the truncated frame.
type Reader struct {
	path string
	fp   *os.File
	r    *bufio.Reader

	version FileHeader
	// offset of the next unread byte, for corruption diagnostics
	offset int64
	body   [frame.MaxBodyLen]byte
}

// Open opens path read-only and validates the version header.
func Open(path string) (*Reader, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture file %s", path)
	}
	r := &Reader{
		path: path,
		fp:   fp,
		r:    bufio.NewReaderSize(fp, readerBufSize),
	}
	var hdr [FileHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		fp.Close()
		return nil, BadFormatError("file shorter than version header")
	}
	v, err := DecodeFileHeader(hdr[:])
	if err != nil {
		fp.Close()
		return nil, err
	}
	r.version = v
	r.offset = FileHeaderSize
	return r, nil
}

// Version returns the file's declared format version.
func (r *Reader) Version() FileHeader { return r.version }

// Offset returns the byte offset of the next unread frame.
func (r *Reader) Offset() int64 { return r.offset }

// Next reads the next frame. The returned body aliases an internal buffer and
// is valid until the following call.
func (r *Reader) Next() (*frame.Header, []byte, error) {
	frameStart := r.offset

	var hbuf [frame.HeaderSize]byte
	n, err := io.ReadFull(r.r, hbuf[:])
	if err == io.EOF {
		return nil, nil, io.EOF
	}
	if err != nil {
		// header torn mid-read
		return nil, nil, CorruptFrameError{
			Path: r.path, Offset: frameStart,
			Reason: "truncated frame header",
		}
	}
	r.offset += int64(n)

	var hdr frame.Header
	hdr.DecodeFrom(hbuf[:])
	if hdr.Len > frame.MaxBodyLen {
		return nil, nil, CorruptFrameError{
			Path: r.path, Offset: frameStart,
			Reason: errors.Errorf("body length %d exceeds %d", hdr.Len, frame.MaxBodyLen).Error(),
		}
	}

	body := r.body[:hdr.Len]
	if hdr.Len > 0 {
		n, err = io.ReadFull(r.r, body)
		if err != nil {
			return nil, nil, CorruptFrameError{
				Path: r.path, Offset: frameStart,
				Reason: "truncated frame body",
			}
		}
		r.offset += int64(n)
	}
	return &hdr, body, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.fp.Close()
}
