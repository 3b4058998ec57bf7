package capture

import (
	"bufio"
	"os"

	"github.com/pkg/errors"

	"github.com/zmdio/zmd/frame"
)

const writerBufSize = 1 << 16

// Writer appends frames to a capture file. It is single-owner: the recorder's
// snap thread is the only goroutine that touches it.
type Writer struct {
	path string
	fp   *os.File
	w    *bufio.Writer

	frames int64
	bytes  int64
}

// Create opens path exclusive-create and writes the version header. An
// existing file is never overwritten.
func Create(path string) (*Writer, error) {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create capture file %s", path)
	}
	w := &Writer{
		path: path,
		fp:   fp,
		w:    bufio.NewWriterSize(fp, writerBufSize),
	}
	if _, err := w.w.Write(EncodeFileHeader()); err != nil {
		fp.Close()
		return nil, errors.Wrapf(err, "write capture header %s", path)
	}
	return w, nil
}

// WriteRaw appends an already-framed message (header plus body, unpadded)
// exactly as it appeared on the ring.
func (w *Writer) WriteRaw(framed []byte) error {
	if _, err := w.w.Write(framed); err != nil {
		return errors.Wrapf(err, "append frame to %s", w.path)
	}
	w.frames++
	w.bytes += int64(len(framed))
	return nil
}

// WriteFrame encodes hdr and appends it with body. hdr.Len must equal
// len(body); the caller owns that invariant on the hot path, so it is only
// checked here, off it.
func (w *Writer) WriteFrame(hdr *frame.Header, body []byte) error {
	if int(hdr.Len) != len(body) {
		return errors.Errorf("header len %d != body len %d", hdr.Len, len(body))
	}
	var buf [frame.HeaderSize]byte
	hdr.EncodeTo(buf[:])
	if _, err := w.w.Write(buf[:]); err != nil {
		return errors.Wrapf(err, "append frame header to %s", w.path)
	}
	if _, err := w.w.Write(body); err != nil {
		return errors.Wrapf(err, "append frame body to %s", w.path)
	}
	w.frames++
	w.bytes += int64(hdr.FramedSize())
	return nil
}

// Flush pushes buffered frames to the kernel.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes, syncs and closes the file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.fp.Close()
		return errors.Wrapf(err, "flush %s", w.path)
	}
	if err := w.fp.Sync(); err != nil {
		w.fp.Close()
		return errors.Wrapf(err, "sync %s", w.path)
	}
	return w.fp.Close()
}

// Path returns the file path the writer was created with.
func (w *Writer) Path() string { return w.path }

// Frames returns the number of frames appended so far.
func (w *Writer) Frames() int64 { return w.frames }

// Bytes returns the frame bytes appended so far, excluding the file header.
func (w *Writer) Bytes() int64 { return w.bytes }
