package capture_test

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmdio/zmd/capture"
	"github.com/zmdio/zmd/frame"
)

func writeFrames(t *testing.T, path string, bodies [][]byte) {
	t.Helper()
	w, err := capture.Create(path)
	require.NoError(t, err)
	for i, b := range bodies {
		hdr := &frame.Header{
			SeqNo: uint64(i),
			Len:   uint16(len(b)),
			Type:  1,
		}
		require.NoError(t, w.WriteFrame(hdr, b))
	}
	require.NoError(t, w.Close())
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zmd")
	bodies := [][]byte{{0x01}, {0x02, 0x03}, {0x04, 0x05, 0x06}, {}}
	writeFrames(t, path, bodies)

	r, err := capture.Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint16(capture.VMajor), r.Version().Major)
	assert.Equal(t, uint16(capture.VMinor), r.Version().Minor)

	for i, want := range bodies {
		hdr, body, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), hdr.SeqNo)
		assert.Equal(t, uint16(len(want)), hdr.Len)
		assert.Equal(t, want, append([]byte{}, body...))
	}
	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zmd")
	w, err := capture.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = capture.Create(path)
	assert.Error(t, err)
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zmd")
	require.NoError(t, os.WriteFile(path, []byte("NOTMAGIC\x01\x00\x00\x00\x00\x00\x00\x00"), 0o600))

	_, err := capture.Open(path)
	var bf capture.BadFormatError
	require.ErrorAs(t, err, &bf)
}

func TestOpenNewerMinorRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minor.zmd")
	hdr := capture.EncodeFileHeader()
	binary.LittleEndian.PutUint16(hdr[10:12], capture.VMinor+1)
	require.NoError(t, os.WriteFile(path, hdr, 0o600))

	_, err := capture.Open(path)
	var bf capture.BadFormatError
	require.ErrorAs(t, err, &bf)
}

func TestTruncatedBodyReportsFrameStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.zmd")
	writeFrames(t, path, [][]byte{{0xaa, 0xbb}, {0xcc, 0xdd, 0xee}})

	// chop the second frame mid-body
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	r, err := capture.Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	require.NoError(t, err)

	secondFrameStart := int64(capture.FileHeaderSize + frame.HeaderSize + 2)
	_, _, err = r.Next()
	var cf capture.CorruptFrameError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, secondFrameStart, cf.Offset)
}

func TestOversizedLenIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hugelen.zmd")
	hdr := &frame.Header{SeqNo: 0, Len: frame.MaxBodyLen + 1}
	var buf [frame.HeaderSize]byte
	hdr.EncodeTo(buf[:])
	require.NoError(t, os.WriteFile(path, append(capture.EncodeFileHeader(), buf[:]...), 0o600))

	r, err := capture.Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	var cf capture.CorruptFrameError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, int64(capture.FileHeaderSize), cf.Offset)
}

func TestWriteRawMatchesWriteFrame(t *testing.T) {
	dir := t.TempDir()
	pa, pb := filepath.Join(dir, "a.zmd"), filepath.Join(dir, "b.zmd")

	hdr := &frame.Header{SeqNo: 9, Nsec: 7, Len: 2, Type: 3, Shard: 1}
	body := []byte("ab")

	wa, err := capture.Create(pa)
	require.NoError(t, err)
	require.NoError(t, wa.WriteFrame(hdr, body))
	require.NoError(t, wa.Close())

	framed := make([]byte, frame.HeaderSize+len(body))
	hdr.EncodeTo(framed)
	copy(framed[frame.HeaderSize:], body)

	wb, err := capture.Create(pb)
	require.NoError(t, err)
	require.NoError(t, wb.WriteRaw(framed))
	require.NoError(t, wb.Close())

	ba, err := os.ReadFile(pa)
	require.NoError(t, err)
	bb, err := os.ReadFile(pb)
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}
