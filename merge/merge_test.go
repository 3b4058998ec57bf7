package merge_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmdio/zmd/capture"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/merge"
)

type rec struct {
	hdr  frame.Header
	body []byte
}

func heartbeat(seq uint64, stamp time.Time) rec {
	body := make([]byte, frame.HeartbeatBodyLen)
	frame.EncodeHeartbeatBody(body, stamp)
	return rec{
		hdr:  frame.Header{SeqNo: seq, Len: frame.HeartbeatBodyLen, Type: frame.TypeHeartbeat},
		body: body,
	}
}

func data(seq uint64, nsec time.Duration, body string) rec {
	return rec{
		hdr:  frame.Header{SeqNo: seq, Nsec: uint32(nsec), Len: uint16(len(body)), Type: 1},
		body: []byte(body),
	}
}

func writeFile(t *testing.T, path string, recs []rec) {
	t.Helper()
	w, err := capture.Create(path)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.WriteFrame(&r.hdr, r.body))
	}
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, path string) []rec {
	t.Helper()
	r, err := capture.Open(path)
	require.NoError(t, err)
	defer r.Close()
	var out []rec
	for {
		hdr, body, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec{hdr: *hdr, body: append([]byte(nil), body...)})
	}
}

// stamps reconstructs absolute times the same way the merger orders by.
func stamps(recs []rec) []time.Time {
	var last time.Time
	out := make([]time.Time, 0, len(recs))
	for _, r := range recs {
		if r.hdr.Type == frame.TypeHeartbeat {
			last = frame.DecodeHeartbeatBody(r.body)
		} else {
			last = last.Add(time.Duration(r.hdr.Nsec))
		}
		out = append(out, last)
	}
	return out
}

func TestMergeRestoresGlobalOrder(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Unix(1700000000, 0).UTC()

	// A's data frames land at t0+10/20/30ms, B's at t0+15/25ms. The
	// heartbeat stamps are offset so no two frames share a timestamp.
	aRecs := []rec{
		heartbeat(0, t0),
		data(1, 10*time.Millisecond, "a10"),
		data(2, 10*time.Millisecond, "a20"),
		data(3, 10*time.Millisecond, "a30"),
	}
	bRecs := []rec{
		heartbeat(0, t0.Add(time.Millisecond)),
		data(1, 14*time.Millisecond, "b15"),
		data(2, 10*time.Millisecond, "b25"),
	}
	a := filepath.Join(dir, "a.zmd")
	writeFile(t, a, aRecs)
	b := filepath.Join(dir, "b.zmd")
	writeFile(t, b, bRecs)

	out := filepath.Join(dir, "out.zmd")
	require.NoError(t, merge.Merge(out, a, b))

	// Frame bytes pass through unchanged, in globally ascending stamp
	// order with ties broken by input index.
	want := []rec{
		aRecs[0], bRecs[0], aRecs[1], bRecs[1],
		aRecs[2], bRecs[2], aRecs[3],
	}
	got := readAll(t, out)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(rec{})); diff != "" {
		t.Errorf("merged frames mismatch (-want +got):\n%s", diff)
	}

	st := stamps(got)
	for i := 1; i < len(st); i++ {
		assert.False(t, st[i].Before(st[i-1]), "stamp order violated at %d", i)
	}
}

func TestMergeIsCommutativeForDisjointStamps(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Unix(1700000000, 0).UTC()

	a := filepath.Join(dir, "a.zmd")
	writeFile(t, a, []rec{
		heartbeat(0, t0),
		data(1, 10*time.Millisecond, "a1"),
		data(2, 20*time.Millisecond, "a2"),
	})
	b := filepath.Join(dir, "b.zmd")
	writeFile(t, b, []rec{
		heartbeat(0, t0.Add(time.Millisecond)),
		data(1, 14*time.Millisecond, "b1"),
	})

	ab := filepath.Join(dir, "ab.zmd")
	ba := filepath.Join(dir, "ba.zmd")
	require.NoError(t, merge.Merge(ab, a, b))
	require.NoError(t, merge.Merge(ba, b, a))

	abBytes, err := os.ReadFile(ab)
	require.NoError(t, err)
	baBytes, err := os.ReadFile(ba)
	require.NoError(t, err)
	assert.Equal(t, abBytes, baBytes)
}

func TestMergeEqualStampsPreserveInputIndexOrder(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Unix(1700000000, 0).UTC()

	// Both data frames reconstruct to t0+5ms; the first input wins.
	a := filepath.Join(dir, "a.zmd")
	writeFile(t, a, []rec{
		heartbeat(0, t0),
		data(1, 5*time.Millisecond, "first"),
	})
	b := filepath.Join(dir, "b.zmd")
	writeFile(t, b, []rec{
		heartbeat(0, t0.Add(time.Millisecond)),
		data(1, 4*time.Millisecond, "second"),
	})

	out := filepath.Join(dir, "out.zmd")
	require.NoError(t, merge.Merge(out, a, b))

	var bodies []string
	for _, r := range readAll(t, out) {
		if r.hdr.Type != frame.TypeHeartbeat {
			bodies = append(bodies, string(r.body))
		}
	}
	assert.Equal(t, []string{"first", "second"}, bodies)
}

func TestMergeAbortsOnCorruptInput(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Unix(1700000000, 0).UTC()

	a := filepath.Join(dir, "a.zmd")
	writeFile(t, a, []rec{
		heartbeat(0, t0),
		data(1, 10*time.Millisecond, "good"),
	})
	b := filepath.Join(dir, "b.zmd")
	writeFile(t, b, []rec{
		heartbeat(0, t0.Add(time.Millisecond)),
		data(1, 14*time.Millisecond, "torn-body"),
	})
	info, err := os.Stat(b)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(b, info.Size()-3))

	out := filepath.Join(dir, "out.zmd")
	err = merge.Merge(out, a, b)
	var cerr capture.CorruptFrameError
	require.ErrorAs(t, err, &cerr)

	// The output ends at a clean frame boundary.
	got := readAll(t, out)
	for _, r := range got {
		assert.LessOrEqual(t, int(r.hdr.Len), frame.MaxBodyLen)
	}
}

func TestMergeRequiresInputs(t *testing.T) {
	err := merge.Merge(filepath.Join(t.TempDir(), "out.zmd"))
	assert.Error(t, err)
}

func TestMergeSkipsEmptyInput(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Unix(1700000000, 0).UTC()

	a := filepath.Join(dir, "a.zmd")
	writeFile(t, a, []rec{
		heartbeat(0, t0),
		data(1, 10*time.Millisecond, "only"),
	})
	empty := filepath.Join(dir, "empty.zmd")
	writeFile(t, empty, nil)

	out := filepath.Join(dir, "out.zmd")
	require.NoError(t, merge.Merge(out, a, empty))
	assert.Len(t, readAll(t, out), 2)
}
