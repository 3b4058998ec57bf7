package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	msgpack "github.com/vmihailenco/msgpack"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, msg SubscribeMessage) []byte {
	t.Helper()
	buf, err := msgpack.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf))
	// the server acknowledges by echoing the request (or an error)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, ack, err := conn.ReadMessage()
	require.NoError(t, err)
	return ack
}

func readPayload(t *testing.T, conn *websocket.Conn, compressed bool) Payload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)
	if compressed {
		buf, err = snappy.Decode(nil, buf)
		require.NoError(t, err)
	}
	var p Payload
	require.NoError(t, msgpack.Unmarshal(buf, &p))
	return p
}

func TestKey(t *testing.T) {
	assert.Equal(t, "3/17", Key(&frame.Header{Type: 17, Shard: 3}))
}

func TestValidStream(t *testing.T) {
	assert.True(t, validStream("0/1"))
	assert.True(t, validStream("*/1"))
	assert.False(t, validStream("no-slash"))
	assert.False(t, validStream("a/b/c"))
}

func TestSubscriberReceivesMatchingFrames(t *testing.T) {
	Initialize()
	srv := httptest.NewServer(http.HandlerFunc(Handler))
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()
	subscribe(t, conn, SubscribeMessage{Streams: []string{"0/1"}})

	stamp := time.Unix(1700000000, 0).UTC()
	// a frame outside the subscription, then a matching one
	Push(&frame.Header{SeqNo: 6, Type: 2, Shard: 1, Len: 2}, stamp, []byte("no"))
	Push(&frame.Header{SeqNo: 7, Type: 1, Shard: 0, Len: 2}, stamp, []byte("hi"))

	p := readPayload(t, conn, false)
	assert.Equal(t, "0/1", p.Key)
	assert.Equal(t, uint64(7), p.SeqNo)
	assert.Equal(t, stamp.UnixNano(), p.Stamp)
	assert.Equal(t, []byte("hi"), p.Data)
}

func TestGlobSubscription(t *testing.T) {
	Initialize()
	srv := httptest.NewServer(http.HandlerFunc(Handler))
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()
	subscribe(t, conn, SubscribeMessage{Streams: []string{"1/*"}})

	stamp := time.Unix(1700000000, 0).UTC()
	Push(&frame.Header{SeqNo: 1, Type: 3, Shard: 1, Len: 1}, stamp, []byte("x"))

	p := readPayload(t, conn, false)
	assert.Equal(t, "1/3", p.Key)
}

func TestInvalidStreamReportsError(t *testing.T) {
	Initialize()
	srv := httptest.NewServer(http.HandlerFunc(Handler))
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()
	ack := subscribe(t, conn, SubscribeMessage{Streams: []string{"no-slash"}})

	var em ErrorMessage
	require.NoError(t, msgpack.Unmarshal(ack, &em))
	assert.Contains(t, em.Error, "invalid stream")
}

func TestCompressedSubscription(t *testing.T) {
	Initialize()
	srv := httptest.NewServer(http.HandlerFunc(Handler))
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	buf, err := msgpack.Marshal(SubscribeMessage{Streams: []string{"0/1"}, Compress: true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf))
	// once compression is on even the ack comes back snappy-framed
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, ack, err := conn.ReadMessage()
	require.NoError(t, err)
	_, err = snappy.Decode(nil, ack)
	require.NoError(t, err)

	stamp := time.Unix(1700000000, 0).UTC()
	Push(&frame.Header{SeqNo: 2, Type: 1, Shard: 0, Len: 4}, stamp, []byte("deep"))

	p := readPayload(t, conn, true)
	assert.Equal(t, []byte("deep"), p.Data)
}

func TestPumpRingFansOutBroadcastFrames(t *testing.T) {
	cfg := utils.NewDefaultConfig()
	cfg.RingName = fmt.Sprintf("zmd-stream-test-%d", os.Getpid())
	cfg.RingSize = 65536
	cfg.HeartbeatInterval = time.Hour

	sch := sched.New()
	defer sch.Stop()

	b := broadcast.New(cfg, sch)
	require.NoError(t, b.Open())
	defer b.Close()

	Initialize()
	require.NoError(t, PumpRing(b))
	defer StopPump()

	srv := httptest.NewServer(http.HandlerFunc(Handler))
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()
	subscribe(t, conn, SubscribeMessage{Streams: []string{"0/1"}})

	require.NoError(t, sch.RunSync(sched.BroadcastTx, func() {
		if err := b.Out([]byte("tick"), 1, 0); err != nil {
			t.Error(err)
		}
	}))

	p := readPayload(t, conn, false)
	assert.Equal(t, "0/1", p.Key)
	assert.Equal(t, []byte("tick"), p.Data)
}
