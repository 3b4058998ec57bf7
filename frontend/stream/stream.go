// Package stream fans frames out to websocket subscribers. A shadow ring
// reader drains the broadcast and republishes each data frame as a msgpack
// payload keyed "SHARD/TYPE"; subscribers pick keys with glob patterns.
package stream

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/snappy"
	msgpack "github.com/vmihailenco/msgpack"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/metrics"
	"github.com/zmdio/zmd/utils/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// pumpIdleWait bounds how long the ring drain parks between frames.
	pumpIdleWait = 50 * time.Millisecond
)

var catalog *Catalog
var send *channels.InfiniteChannel
var shadow *broadcast.Shadow
var pumpDone chan struct{}
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Catalog maintains the set of active subscribers
type Catalog struct {
	sync.RWMutex
	subs map[*Subscriber]struct{}
}

// Add a new subscriber to the catalog
func (sc *Catalog) Add(sub *Subscriber) {
	sc.Lock()
	defer sc.Unlock()

	sc.subs[sub] = struct{}{}
	metrics.StreamSubscribers.Inc()
}

// Remove a subscriber from the catalog
func (sc *Catalog) Remove(sub *Subscriber) {
	sc.Lock()
	defer sc.Unlock()

	if _, ok := sc.subs[sub]; ok {
		delete(sc.subs, sub)
		metrics.StreamSubscribers.Dec()
	}
}

// NewCatalog initializes the stream catalog
func NewCatalog() *Catalog {
	return &Catalog{
		subs: map[*Subscriber]struct{}{},
	}
}

// Subscriber includes the connection, and streams to
// manage a given stream client
type Subscriber struct {
	sync.RWMutex
	c        *websocket.Conn
	done     chan struct{}
	streams  map[string]struct{}
	compress bool
}

// Subscribed matches the subscriber's subscribed streams
// with the supplied frame key string.
func (s *Subscriber) Subscribed(itemKey string) bool {
	s.RLock()
	defer s.RUnlock()
	for stream := range s.streams {
		if g, err := glob.Compile(stream, '/'); err == nil {
			if g.Match(itemKey) {
				return true
			}
		}
	}
	return false
}

// SubscribeMessage is an inbound message for the client
// to subscribe to streams
type SubscribeMessage struct {
	Streams  []string `msgpack:"streams"`
	Compress bool     `msgpack:"compress"`
}

// ErrorMessage is used to report errors when a client
// subscribes to invalid streams
type ErrorMessage struct {
	Error string `msgpack:"error"`
}

func (s *Subscriber) handleOutbound(buf []byte) error {
	// prevents concurrent write to the websocket connection
	s.Lock()
	defer s.Unlock()
	if s.compress {
		buf = snappy.Encode(nil, buf)
	}
	s.c.SetWriteDeadline(time.Now().Add(writeWait))
	return s.c.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *Subscriber) handleInbound(msg SubscribeMessage) error {
	if len(msg.Streams) > 0 {
		// prevents concurrent read/write of stream map
		s.Lock()
		defer s.Unlock()

		// validate each stream before modifying the subscriber's stream map
		m := map[string]struct{}{}
		for _, stream := range msg.Streams {
			if !validStream(stream) {
				return fmt.Errorf("%s is an invalid stream", stream)
			}
			m[stream] = struct{}{}
		}
		s.streams = m
		s.compress = msg.Compress
	}
	return nil
}

func validStream(stream string) bool {
	g, err := glob.Compile("*/*", '/')
	if err != nil {
		return false
	}
	return g.Match(stream)
}

func (s *Subscriber) consume() {
	defer func() {
		catalog.Remove(s)
		s.done <- struct{}{}
	}()

	s.c.SetPongHandler(func(string) error {
		return s.c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, buf, err := s.c.ReadMessage()

		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Error("unexpected websocket closure (%v)", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			fallthrough
		case websocket.BinaryMessage:
			m := SubscribeMessage{}

			if err = msgpack.Unmarshal(buf, &m); err != nil {
				log.Error("failed to unmarshal inbound stream message (%v)", err)
				continue
			}
			if err := s.handleInbound(m); err != nil {
				buf, _ = msgpack.Marshal(ErrorMessage{Error: err.Error()})
			}
			if err := s.handleOutbound(buf); err != nil {
				log.Error("failed to send stream message (%v)", err)
			}
		case websocket.CloseMessage:
			return
		}
	}
}

func (s *Subscriber) produce() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Lock()
			s.c.SetWriteDeadline(time.Now().Add(writeWait))
			s.c.WriteMessage(websocket.PingMessage, []byte{})
			s.Unlock()
		case <-s.done:
			return
		}
	}
}

func stream() {
	for v := range send.Out() {
		if v == nil {
			continue
		}
		payload := v.(Payload)

		buf, err := msgpack.Marshal(payload)
		if err != nil {
			log.Error("failed to marshal outbound stream payload (%v)", err)
			continue
		}

		catalog.RLock()

		for s := range catalog.subs {
			if s.Subscribed(payload.Key) {
				if err := s.handleOutbound(buf); err != nil {
					log.Error("failed to stream outbound (%s)", err)
				}
			}
		}

		catalog.RUnlock()
	}
}

// Payload is used to send data over the websocket
type Payload struct {
	Key   string `msgpack:"key"`
	SeqNo uint64 `msgpack:"seqno"`
	Stamp int64  `msgpack:"stamp"`
	Data  []byte `msgpack:"data"`
}

// Key builds the "SHARD/TYPE" subscription key for a frame header.
func Key(hdr *frame.Header) string {
	return strconv.Itoa(int(hdr.Shard)) + "/" + strconv.Itoa(int(hdr.Type))
}

// Push sends one frame over the stream interface. body is copied before
// queuing, so ring-backed slices are safe to pass.
func Push(hdr *frame.Header, stamp time.Time, body []byte) error {
	send.In() <- Payload{
		Key:   Key(hdr),
		SeqNo: hdr.SeqNo,
		Stamp: stamp.UnixNano(),
		Data:  append([]byte(nil), body...),
	}
	return nil
}

// PumpRing attaches a shadow reader to b and republishes every data frame to
// the subscribers until the ring reports EOF or the pump is shut down.
// Heartbeats are consumed for clock reconstruction and not forwarded.
func PumpRing(b *broadcast.Broadcast) error {
	sh, err := b.Shadow()
	if err != nil {
		return err
	}
	shadow = sh
	pumpDone = make(chan struct{})

	go func() {
		defer close(pumpDone)
		defer sh.Close()

		var lastTime time.Time
		for {
			hdr, raw, err := sh.Reader.Shift()
			if err != nil {
				log.Info("stream: pump stopped (%v)", err)
				return
			}
			if hdr == nil {
				sh.Reader.Wait(pumpIdleWait)
				continue
			}

			body := raw[frame.HeaderSize:]
			if hdr.Type == frame.TypeHeartbeat {
				if int(hdr.Len) >= frame.HeartbeatBodyLen {
					lastTime = frame.DecodeHeartbeatBody(body)
				}
			} else {
				lastTime = lastTime.Add(time.Duration(hdr.Nsec))
				Push(hdr, lastTime, body)
			}
			sh.Reader.Shift2()
		}
	}()
	return nil
}

// StopPump detaches the ring pump and waits for it to drain.
func StopPump() {
	if shadow == nil {
		return
	}
	shadow.Reader.Detach()
	<-pumpDone
	shadow = nil
}

// Initialize builds the send channel as well as the catalog, and
// must be called before any data flows over the stream interface
func Initialize() {
	send = channels.NewInfiniteChannel()
	catalog = NewCatalog()

	go stream()
}

// Handler hooks into the HTTP interface and handles the incoming
// streaming requests, and upgrades the connection
func Handler(w http.ResponseWriter, r *http.Request) {
	// upgrade the socket
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade stream socket (%s)", err)
		return
	}

	// build the subscriber
	s := &Subscriber{
		c:    ws,
		done: make(chan struct{}),
	}

	log.Info("new stream listener: %v", ws.RemoteAddr().String())

	catalog.Add(s)

	// begin streaming
	go s.consume()
	go s.produce()
}
