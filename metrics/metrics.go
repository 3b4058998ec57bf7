package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "zmd"
	subsystem = "broadcast"
)

var (
	// RingFramesIn counts frames published to the ring.
	RingFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ring_frames_in_total",
		Help:      "Frames published to the broadcast ring",
	})

	// RingBytesIn counts unpadded frame bytes published to the ring.
	RingBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ring_bytes_in_total",
		Help:      "Unpadded frame bytes published to the broadcast ring",
	})

	// RingFramesOut counts frames consumed across all shadow readers.
	RingFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ring_frames_out_total",
		Help:      "Frames consumed by shadow readers",
	})

	// RingPeerDeadTotal counts readers reclaimed as slow or dead.
	RingPeerDeadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ring_peer_dead_total",
		Help:      "Shadow readers forcibly detached as slow or dead",
	})

	// OverflowDrops counts frames dropped because the ring was full.
	OverflowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "overflow_drops_total",
		Help:      "Frames dropped on ring overflow",
	})

	// Heartbeats counts heartbeat frames emitted.
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "heartbeats_total",
		Help:      "Heartbeat frames emitted by the producer",
	})

	// RecorderBytes counts bytes persisted by the recorder.
	RecorderBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "bytes_total",
		Help:      "Frame bytes persisted to capture files",
	})

	// ReplayFrames counts frames applied by the replayer.
	ReplayFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "frames_total",
		Help:      "Frames driven through the apply path by the replayer",
	})

	// StreamSubscribers gauges the live websocket fanout subscribers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Currently connected stream subscribers",
	})
)
