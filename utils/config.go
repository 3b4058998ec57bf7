package utils

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zmdio/zmd/utils/log"
)

const (
	// DefaultRingName is the shared memory segment identifier used when the
	// configuration document does not name one.
	DefaultRingName = "RMD"
	// DefaultRingSize is the arena size in bytes.
	DefaultRingSize = 131072
	// DefaultReaderSlots bounds concurrent shadow readers per ring.
	DefaultReaderSlots = 8
	// DefaultHeartbeatInterval is the producer heartbeat cadence.
	DefaultHeartbeatInterval = time.Second
	// DefaultDetachTimeout is how long the producer waits on the slowest
	// reader before reclaiming its slot.
	DefaultDetachTimeout = 100 * time.Millisecond
	// DefaultSpinCount is the number of busy-spin iterations before the ring
	// parks on the futex word.
	DefaultSpinCount = 1000
)

// ZmdConfig is the host configuration document for the broadcast core.
type ZmdConfig struct {
	RingName          string
	RingSize          int
	ReaderSlots       int
	HeartbeatInterval time.Duration
	DetachTimeout     time.Duration
	SpinCount         int
	StreamListenURL   string
	LogLevel          log.Level
	StartTime         time.Time
}

// NewDefaultConfig returns a config with every knob at its default.
func NewDefaultConfig() *ZmdConfig {
	return &ZmdConfig{
		RingName:          DefaultRingName,
		RingSize:          DefaultRingSize,
		ReaderSlots:       DefaultReaderSlots,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DetachTimeout:     DefaultDetachTimeout,
		SpinCount:         DefaultSpinCount,
		LogLevel:          log.INFO,
	}
}

// ParseConfig parses a YAML configuration document. Zero values fall back to
// the package defaults; out-of-range values are rejected so a typo does not
// silently produce an unusable ring.
func ParseConfig(data []byte) (*ZmdConfig, error) {
	var aux struct {
		RingName            string `yaml:"ring_name"`
		RingSize            int    `yaml:"ring_size"`
		ReaderSlots         int    `yaml:"reader_slots"`
		HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
		DetachTimeoutMs     int    `yaml:"detach_timeout_ms"`
		SpinCount           int    `yaml:"spin_count"`
		StreamListenURL     string `yaml:"stream_listen_url"`
		LogLevel            string `yaml:"log_level"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := NewDefaultConfig()
	cfg.StartTime = time.Now()

	if aux.RingName != "" {
		cfg.RingName = aux.RingName
	}
	if aux.RingSize != 0 {
		if aux.RingSize < 4096 {
			return nil, fmt.Errorf("ring_size %d below minimum 4096", aux.RingSize)
		}
		cfg.RingSize = aux.RingSize
	}
	if aux.ReaderSlots != 0 {
		if aux.ReaderSlots < 1 || aux.ReaderSlots > 64 {
			return nil, fmt.Errorf("reader_slots %d out of range [1,64]", aux.ReaderSlots)
		}
		cfg.ReaderSlots = aux.ReaderSlots
	}
	if aux.HeartbeatIntervalMs != 0 {
		cfg.HeartbeatInterval = time.Duration(aux.HeartbeatIntervalMs) * time.Millisecond
	}
	if aux.DetachTimeoutMs != 0 {
		cfg.DetachTimeout = time.Duration(aux.DetachTimeoutMs) * time.Millisecond
	}
	if aux.SpinCount != 0 {
		cfg.SpinCount = aux.SpinCount
	}
	cfg.StreamListenURL = aux.StreamListenURL
	cfg.LogLevel = log.LevelFromString(aux.LogLevel)
	log.SetLevel(cfg.LogLevel)

	return cfg, nil
}
