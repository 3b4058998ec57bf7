package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultRingName, cfg.RingName)
	assert.Equal(t, DefaultRingSize, cfg.RingSize)
	assert.Equal(t, DefaultReaderSlots, cfg.ReaderSlots)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultDetachTimeout, cfg.DetachTimeout)
	assert.Equal(t, DefaultSpinCount, cfg.SpinCount)
	assert.False(t, cfg.StartTime.IsZero(), "parse stamps the process start time")
}

func TestParseConfigOverrides(t *testing.T) {
	doc := `
ring_name: FEED1
ring_size: 262144
reader_slots: 16
heartbeat_interval_ms: 500
detach_timeout_ms: 250
spin_count: 50
stream_listen_url: "127.0.0.1:5993"
log_level: debug
`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "FEED1", cfg.RingName)
	assert.Equal(t, 262144, cfg.RingSize)
	assert.Equal(t, 16, cfg.ReaderSlots)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.DetachTimeout)
	assert.Equal(t, 50, cfg.SpinCount)
	assert.Equal(t, "127.0.0.1:5993", cfg.StreamListenURL)
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	_, err := ParseConfig([]byte("ring_size: 100"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("reader_slots: 65"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("reader_slots: [not, a, number]"))
	assert.Error(t, err)
}
