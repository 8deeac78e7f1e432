package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockSyncThreshold(t *testing.T) {
	c := NewClockSync()
	base := time.Now()

	assert.False(t, c.Synchronized())
	for i := 0; i < clockMinSamples; i++ {
		sent := base.Add(time.Duration(i) * time.Second)
		recv := sent.Add(20 * time.Millisecond)
		c.AddSample(sent, recv, sent.Add(10*time.Millisecond))
	}
	assert.True(t, c.Synchronized())
}

func TestClockSyncOffsetMedianRejectsOutlier(t *testing.T) {
	c := NewClockSync()
	base := time.Now()

	// Symmetric round trips with the remote exactly 1s ahead.
	for i := 0; i < 4; i++ {
		sent := base.Add(time.Duration(i) * time.Second)
		recv := sent.Add(20 * time.Millisecond)
		remote := sent.Add(10 * time.Millisecond).Add(time.Second)
		c.AddSample(sent, recv, remote)
	}
	// One wildly asymmetric sample.
	sent := base.Add(10 * time.Second)
	c.AddSample(sent, sent.Add(2*time.Second), sent.Add(time.Second).Add(10*time.Second))

	got := c.Offset()
	assert.InDelta(t, float64(time.Second), float64(got), float64(10*time.Millisecond))
}

func TestClockSyncWindowBound(t *testing.T) {
	c := NewClockSync()
	base := time.Now()
	for i := 0; i < clockMaxSamples*2; i++ {
		sent := base.Add(time.Duration(i) * time.Second)
		c.AddSample(sent, sent.Add(time.Millisecond), sent)
	}
	assert.Equal(t, clockMaxSamples, c.Samples())
}

func TestClockPingPongCodec(t *testing.T) {
	ping := encodeClockPing(42, 123456789)
	assert.Equal(t, msgClockPing, ping[0])

	pong := encodeClockPong(ping, 987654321)
	assert.Equal(t, msgClockPong, pong[0])

	seq, sentNanos, remoteNanos, ok := decodeClockPong(pong)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, int64(123456789), sentNanos)
	assert.Equal(t, int64(987654321), remoteNanos)
}

func TestDecodeClockPongShort(t *testing.T) {
	_, _, _, ok := decodeClockPong([]byte{msgClockPong, 1, 2})
	assert.False(t, ok)
}
