package transport

import (
	"encoding/binary"
	"sort"
	"time"
)

// Clock exchange frames use message ids below 0x10, which the replication
// protocol never assigns. They are consumed inside the session and are
// invisible to the application.
const (
	msgClockPing byte = 0x01 // client→server: [8B seq][8B client send ns]
	msgClockPong byte = 0x02 // server→client: echo + [8B server ns]
)

const (
	// clockMinSamples is how many ping/pong round trips must complete
	// before the offset estimate counts as synchronized.
	clockMinSamples = 3
	// clockMaxSamples bounds the sliding sample window.
	clockMaxSamples = 16
)

// ClockSync estimates the offset between the local monotonic-ish clock and
// the remote peer's from ping/pong samples. All methods are called from the
// session's read goroutine except Synchronized/Offset, which are read from
// the tick goroutine; a session-level mutex guards the handoff.
type ClockSync struct {
	offsets []time.Duration
}

func NewClockSync() *ClockSync {
	return &ClockSync{offsets: make([]time.Duration, 0, clockMaxSamples)}
}

// AddSample records one completed round trip. sentAt/receivedAt are local
// times; remoteAt is the peer's timestamp from the pong.
func (c *ClockSync) AddSample(sentAt, receivedAt time.Time, remoteAt time.Time) {
	rtt := receivedAt.Sub(sentAt)
	// remote clock at local receive time, assuming symmetric latency
	estimatedRemote := remoteAt.Add(rtt / 2)
	offset := estimatedRemote.Sub(receivedAt)

	c.offsets = append(c.offsets, offset)
	if len(c.offsets) > clockMaxSamples {
		c.offsets = c.offsets[1:]
	}
}

// Synchronized reports whether enough samples have accumulated.
func (c *ClockSync) Synchronized() bool {
	return len(c.offsets) >= clockMinSamples
}

// Offset returns the median offset estimate. Median rejects the occasional
// asymmetric-latency outlier better than a mean.
func (c *ClockSync) Offset() time.Duration {
	if len(c.offsets) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(c.offsets))
	copy(sorted, c.offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

func (c *ClockSync) Samples() int {
	return len(c.offsets)
}

// encodeClockPing builds a ping frame body (after the message id byte).
func encodeClockPing(seq uint64, sentNanos int64) []byte {
	body := make([]byte, 17)
	body[0] = msgClockPing
	binary.LittleEndian.PutUint64(body[1:9], seq)
	binary.LittleEndian.PutUint64(body[9:17], uint64(sentNanos))
	return body
}

// encodeClockPong echoes a ping and appends the responder's clock.
func encodeClockPong(ping []byte, nowNanos int64) []byte {
	body := make([]byte, 25)
	body[0] = msgClockPong
	copy(body[1:17], ping[1:17])
	binary.LittleEndian.PutUint64(body[17:25], uint64(nowNanos))
	return body
}

func decodeClockPong(body []byte) (seq uint64, sentNanos, remoteNanos int64, ok bool) {
	if len(body) < 25 {
		return 0, 0, 0, false
	}
	seq = binary.LittleEndian.Uint64(body[1:9])
	sentNanos = int64(binary.LittleEndian.Uint64(body[9:17]))
	remoteNanos = int64(binary.LittleEndian.Uint64(body[17:25]))
	return seq, sentNanos, remoteNanos, true
}
