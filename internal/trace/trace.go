// Package trace keeps a short rolling window of replication frame records
// for diagnostics, sized from the tracing-duration settings.
package trace

import "time"

// Frame is one replication frame summary.
type Frame struct {
	Frame       uint32
	At          time.Time
	Objects     int
	Connections int
	BytesSent   int
}

// Recorder is a fixed-capacity ring of frame records plus a pending batch
// for an optional durable sink. The batch is bounded by the ring capacity:
// when nothing drains it, the oldest frames fall off instead of
// accumulating. Single-goroutine use (tick thread).
type Recorder struct {
	buf     []Frame
	next    int
	full    bool
	pending []Frame
}

// NewRecorder creates a recorder holding up to capacity frames (minimum 1).
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{buf: make([]Frame, capacity)}
}

func (r *Recorder) Record(f Frame) {
	r.buf[r.next] = f
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	if len(r.pending) == len(r.buf) {
		copy(r.pending, r.pending[1:])
		r.pending = r.pending[:len(r.pending)-1]
	}
	r.pending = append(r.pending, f)
}

// Frames returns the recorded window in chronological order.
func (r *Recorder) Frames() []Frame {
	if !r.full {
		out := make([]Frame, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Frame, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *Recorder) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *Recorder) Cap() int {
	return len(r.buf)
}

// TakePending returns frames not yet flushed to a durable sink and resets
// the batch. Returns nil when nothing is pending. At most Cap() frames are
// returned; older undrained frames have been dropped.
func (r *Recorder) TakePending() []Frame {
	if len(r.pending) == 0 {
		return nil
	}
	batch := r.pending
	r.pending = nil
	return batch
}
