package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// unreliableHighWater is the outBuf depth above which unreliable frames are
// dropped instead of queued.
const unreliableHighWater = 64

// clockPingInterval paces the client-side clock exchange.
const clockPingInterval = 250 * time.Millisecond

// Session is a single TCP connection. Network I/O runs in dedicated
// goroutines; the replication layer touches the session only from the
// simulation tick goroutine (Send, FlushOutput, Inbound).
type Session struct {
	ID   uint64
	conn net.Conn

	InQueue  chan []byte // tick loop reads frames ([msgID, payload...]) from here
	OutQueue chan []byte // writer goroutine reads from here

	IP string

	outBuf []outFrame // buffered frames, flushed once per tick (tick goroutine only)

	// Client-side clock exchange. nil on accepted (server-side) sessions,
	// which answer pings instead of sending them.
	clockMu    sync.Mutex
	clock      *ClockSync
	clockSeq   uint64
	lastPingAt time.Time

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Per-second frame rate limiter (readLoop goroutine only, no lock needed)
	pktPerSec  int
	pktCount   int
	pktResetAt int64

	dropped atomic.Uint64 // unreliable frames discarded under backpressure

	log *zap.Logger
}

type outFrame struct {
	data      []byte
	droppable bool
}

// NewSession wraps an accepted server-side connection.
func NewSession(conn net.Conn, id uint64, inSize, outSize, pktPerSec int, log *zap.Logger) *Session {
	return &Session{
		ID:        id,
		conn:      conn,
		InQueue:   make(chan []byte, inSize),
		OutQueue:  make(chan []byte, outSize),
		IP:        conn.RemoteAddr().String(),
		closeCh:   make(chan struct{}),
		pktPerSec: pktPerSec,
		log:       log.With(zap.Uint64("session", id)),
	}
}

// Dial opens a client-side session to addr. The session runs the clock
// exchange against the server; IsClockSynchronized turns true once enough
// round trips complete.
func Dial(addr string, inSize, outSize int, log *zap.Logger) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s := NewSession(conn, 0, inSize, outSize, 0, log)
	s.clock = NewClockSync()
	s.Start()
	return s, nil
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a frame for sending. Nothing is written to TCP until
// FlushOutput is called at the end of the tick. Unreliable frames are
// dropped when the buffer is saturated. Tick goroutine only.
func (s *Session) Send(msgID byte, payload []byte, d Delivery) {
	if s.closed.Load() {
		return
	}
	if d == Unreliable && len(s.outBuf) >= unreliableHighWater {
		s.dropped.Add(1)
		return
	}
	s.outBuf = append(s.outBuf, outFrame{
		data:      buildFrame(msgID, payload),
		droppable: d == Unreliable,
	})
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop
// goroutine. Called once per tick. When OutQueue is full, unreliable
// frames are dropped; a full queue on a reliable frame disconnects the
// session (backpressure).
func (s *Session) FlushOutput() {
	s.maybePing()
	for _, f := range s.outBuf {
		select {
		case s.OutQueue <- f.data:
		default:
			if f.droppable {
				s.dropped.Add(1)
				continue
			}
			s.log.Warn("output queue saturated, disconnecting slow peer")
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// maybePing queues a clock ping on client-side sessions.
func (s *Session) maybePing() {
	if s.clock == nil {
		return
	}
	now := time.Now()
	if now.Sub(s.lastPingAt) < clockPingInterval {
		return
	}
	s.lastPingAt = now
	s.clockSeq++
	select {
	case s.OutQueue <- encodeClockPing(s.clockSeq, now.UnixNano()):
	default:
	}
}

// IsClockSynchronized reports clock-exchange convergence. Server-side
// sessions hold the authoritative clock and are always synchronized.
func (s *Session) IsClockSynchronized() bool {
	if s.clock == nil {
		return true
	}
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock.Synchronized()
}

// ClockOffset returns the estimated remote-minus-local clock offset.
func (s *Session) ClockOffset() time.Duration {
	if s.clock == nil {
		return 0
	}
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock.Offset()
}

// DroppedFrames returns how many unreliable frames were discarded.
func (s *Session) DroppedFrames() uint64 {
	return s.dropped.Load()
}

func (s *Session) String() string {
	return fmt.Sprintf("session#%d %s", s.ID, s.IP)
}

// Close shuts the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// readLoop runs in its own goroutine. Clock frames are answered or absorbed
// here; everything else goes onto InQueue for the tick loop.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		frame, err := ReadFrame(s.conn)
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}

		if s.pktPerSec > 0 {
			now := time.Now().Unix()
			if now != s.pktResetAt {
				s.pktCount = 0
				s.pktResetAt = now
			}
			s.pktCount++
			if s.pktCount > s.pktPerSec {
				s.log.Warn("frame rate limit exceeded, disconnecting", zap.Int("fps", s.pktCount))
				return
			}
		}

		switch frame[0] {
		case msgClockPing:
			if len(frame) >= 17 {
				select {
				case s.OutQueue <- encodeClockPong(frame, time.Now().UnixNano()):
				default:
				}
			}
			continue
		case msgClockPong:
			s.handleClockPong(frame)
			continue
		}

		// Block until InQueue has space or the session closes. The readLoop
		// goroutine is per-session, so blocking only stalls this peer.
		select {
		case s.InQueue <- frame:
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) handleClockPong(frame []byte) {
	if s.clock == nil {
		return
	}
	_, sentNanos, remoteNanos, ok := decodeClockPong(frame)
	if !ok {
		return
	}
	now := time.Now()
	s.clockMu.Lock()
	s.clock.AddSample(time.Unix(0, sentNanos), now, time.Unix(0, remoteNanos))
	s.clockMu.Unlock()
}

// writeLoop runs in its own goroutine, framing queued data onto TCP.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.OutQueue:
			if !s.writeOneFrame(data) {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeOneFrame(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := WriteFrame(s.conn, data); err != nil {
		if !s.closed.Load() {
			s.log.Debug("write error", zap.Error(err))
		}
		return false
	}
	return true
}
