package transport

import "fmt"

// SentFrame is one message captured by a Pipe.
type SentFrame struct {
	MsgID    byte
	Payload  []byte
	Delivery Delivery
}

// Pipe is an in-memory Connection for tests and loopback runs. Frames sent
// on one end land in the peer's inbox; single-goroutine use only.
type Pipe struct {
	name      string
	peer      *Pipe
	inbox     []SentFrame
	sent      []SentFrame
	clockSync bool
}

// NewPipePair returns two linked pipe connections.
func NewPipePair(nameA, nameB string) (*Pipe, *Pipe) {
	a := &Pipe{name: nameA, clockSync: true}
	b := &Pipe{name: nameB, clockSync: true}
	a.peer = b
	b.peer = a
	return a, b
}

// NewPipe returns an unlinked pipe that only records what was sent.
func NewPipe(name string) *Pipe {
	return &Pipe{name: name, clockSync: true}
}

func (p *Pipe) Send(msgID byte, payload []byte, d Delivery) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f := SentFrame{MsgID: msgID, Payload: buf, Delivery: d}
	p.sent = append(p.sent, f)
	if p.peer != nil {
		p.peer.inbox = append(p.peer.inbox, f)
	}
}

func (p *Pipe) IsClockSynchronized() bool {
	return p.clockSync
}

// SetClockSynchronized overrides the reported clock-sync status.
func (p *Pipe) SetClockSynchronized(v bool) {
	p.clockSync = v
}

// Drain returns and clears frames delivered from the peer.
func (p *Pipe) Drain() []SentFrame {
	frames := p.inbox
	p.inbox = nil
	return frames
}

// Sent returns every frame sent on this end, in order.
func (p *Pipe) Sent() []SentFrame {
	return p.sent
}

// SentByID filters sent frames by message id.
func (p *Pipe) SentByID(msgID byte) []SentFrame {
	var out []SentFrame
	for _, f := range p.sent {
		if f.MsgID == msgID {
			out = append(out, f)
		}
	}
	return out
}

func (p *Pipe) String() string {
	return fmt.Sprintf("pipe:%s", p.name)
}
