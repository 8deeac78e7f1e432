// Package settings holds the negotiated replication setting table: named
// variant values with server-side defaults, sent to clients during the
// connection handshake.
package settings

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/netreef/replica/internal/protocol/wire"
)

// Well-known setting names.
const (
	// UpdateFrequency is the replication rate in frames per second.
	UpdateFrequency = "UpdateFrequency"
	// ClockInterval is how often the server re-broadcasts the scene clock,
	// in seconds.
	ClockInterval = "ClockInterval"
	// ConnectionLimit caps simultaneous replicated connections.
	ConnectionLimit = "ConnectionLimit"
	// InterpolationDelay is the client-side interpolation window in seconds.
	InterpolationDelay = "InterpolationDelay"
	// ServerTracingDuration is how many seconds of replication frames the
	// server keeps for diagnostics.
	ServerTracingDuration = "ServerTracingDuration"
	// ClientTracingDuration is the client-side equivalent.
	ClientTracingDuration = "ClientTracingDuration"
	// RelevanceTimeout is how long an out-of-relevance object stays known
	// to a connection before removal, in seconds.
	RelevanceTimeout = "RelevanceTimeout"
)

type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

// Value is a small tagged variant. The zero Value has KindNil and reads as
// zero through every accessor.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
}

func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() bool { return v.b }

// Int converts numeric kinds; other kinds read as zero.
func (v Value) Int() int64 {
	if v.kind == KindFloat {
		return int64(v.f)
	}
	return v.i
}

// Float converts numeric kinds; other kinds read as zero.
func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) Text() string { return v.s }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		return "<nil>"
	}
}

// Map is a named setting table.
type Map struct {
	m map[string]Value
}

func NewMap() *Map {
	return &Map{m: make(map[string]Value, 16)}
}

// Defaults returns the baseline server setting table.
func Defaults() *Map {
	m := NewMap()
	m.Set(UpdateFrequency, Int(30))
	m.Set(ClockInterval, Float(1.0))
	m.Set(ConnectionLimit, Int(32))
	m.Set(InterpolationDelay, Float(0.1))
	m.Set(ServerTracingDuration, Float(5.0))
	m.Set(ClientTracingDuration, Float(1.0))
	m.Set(RelevanceTimeout, Float(5.0))
	return m
}

func (m *Map) Set(name string, v Value) {
	m.m[name] = v
}

// Get returns the named value, or the zero Value when absent.
func (m *Map) Get(name string) Value {
	return m.m[name]
}

func (m *Map) Has(name string) bool {
	_, ok := m.m[name]
	return ok
}

func (m *Map) Len() int {
	return len(m.m)
}

// Names returns all setting names in sorted order, for deterministic
// encoding and display.
func (m *Map) Names() []string {
	names := make([]string, 0, len(m.m))
	for name := range m.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Map) Clone() *Map {
	c := NewMap()
	for name, v := range m.m {
		c.m[name] = v
	}
	return c
}

// EncodeTo writes the table in sorted name order.
func (m *Map) EncodeTo(w *wire.Writer) {
	names := m.Names()
	w.WriteU16(uint16(len(names)))
	for _, name := range names {
		v := m.m[name]
		w.WriteString(name)
		w.WriteU8(byte(v.kind))
		switch v.kind {
		case KindBool:
			w.WriteBool(v.b)
		case KindInt:
			w.WriteI64(v.i)
		case KindFloat:
			w.WriteF64(v.f)
		case KindString:
			w.WriteString(v.s)
		}
	}
}

// DecodeFrom reads a table previously written by EncodeTo.
func (m *Map) DecodeFrom(r *wire.Reader) error {
	count := int(r.ReadU16())
	for i := 0; i < count; i++ {
		name := r.ReadString()
		kind := Kind(r.ReadU8())
		var v Value
		switch kind {
		case KindNil:
			v = Value{}
		case KindBool:
			v = Bool(r.ReadBool())
		case KindInt:
			v = Int(r.ReadI64())
		case KindFloat:
			v = Float(r.ReadF64())
		case KindString:
			v = String(r.ReadString())
		default:
			return fmt.Errorf("setting %q: unknown value kind %d", name, kind)
		}
		if r.Truncated() {
			return fmt.Errorf("setting table truncated at entry %d of %d", i, count)
		}
		m.m[name] = v
	}
	return nil
}
