// Package evdev implements the Linux raw-device backend: a capture provider
// reading /dev/input/event* nodes and an injector driving /dev/uinput.
package evdev

import (
	"encoding/binary"
	"time"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
)

// Sizes of struct input_event for 32-bit and 64-bit time values.
const (
	EventSize32 = 16
	EventSize64 = 24
)

// Event is one decoded struct input_event.
type Event struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

// Raw converts e to a device.RawEvent stamped with at. Event types the
// engine does not consume (EV_MSC, EV_LED, ...) report ok == false.
func (e Event) Raw(name string, at time.Time) (device.RawEvent, bool) {
	kind, ok := device.KindFromType(e.Type)
	if !ok {
		return device.RawEvent{}, false
	}
	return device.RawEvent{Device: name, Kind: kind, Code: e.Code, Value: e.Value, Time: at}, true
}

// Parser decodes a stream of input_event records. Reads from an event node
// always return whole records, but the parser buffers partial ones so it can
// also consume arbitrary chunks.
type Parser struct {
	buf  []byte
	size int
}

// NewParser returns a parser for records of size bytes. A size of zero
// detects the record size from the first chunk.
func NewParser(size int) *Parser {
	if size != EventSize32 && size != EventSize64 {
		size = 0
	}
	return &Parser{size: size}
}

// Size returns the record size, or zero while still undetected.
func (p *Parser) Size() int {
	return p.size
}

// Feed appends chunk and calls fn for every complete record.
func (p *Parser) Feed(chunk []byte, fn func(Event)) {
	p.buf = append(p.buf, chunk...)
	if p.size == 0 {
		p.size = detectSize(p.buf)
	}
	for p.size != 0 && len(p.buf) >= p.size {
		fn(decode(p.buf[:p.size]))
		p.buf = p.buf[p.size:]
	}
	if len(p.buf) == 0 {
		p.buf = p.buf[:0:0]
	}
}

// detectSize guesses the record size from a buffer holding whole records.
// Ambiguous buffers (multiples of 48) prefer the 64-bit layout.
func detectSize(b []byte) int {
	switch {
	case len(b) >= EventSize64 && len(b)%EventSize64 == 0:
		return EventSize64
	case len(b) >= EventSize32 && len(b)%EventSize32 == 0:
		return EventSize32
	case len(b) >= 2*EventSize64:
		return EventSize64
	default:
		return 0
	}
}

func decode(rec []byte) Event {
	var sec, usec int64
	off := len(rec) - 8
	if len(rec) == EventSize64 {
		sec = int64(binary.LittleEndian.Uint64(rec[0:8]))
		usec = int64(binary.LittleEndian.Uint64(rec[8:16]))
	} else {
		sec = int64(int32(binary.LittleEndian.Uint32(rec[0:4])))
		usec = int64(int32(binary.LittleEndian.Uint32(rec[4:8])))
	}
	return Event{
		Time:  time.Unix(sec, usec*int64(time.Microsecond)),
		Type:  binary.LittleEndian.Uint16(rec[off : off+2]),
		Code:  binary.LittleEndian.Uint16(rec[off+2 : off+4]),
		Value: int32(binary.LittleEndian.Uint32(rec[off+4 : off+8])),
	}
}

// Encode appends the size-byte record for e to dst. A zero Time is written
// as zero; the kernel stamps injected events itself.
func Encode(dst []byte, e Event, size int) []byte {
	rec := make([]byte, size)
	off := size - 8
	if !e.Time.IsZero() {
		sec, usec := e.Time.Unix(), int64(e.Time.Nanosecond())/int64(time.Microsecond)
		if size == EventSize64 {
			binary.LittleEndian.PutUint64(rec[0:8], uint64(sec))
			binary.LittleEndian.PutUint64(rec[8:16], uint64(usec))
		} else {
			binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
			binary.LittleEndian.PutUint32(rec[4:8], uint32(usec))
		}
	}
	binary.LittleEndian.PutUint16(rec[off:off+2], e.Type)
	binary.LittleEndian.PutUint16(rec[off+2:off+4], e.Code)
	binary.LittleEndian.PutUint32(rec[off+4:off+8], uint32(e.Value))
	return append(dst, rec...)
}

// accepts reports whether e belongs to an enabled event class. Sync
// markers always pass.
func accepts(e Event, mouse, keyboard bool) bool {
	switch e.Type {
	case evcode.EvSyn:
		return true
	case evcode.EvRel, evcode.EvAbs:
		return mouse
	case evcode.EvKey:
		if evcode.IsMouseButton(e.Code) {
			return mouse
		}
		return keyboard
	default:
		return false
	}
}
