package instrumentation

import (
	"bytes"
	"encoding/binary"
)

/*
Go equivalent of struct trace_event in bpf/nixtrace.bpf.c. Fields are at fixed
offsets; the struct is padded to a multiple of 8 bytes by the compiler.
*/
const (
	ProbeNameLen = 25
	FileBufLen   = 128
	// Longest file path kept from a record; the last buffer byte is reserved
	// for the terminating NUL written by bpf_probe_read_user_str.
	FileMaxLen = FileBufLen - 1

	offTs        = 0
	offExprID    = 8
	offLine      = 16
	offColumn    = 20
	offProbeName = 24
	offFile      = offProbeName + ProbeNameLen
	offKind      = offFile + FileBufLen

	EventWireSize = 184
)

type wireEvent struct {
	Ts        uint64
	ExprID    uint64
	Line      uint32
	Column    uint32
	ProbeName [ProbeNameLen]byte
	File      [FileBufLen]byte
	Kind      uint8
	_         [EventWireSize - offKind - 1]byte
}

// TraceEvent is one decoded probe firing. Exit events never carry a
// location.
type TraceEvent struct {
	Ts        uint64
	ExprID    uint64
	Line      uint32
	Column    uint32
	File      string
	ProbeName string
	Kind      ProbeKind
}

// MarshalBinary encodes the event the way the BPF handler emits it. Text
// fields longer than their buffers are truncated so that a terminating NUL
// always fits.
func (e TraceEvent) MarshalBinary() ([]byte, error) {
	wire := wireEvent{
		Ts:     e.Ts,
		ExprID: e.ExprID,
		Line:   e.Line,
		Column: e.Column,
		Kind:   uint8(e.Kind),
	}
	copy(wire.ProbeName[:ProbeNameLen-1], e.ProbeName)
	copy(wire.File[:FileMaxLen], e.File)

	buf := bytes.NewBuffer(make([]byte, 0, EventWireSize))
	if err := binary.Write(buf, byteOrder, &wire); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
