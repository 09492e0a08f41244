package paxos

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Phase identifies which of the four Paxos message shapes a Frame carries.
type Phase int32

const (
	Prepare Phase = iota
	Promise
	Accept
	Accepted
)

func (p Phase) String() string {
	switch p {
	case Prepare:
		return "Prepare"
	case Promise:
		return "Promise"
	case Accept:
		return "Accept"
	case Accepted:
		return "Accepted"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Frame is the single message shape carrying all four Paxos phases, per the
// wire layout: phase, slot, sender int32; proposal_id int64; a length-prefixed
// value; and, for Promises, a length-prefixed last-accepted value alongside
// its proposal id. Fields are always present on the wire even when unused by
// a given phase, so decoding never needs to branch on Phase.
type Frame struct {
	Phase             Phase
	Slot              int32
	Sender            int32
	ProposalID        int64
	Value             string
	LastAcceptedID    int64
	LastAcceptedValue string
}

// Encode serializes f into the little-endian wire layout fixed by the
// consensus frame spec: int32/int32/int32/int64, length-prefixed value,
// int64, length-prefixed value.
func (f Frame) Encode() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, int32(f.Phase))
	_ = binary.Write(buf, binary.LittleEndian, f.Slot)
	_ = binary.Write(buf, binary.LittleEndian, f.Sender)
	_ = binary.Write(buf, binary.LittleEndian, f.ProposalID)
	writeString(buf, f.Value)
	_ = binary.Write(buf, binary.LittleEndian, f.LastAcceptedID)
	writeString(buf, f.LastAcceptedValue)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, int32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || int64(n) > int64(r.Len()) {
		return "", fmt.Errorf("paxos: corrupt length prefix %d", n)
	}
	if n == 0 {
		// bytes.Reader.Read reports io.EOF at the end of the data even for
		// an empty buffer, so an empty trailing string is answered here.
		return "", nil
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeFrame is the inverse of Frame.Encode. A malformed frame (short read,
// bad length prefix) is a parse error: callers log and drop it rather than
// crash, per the error-handling design.
func DecodeFrame(data []byte) (Frame, error) {
	r := bytes.NewReader(data)
	var f Frame
	var phase int32
	if err := binary.Read(r, binary.LittleEndian, &phase); err != nil {
		return Frame{}, fmt.Errorf("paxos: decode phase: %w", err)
	}
	f.Phase = Phase(phase)
	if err := binary.Read(r, binary.LittleEndian, &f.Slot); err != nil {
		return Frame{}, fmt.Errorf("paxos: decode slot: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &f.Sender); err != nil {
		return Frame{}, fmt.Errorf("paxos: decode sender: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &f.ProposalID); err != nil {
		return Frame{}, fmt.Errorf("paxos: decode proposal id: %w", err)
	}
	value, err := readString(r)
	if err != nil {
		return Frame{}, fmt.Errorf("paxos: decode value: %w", err)
	}
	f.Value = value
	if err := binary.Read(r, binary.LittleEndian, &f.LastAcceptedID); err != nil {
		return Frame{}, fmt.Errorf("paxos: decode last accepted id: %w", err)
	}
	lastValue, err := readString(r)
	if err != nil {
		return Frame{}, fmt.Errorf("paxos: decode last accepted value: %w", err)
	}
	f.LastAcceptedValue = lastValue
	return f, nil
}
