package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Decoding errors
var (
	// ErrNeedMore means the buffer holds only part of a frame.
	ErrNeedMore = errors.New("incomplete frame")

	// ErrUnknownOpcode means the start byte or parameter code is not in the table.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrCorruptFrame means the length marker is malformed.
	ErrCorruptFrame = errors.New("corrupt frame length")

	// ErrChecksum means the value reply trailer does not match.
	ErrChecksum = errors.New("frame checksum mismatch")
)

// Kind identifies the shape of a decoded frame.
type Kind uint8

const (
	KindGet Kind = iota + 1
	KindSet
	KindStatus
	KindValue
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindSet:
		return "set"
	case KindStatus:
		return "status"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Frame is one decoded protocol frame.
type Frame struct {
	Kind    Kind
	Param   byte   // Parameter code (StatusParam for status replies)
	Value   []byte // Value bytes (set requests and value replies)
	Status  byte   // Status byte (status replies only)
	Trailer byte   // Value reply trailer
	Raw     []byte // Exact bytes consumed
}

// Accepted reports whether a status reply signals success.
func (f *Frame) Accepted() bool {
	return f.Kind == KindStatus && f.Status == StatusAccepted
}

// Byte returns the first value byte, or 0 when the frame carries none.
func (f *Frame) Byte() byte {
	if len(f.Value) == 0 {
		return 0
	}
	return f.Value[0]
}

// String returns a debug representation of the frame
func (f *Frame) String() string {
	switch f.Kind {
	case KindStatus:
		return fmt.Sprintf("Frame{kind=status, status=0x%02x}", f.Status)
	case KindGet:
		return fmt.Sprintf("Frame{kind=get, param=0x%02x}", f.Param)
	default:
		return fmt.Sprintf("Frame{kind=%s, param=0x%02x, value=%s}", f.Kind, f.Param, hex.EncodeToString(f.Value))
	}
}

// ProtocolError describes why a buffer could not be decoded.
type ProtocolError struct {
	Err    error // One of ErrUnknownOpcode, ErrCorruptFrame, ErrChecksum
	Offset int   // Offset of the offending byte
	Byte   byte  // Offending byte value
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v at offset %d (0x%02x): %s", e.Err, e.Offset, e.Byte, e.Detail)
	}
	return fmt.Sprintf("%v at offset %d (0x%02x)", e.Err, e.Offset, e.Byte)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(err error, offset int, b byte, detail string) error {
	return &ProtocolError{Err: err, Offset: offset, Byte: b, Detail: detail}
}

// Decode parses one frame from the start of buf.
//
// It returns ErrNeedMore when buf holds an incomplete frame. After a complete
// frame the unconsumed bytes are returned as rest; rest aliases buf.
func (t *Table) Decode(buf []byte) (*Frame, []byte, error) {
	if len(buf) == 0 {
		return nil, buf, ErrNeedMore
	}

	start := buf[0]
	switch start {
	case StartGet, StartSet, StartReply:
	default:
		return nil, buf, protoErr(ErrUnknownOpcode, 0, start, "bad start byte")
	}

	if len(buf) < 2 {
		return nil, buf, ErrNeedMore
	}
	param := buf[1]

	// Status replies have no length marker: 'R' 0x11 status
	if start == StartReply && param == StatusParam {
		if len(buf) < 3 {
			return nil, buf, ErrNeedMore
		}
		f := &Frame{Kind: KindStatus, Param: param, Status: buf[2], Raw: buf[:3:3]}
		return f, buf[3:], nil
	}

	if _, ok := t.byCode[param]; !ok {
		return nil, buf, protoErr(ErrUnknownOpcode, 1, param, "parameter not in table "+t.Firmware)
	}

	if len(buf) < 3 {
		return nil, buf, ErrNeedMore
	}
	marker := buf[2]
	if marker&LengthMarker == 0 {
		return nil, buf, protoErr(ErrCorruptFrame, 2, marker, "length marker high bit not set")
	}
	n := int(marker &^ LengthMarker)
	if n > MaxValueLen {
		return nil, buf, protoErr(ErrCorruptFrame, 2, marker, fmt.Sprintf("value length %d exceeds %d", n, MaxValueLen))
	}

	switch start {
	case StartGet:
		if n != 0 {
			return nil, buf, protoErr(ErrCorruptFrame, 2, marker, "get request carries a value")
		}
		f := &Frame{Kind: KindGet, Param: param, Raw: buf[:3:3]}
		return f, buf[3:], nil

	case StartSet:
		if n == 0 {
			return nil, buf, protoErr(ErrCorruptFrame, 2, marker, "set request without a value")
		}
		size := 3 + n
		if len(buf) < size {
			return nil, buf, ErrNeedMore
		}
		f := &Frame{Kind: KindSet, Param: param, Value: buf[3:size:size], Raw: buf[:size:size]}
		return f, buf[size:], nil

	default:
		size := 3 + n + 1
		if len(buf) < size {
			return nil, buf, ErrNeedMore
		}
		trailer := buf[size-1]
		if t.Checksum != nil {
			if want := t.Checksum(buf[:size-1]); want != trailer {
				return nil, buf, protoErr(ErrChecksum, size-1, trailer, fmt.Sprintf("want 0x%02x", want))
			}
		}
		f := &Frame{
			Kind:    KindValue,
			Param:   param,
			Value:   buf[3 : size-1 : size-1],
			Trailer: trailer,
			Raw:     buf[:size:size],
		}
		return f, buf[size:], nil
	}
}

// Split is a bufio.SplitFunc yielding one raw frame per token.
func (t *Table) Split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	f, rest, err := t.Decode(data)
	if errors.Is(err, ErrNeedMore) {
		if atEOF {
			return 0, nil, fmt.Errorf("%w: %d trailing bytes at EOF", ErrNeedMore, len(data))
		}
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return len(data) - len(rest), f.Raw, nil
}

// IsProtocolError reports whether err is a decoding failure, including values
// that decode to nothing the table defines. ErrNeedMore is not one.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownOpcode) ||
		errors.Is(err, ErrCorruptFrame) ||
		errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrBadValue)
}

// Dump returns an annotated hex dump of a frame for debug logs.
func (t *Table) Dump(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}

	var b strings.Builder
	b.WriteString(hex.EncodeToString(data))

	f, rest, err := t.Decode(data)
	if err != nil {
		fmt.Fprintf(&b, " [%v]", err)
		return b.String()
	}

	switch f.Kind {
	case KindStatus:
		state := "rejected"
		if f.Accepted() {
			state = "accepted"
		}
		fmt.Fprintf(&b, " [status %s]", state)
	case KindGet:
		fmt.Fprintf(&b, " [get %s]", t.ParamName(f.Param))
	case KindSet:
		fmt.Fprintf(&b, " [set %s=0x%02x]", t.ParamName(f.Param), f.Byte())
	case KindValue:
		fmt.Fprintf(&b, " [%s=0x%02x]", t.ParamName(f.Param), f.Byte())
	}
	if len(rest) > 0 {
		fmt.Fprintf(&b, " +%d bytes", len(rest))
	}
	return b.String()
}
