package protocol

import (
	"fmt"
)

// Frame constructors. Values must already be wire-native; semantic conversion
// (fractions, enumerations) happens in values.go or above this package.

// EncodeGet builds a get request for a readable parameter.
//
// Frame Structure:
//
//	[0] 'G'    Start byte
//	[1] param  Parameter code
//	[2] 0x80   Length marker, no value
func (t *Table) EncodeGet(param byte) ([]byte, error) {
	p, ok := t.byCode[param]
	if !ok {
		return nil, fmt.Errorf("%w: parameter 0x%02x not in table %s", ErrUnknownOpcode, param, t.Firmware)
	}
	if !p.Access.CanRead() {
		return nil, fmt.Errorf("parameter %s is write-only", p.Name)
	}
	return []byte{StartGet, param, LengthMarker}, nil
}

// EncodeSet builds a set request for a writable parameter.
//
// Frame Structure:
//
//	[0] 'S'    Start byte
//	[1] param  Parameter code
//	[2] 0x81   Length marker, one value byte
//	[3] value  Wire-native value
func (t *Table) EncodeSet(param byte, value byte) ([]byte, error) {
	p, ok := t.byCode[param]
	if !ok {
		return nil, fmt.Errorf("%w: parameter 0x%02x not in table %s", ErrUnknownOpcode, param, t.Firmware)
	}
	if !p.Access.CanWrite() {
		return nil, fmt.Errorf("parameter %s is read-only", p.Name)
	}
	return []byte{StartSet, param, LengthMarker | 1, value}, nil
}

// EncodeStatus builds a status reply, as sent by the device after a set.
func (t *Table) EncodeStatus(status byte) []byte {
	return []byte{StartReply, StatusParam, status}
}

// EncodeValue builds a value reply, as sent by the device after a get.
//
// Frame Structure:
//
//	[0]     'R'       Start byte
//	[1]     param     Parameter code
//	[2]     0x80|n    Length marker
//	[3..]   value     n value bytes
//	[3+n]   trailer   Checksum, or 0x00 when the table has none
func (t *Table) EncodeValue(param byte, value ...byte) ([]byte, error) {
	if _, ok := t.byCode[param]; !ok {
		return nil, fmt.Errorf("%w: parameter 0x%02x not in table %s", ErrUnknownOpcode, param, t.Firmware)
	}
	if len(value) > MaxValueLen {
		return nil, fmt.Errorf("value too long: %d bytes (max %d)", len(value), MaxValueLen)
	}

	frame := make([]byte, 0, 4+len(value))
	frame = append(frame, StartReply, param, LengthMarker|byte(len(value)))
	frame = append(frame, value...)

	var trailer byte
	if t.Checksum != nil {
		trailer = t.Checksum(frame)
	}
	return append(frame, trailer), nil
}
