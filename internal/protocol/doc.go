// Package protocol implements the KEF wireless speaker binary control protocol.
//
// This package encodes control requests and decodes device replies. It holds no
// state and performs no I/O: the transport hands it bytes, it hands back frames.
//
// # Protocol Overview
//
// Every frame starts with a single ASCII start byte:
//   - 'G' (0x47): get request from the client
//   - 'S' (0x53): set request from the client
//   - 'R' (0x52): reply from the device
//
// The start byte is followed by a parameter code and a length marker. The
// marker has its high bit set and carries the number of value bytes in its low
// bits (0x80 = no value, 0x81 = one value byte):
//
//	get request    'G' param 0x80                    (3 bytes)
//	set request    'S' param 0x81 value              (4 bytes)
//	status reply   'R' 0x11 status                   (3 bytes, 0xFF = accepted)
//	value reply    'R' param 0x80|n value[n] trailer (4+n bytes)
//
// # Opcode Tables
//
// Parameter codes and the meaning of their values differ between firmware
// revisions, so they live in a versioned Table rather than in constants:
//
//	table, err := protocol.Lookup("ls50w-v1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	frame, err := table.EncodeSet(protocol.ParamVolume, protocol.EncodeVolume(0.4, false))
//
// Anything the table does not know about is rejected with ErrUnknownOpcode.
// Callers must never guess at the meaning of an unrecognized reply.
//
// # Decoding Streams
//
// Decode works on the raw socket buffer. A partial frame yields ErrNeedMore;
// bytes following a complete frame are returned as the remainder so several
// frames delivered by one read can be processed in turn. Table.Split adapts the
// same logic to bufio.SplitFunc.
//
// # Error Handling
//
// The package distinguishes between:
//   - ErrNeedMore: not an error, the caller should read more bytes
//   - ErrUnknownOpcode: start byte or parameter code not in the table
//   - ErrCorruptFrame: malformed length marker
//   - ErrChecksum: value reply trailer does not match the table checksum
//
// # Thread Safety
//
// All encoding and decoding functions are stateless and safe for concurrent use.
// Tables are immutable once registered.
package protocol
