package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		wantErr  error
		wantRest int
		verify   func(t *testing.T, f *Frame)
	}{
		{
			name: "get request",
			data: []byte{'G', ParamVolume, 0x80},
			verify: func(t *testing.T, f *Frame) {
				if f.Kind != KindGet {
					t.Errorf("kind = %s, want get", f.Kind)
				}
				if f.Param != ParamVolume {
					t.Errorf("param = 0x%02x, want 0x%02x", f.Param, ParamVolume)
				}
			},
		},
		{
			name: "set request",
			data: []byte{'S', ParamVolume, 0x81, 0x1E},
			verify: func(t *testing.T, f *Frame) {
				if f.Kind != KindSet {
					t.Errorf("kind = %s, want set", f.Kind)
				}
				if f.Byte() != 0x1E {
					t.Errorf("value = 0x%02x, want 0x1e", f.Byte())
				}
			},
		},
		{
			name: "accepted status reply",
			data: []byte{'R', 0x11, 0xFF},
			verify: func(t *testing.T, f *Frame) {
				if !f.Accepted() {
					t.Errorf("status frame %s should be accepted", f)
				}
			},
		},
		{
			name: "rejected status reply",
			data: []byte{'R', 0x11, 0x00},
			verify: func(t *testing.T, f *Frame) {
				if f.Accepted() {
					t.Error("status 0x00 should not be accepted")
				}
			},
		},
		{
			name: "value reply",
			data: []byte{'R', ParamSource, 0x81, 0x12, 0x6C},
			verify: func(t *testing.T, f *Frame) {
				if f.Kind != KindValue {
					t.Errorf("kind = %s, want value", f.Kind)
				}
				if f.Byte() != 0x12 {
					t.Errorf("value = 0x%02x, want 0x12", f.Byte())
				}
				if f.Trailer != 0x6C {
					t.Errorf("trailer = 0x%02x, want 0x6c", f.Trailer)
				}
			},
		},
		{
			name:     "trailing bytes returned as remainder",
			data:     []byte{'R', 0x11, 0xFF, 'R', ParamVolume},
			wantRest: 2,
		},
		{name: "empty buffer", data: nil, wantErr: ErrNeedMore},
		{name: "start byte only", data: []byte{'R'}, wantErr: ErrNeedMore},
		{name: "partial status", data: []byte{'R', 0x11}, wantErr: ErrNeedMore},
		{name: "partial value reply", data: []byte{'R', ParamVolume, 0x81, 0x10}, wantErr: ErrNeedMore},
		{name: "partial set", data: []byte{'S', ParamVolume, 0x81}, wantErr: ErrNeedMore},
		{name: "bad start byte", data: []byte{0x00, ParamVolume, 0x80}, wantErr: ErrUnknownOpcode},
		{name: "unknown parameter", data: []byte{'R', 0x7A, 0x81, 0x01, 0x00}, wantErr: ErrUnknownOpcode},
		{name: "marker without high bit", data: []byte{'R', ParamVolume, 0x01, 0x10, 0x00}, wantErr: ErrCorruptFrame},
		{name: "value too long", data: []byte{'R', ParamVolume, 0x87}, wantErr: ErrCorruptFrame},
		{name: "get with value", data: []byte{'G', ParamVolume, 0x81, 0x10}, wantErr: ErrCorruptFrame},
		{name: "set without value", data: []byte{'S', ParamVolume, 0x80}, wantErr: ErrCorruptFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, rest, err := LS50WirelessV1.Decode(tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if len(rest) != tt.wantRest {
				t.Errorf("remainder = %d bytes, want %d", len(rest), tt.wantRest)
			}
			if tt.verify != nil {
				tt.verify(t, f)
			}
		})
	}
}

func TestDecode_ProtocolErrorDetails(t *testing.T) {
	_, _, err := LS50WirelessV1.Decode([]byte{'R', ParamVolume, 0x01, 0x10, 0x00})

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error %T is not a *ProtocolError", err)
	}
	if perr.Offset != 2 {
		t.Errorf("offset = %d, want 2", perr.Offset)
	}
	if perr.Byte != 0x01 {
		t.Errorf("byte = 0x%02x, want 0x01", perr.Byte)
	}
	if !IsProtocolError(err) {
		t.Error("IsProtocolError() = false, want true")
	}
	if IsProtocolError(ErrNeedMore) {
		t.Error("ErrNeedMore must not count as a protocol error")
	}
}

func TestDecode_Checksum(t *testing.T) {
	table := NewTable("test-sum", SumChecksum,
		Param{Name: "volume", Code: ParamVolume, Access: AccessRead | AccessWrite},
	)

	good, err := table.EncodeValue(ParamVolume, 0x20)
	if err != nil {
		t.Fatalf("EncodeValue() error = %v", err)
	}
	if _, _, err := table.Decode(good); err != nil {
		t.Fatalf("Decode(good) error = %v", err)
	}

	bad := append([]byte(nil), good...)
	bad[len(bad)-1]++
	if _, _, err := table.Decode(bad); !errors.Is(err, ErrChecksum) {
		t.Errorf("Decode(bad) error = %v, want ErrChecksum", err)
	}
}

func TestDecode_MultipleFramesInOneRead(t *testing.T) {
	var buf []byte
	buf = append(buf, LS50WirelessV1.EncodeStatus(StatusAccepted)...)
	v, _ := LS50WirelessV1.EncodeValue(ParamVolume, 0x28)
	buf = append(buf, v...)
	s, _ := LS50WirelessV1.EncodeValue(ParamSource, 0x12)
	buf = append(buf, s...)

	var kinds []Kind
	for len(buf) > 0 {
		f, rest, err := LS50WirelessV1.Decode(buf)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		kinds = append(kinds, f.Kind)
		buf = rest
	}

	want := []Kind{KindStatus, KindValue, KindValue}
	if len(kinds) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("frame %d kind = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestSplit(t *testing.T) {
	v, _ := LS50WirelessV1.EncodeValue(ParamVolume, 0x28)
	stream := append(LS50WirelessV1.EncodeStatus(StatusAccepted), v...)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(LS50WirelessV1.Split)

	var tokens [][]byte
	for scanner.Scan() {
		tokens = append(tokens, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error = %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("got %d tokens, want 2", len(tokens))
	}
	if !bytes.Equal(tokens[1], v) {
		t.Errorf("token[1] = %x, want %x", tokens[1], v)
	}
}

func TestSplit_TruncatedAtEOF(t *testing.T) {
	scanner := bufio.NewScanner(bytes.NewReader([]byte{'R', ParamVolume, 0x81}))
	scanner.Split(LS50WirelessV1.Split)
	for scanner.Scan() {
		t.Errorf("unexpected token %x", scanner.Bytes())
	}
	if !errors.Is(scanner.Err(), ErrNeedMore) {
		t.Errorf("scanner error = %v, want ErrNeedMore", scanner.Err())
	}
}

func TestDump(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte{'G', ParamVolume, 0x80}, "472580 [get volume]"},
		{[]byte{'S', ParamSource, 0x81, 0x12}, "53308112 [set source=0x12]"},
		{[]byte{'R', 0x11, 0xFF}, "5211ff [status accepted]"},
		{nil, "(empty)"},
	}
	for _, tt := range tests {
		if got := LS50WirelessV1.Dump(tt.data); got != tt.want {
			t.Errorf("Dump(%x) = %q, want %q", tt.data, got, tt.want)
		}
	}
}
