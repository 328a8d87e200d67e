package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Frame start bytes
const (
	StartGet   = 'G' // 0x47
	StartSet   = 'S' // 0x53
	StartReply = 'R' // 0x52
)

// Reply status codes
const (
	StatusParam    = 0x11 // Parameter slot used by status replies
	StatusAccepted = 0xFF // Device applied the request
)

const (
	// LengthMarker is OR'ed with the value length to form the third frame byte.
	LengthMarker = 0x80

	// MaxValueLen is the longest value any known firmware sends.
	MaxValueLen = 4
)

// Parameter codes shared by the LS50 Wireless firmware family.
const (
	ParamVolume   byte = '%'  // 0x25
	ParamSource   byte = '0'  // 0x30
	ParamPlayback byte = '1'  // 0x31
	ParamDSPMode  byte = '\'' // 0x27
	ParamDeskDB   byte = '('  // 0x28
	ParamWallDB   byte = ')'  // 0x29
	ParamTrebleDB byte = '*'  // 0x2A
	ParamHighHz   byte = '+'  // 0x2B
	ParamLowHz    byte = ','  // 0x2C
	ParamSubDB    byte = '-'  // 0x2D
)

// Playback control values written to ParamPlayback.
const (
	PlaybackToggle   byte = 0x81
	PlaybackNext     byte = 0x82
	PlaybackPrevious byte = 0x83
)

// Access describes which operations a parameter supports.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// CanRead reports whether the parameter may be queried.
func (a Access) CanRead() bool { return a&AccessRead != 0 }

// CanWrite reports whether the parameter may be set.
func (a Access) CanWrite() bool { return a&AccessWrite != 0 }

// Param describes one addressable device parameter.
type Param struct {
	Name   string // Stable identifier, e.g. "volume"
	Code   byte   // Wire code
	Access Access
	DSP    bool // Part of the DSP tuning group
}

// Table is a firmware-specific opcode table.
type Table struct {
	Firmware string

	// Checksum computes the value reply trailer over the preceding bytes.
	// Nil means the trailer is opaque and not validated.
	Checksum func(frame []byte) byte

	byCode map[byte]Param
	byName map[string]Param
}

// NewTable builds a table from a parameter list. Duplicate codes or names panic,
// since tables are declared statically.
func NewTable(firmware string, checksum func([]byte) byte, params ...Param) *Table {
	t := &Table{
		Firmware: firmware,
		Checksum: checksum,
		byCode:   make(map[byte]Param, len(params)),
		byName:   make(map[string]Param, len(params)),
	}
	for _, p := range params {
		if p.Code == StatusParam {
			panic(fmt.Sprintf("protocol: table %s: code 0x%02x is reserved for status replies", firmware, p.Code))
		}
		if _, dup := t.byCode[p.Code]; dup {
			panic(fmt.Sprintf("protocol: table %s: duplicate code 0x%02x", firmware, p.Code))
		}
		if _, dup := t.byName[p.Name]; dup {
			panic(fmt.Sprintf("protocol: table %s: duplicate name %q", firmware, p.Name))
		}
		t.byCode[p.Code] = p
		t.byName[p.Name] = p
	}
	return t
}

// Param returns the parameter registered under code.
func (t *Table) Param(code byte) (Param, bool) {
	p, ok := t.byCode[code]
	return p, ok
}

// ParamByName returns the parameter registered under name.
func (t *Table) ParamByName(name string) (Param, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Params returns all parameters ordered by wire code.
func (t *Table) Params() []Param {
	out := make([]Param, 0, len(t.byCode))
	for _, p := range t.byCode {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// DSPParams returns the DSP tuning parameters ordered by wire code.
func (t *Table) DSPParams() []Param {
	var out []Param
	for _, p := range t.Params() {
		if p.DSP {
			out = append(out, p)
		}
	}
	return out
}

// ReadableParams returns every parameter that can be queried, ordered by code.
func (t *Table) ReadableParams() []Param {
	var out []Param
	for _, p := range t.Params() {
		if p.Access.CanRead() {
			out = append(out, p)
		}
	}
	return out
}

// ParamName returns a printable name for a code, known or not.
func (t *Table) ParamName(code byte) string {
	if code == StatusParam {
		return "status"
	}
	if p, ok := t.byCode[code]; ok {
		return p.Name
	}
	return fmt.Sprintf("unknown(0x%02x)", code)
}

// LS50WirelessV1 is the opcode table for LS50 Wireless firmware observed in
// the field. Its value reply trailer is not validated.
var LS50WirelessV1 = NewTable("ls50w-v1", nil,
	Param{Name: "volume", Code: ParamVolume, Access: AccessRead | AccessWrite},
	Param{Name: "source", Code: ParamSource, Access: AccessRead | AccessWrite},
	Param{Name: "playback", Code: ParamPlayback, Access: AccessWrite},
	Param{Name: "dsp_mode", Code: ParamDSPMode, Access: AccessRead | AccessWrite, DSP: true},
	Param{Name: "desk_db", Code: ParamDeskDB, Access: AccessRead | AccessWrite, DSP: true},
	Param{Name: "wall_db", Code: ParamWallDB, Access: AccessRead | AccessWrite, DSP: true},
	Param{Name: "treble_db", Code: ParamTrebleDB, Access: AccessRead | AccessWrite, DSP: true},
	Param{Name: "high_hz", Code: ParamHighHz, Access: AccessRead | AccessWrite, DSP: true},
	Param{Name: "low_hz", Code: ParamLowHz, Access: AccessRead | AccessWrite, DSP: true},
	Param{Name: "sub_db", Code: ParamSubDB, Access: AccessRead | AccessWrite, DSP: true},
)

// DefaultFirmware names the table used when none is configured.
const DefaultFirmware = "ls50w-v1"

var (
	registryMu sync.RWMutex
	registry   = map[string]*Table{
		LS50WirelessV1.Firmware: LS50WirelessV1,
	}
)

// Register adds a table to the firmware registry, replacing any table with the
// same firmware name.
func Register(t *Table) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t.Firmware] = t
}

// Lookup returns the table registered for firmware. An empty name selects
// DefaultFirmware.
func Lookup(firmware string) (*Table, error) {
	if firmware == "" {
		firmware = DefaultFirmware
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[firmware]
	if !ok {
		return nil, fmt.Errorf("no opcode table for firmware %q", firmware)
	}
	return t, nil
}

// Firmwares lists the registered firmware names in sorted order.
func Firmwares() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SumChecksum is an additive mod-256 checksum usable by tables whose firmware
// validates the value reply trailer.
func SumChecksum(frame []byte) byte {
	var sum byte
	for _, b := range frame {
		sum += b
	}
	return sum
}
