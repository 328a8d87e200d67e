package protocol

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrBadValue means a value byte decodes to nothing the table defines.
var ErrBadValue = errors.New("unrecognized value")

// Volume byte layout: bits 0-6 level on a 0..VolumeScale scale, bit 7 mute.
const (
	VolumeScale = 100
	MuteBit     = 0x80
	levelMask   = 0x7F
)

// VolumeLevel converts a fraction to the device scale: nearest integer,
// halves rounded away from zero, clamped to 0..VolumeScale.
func VolumeLevel(v float64) byte {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return VolumeScale
	}
	return byte(math.Round(v * VolumeScale))
}

// EncodeVolume builds the volume byte for a fraction and mute flag.
func EncodeVolume(v float64, muted bool) byte {
	b := VolumeLevel(v)
	if muted {
		b |= MuteBit
	}
	return b
}

// DecodeVolume splits a volume byte into a fraction and mute flag.
func DecodeVolume(b byte) (float64, bool, error) {
	level := b & levelMask
	if level > VolumeScale {
		return 0, false, fmt.Errorf("%w: volume level %d above %d", ErrBadValue, level, VolumeScale)
	}
	return float64(level) / VolumeScale, b&MuteBit != 0, nil
}

// Source is an input source selectable on the speaker.
type Source uint8

// Source codes occupy bits 0-3 of the source byte.
const (
	SourceWifi      Source = 0x2
	SourceBluetooth Source = 0x9
	SourceAux       Source = 0xA
	SourceOptical   Source = 0xB
	SourceUSB       Source = 0xC

	// sourceBluetoothUnpaired is reported while no Bluetooth device is paired.
	sourceBluetoothUnpaired Source = 0xF
)

var sourceNames = map[Source]string{
	SourceWifi:      "wifi",
	SourceBluetooth: "bluetooth",
	SourceAux:       "aux",
	SourceOptical:   "optical",
	SourceUSB:       "usb",
}

// Sources lists the selectable sources in display order.
func Sources() []Source {
	return []Source{SourceWifi, SourceBluetooth, SourceAux, SourceOptical, SourceUSB}
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Source(0x%x)", uint8(s))
}

// Valid reports whether s is a selectable source.
func (s Source) Valid() bool {
	_, ok := sourceNames[s]
	return ok
}

// ParseSource resolves a source name, case-insensitively. "opt" is accepted
// for optical, matching the labels printed on the speaker.
func ParseSource(name string) (Source, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "opt" {
		n = "optical"
	}
	for s, sn := range sourceNames {
		if sn == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown source %q (valid: wifi, bluetooth, aux, optical, usb)", name)
}

// StandbyTimer is the auto-standby delay held in bits 4-5 of the source byte.
type StandbyTimer uint8

const (
	StandbyNever StandbyTimer = 0
	Standby20Min StandbyTimer = 1
	Standby60Min StandbyTimer = 2
)

func (st StandbyTimer) String() string {
	switch st {
	case StandbyNever:
		return "never"
	case Standby20Min:
		return "20m"
	case Standby60Min:
		return "60m"
	default:
		return fmt.Sprintf("StandbyTimer(%d)", uint8(st))
	}
}

// Valid reports whether st is one of the allowed durations.
func (st StandbyTimer) Valid() bool {
	return st <= Standby60Min
}

// StandbyTimers lists the allowed durations.
func StandbyTimers() []StandbyTimer {
	return []StandbyTimer{Standby20Min, Standby60Min, StandbyNever}
}

// ParseStandbyTimer accepts "20m", "60m", "never" and their long forms.
func ParseStandbyTimer(s string) (StandbyTimer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "20", "20m", "20min":
		return Standby20Min, nil
	case "60", "60m", "60min", "1h":
		return Standby60Min, nil
	case "never", "off", "0":
		return StandbyNever, nil
	default:
		return 0, fmt.Errorf("unknown standby timer %q (valid: 20m, 60m, never)", s)
	}
}

// Source byte layout.
const (
	sourceMask    = 0x0F
	standbyShift  = 4
	standbyMask   = 0x30
	invertedBit   = 0x40
	standbyOffBit = 0x80
)

// SourceState is the decoded source byte. The speaker packs input source,
// standby timer, channel orientation and power state into one parameter.
type SourceState struct {
	Source   Source
	Standby  StandbyTimer
	Inverted bool // Left and right channels swapped
	Off      bool // Speaker is in standby
}

// Encode builds the wire byte.
func (s SourceState) Encode() byte {
	b := byte(s.Source) & sourceMask
	b |= (byte(s.Standby) << standbyShift) & standbyMask
	if s.Inverted {
		b |= invertedBit
	}
	if s.Off {
		b |= standbyOffBit
	}
	return b
}

// DecodeSourceState parses the source byte.
func DecodeSourceState(b byte) (SourceState, error) {
	src := Source(b & sourceMask)
	if src == sourceBluetoothUnpaired {
		src = SourceBluetooth
	}
	if !src.Valid() {
		return SourceState{}, fmt.Errorf("%w: source code 0x%x", ErrBadValue, b&sourceMask)
	}
	st := StandbyTimer((b & standbyMask) >> standbyShift)
	if !st.Valid() {
		return SourceState{}, fmt.Errorf("%w: standby code %d", ErrBadValue, st)
	}
	return SourceState{
		Source:   src,
		Standby:  st,
		Inverted: b&invertedBit != 0,
		Off:      b&standbyOffBit != 0,
	}, nil
}

// BassExtension selects the low-frequency extension preset.
type BassExtension uint8

const (
	BassStandard BassExtension = 0
	BassLess     BassExtension = 1
	BassExtra    BassExtension = 2
)

func (b BassExtension) String() string {
	switch b {
	case BassStandard:
		return "standard"
	case BassLess:
		return "less"
	case BassExtra:
		return "extra"
	default:
		return fmt.Sprintf("BassExtension(%d)", uint8(b))
	}
}

// DSP mode byte layout.
const (
	dspDesk      = 0x01
	dspWall      = 0x02
	dspPhase     = 0x04
	dspHighPass  = 0x08
	dspBassShift = 4
	dspBassMask  = 0x30
	dspSubPol    = 0x40
	dspReserved  = 0x80
)

// DSPMode is the decoded dsp_mode byte.
type DSPMode struct {
	DeskMode            bool
	WallMode            bool
	PhaseCorrection     bool
	HighPass            bool
	BassExtension       BassExtension
	SubPolarityInverted bool
}

// Encode builds the wire byte.
func (m DSPMode) Encode() byte {
	var b byte
	if m.DeskMode {
		b |= dspDesk
	}
	if m.WallMode {
		b |= dspWall
	}
	if m.PhaseCorrection {
		b |= dspPhase
	}
	if m.HighPass {
		b |= dspHighPass
	}
	b |= (byte(m.BassExtension) << dspBassShift) & dspBassMask
	if m.SubPolarityInverted {
		b |= dspSubPol
	}
	return b
}

// DecodeDSPMode parses the dsp_mode byte.
func DecodeDSPMode(b byte) (DSPMode, error) {
	if b&dspReserved != 0 {
		return DSPMode{}, fmt.Errorf("%w: dsp mode reserved bit set (0x%02x)", ErrBadValue, b)
	}
	bass := BassExtension((b & dspBassMask) >> dspBassShift)
	if bass > BassExtra {
		return DSPMode{}, fmt.Errorf("%w: bass extension code %d", ErrBadValue, bass)
	}
	return DSPMode{
		DeskMode:            b&dspDesk != 0,
		WallMode:            b&dspWall != 0,
		PhaseCorrection:     b&dspPhase != 0,
		HighPass:            b&dspHighPass != 0,
		BassExtension:       bass,
		SubPolarityInverted: b&dspSubPol != 0,
	}, nil
}
