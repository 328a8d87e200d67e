package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/protocol"
)

// Message types sent to clients
const (
	TypeSnapshot = "snapshot"
	TypeChange   = "change"
	TypeResult   = "result"
)

// Value is one cached state value
type Value struct {
	Value      any     `json:"value"`
	Known      bool    `json:"known"`
	Stale      bool    `json:"stale,omitempty"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

// Snapshot is the full cached state, served by GET /state and sent first
// on every websocket connection
type Snapshot struct {
	Type         string           `json:"type"`
	Speaker      string           `json:"speaker"`
	Reachability string           `json:"reachability"`
	Values       map[string]Value `json:"values"`
}

// ChangeEvent is pushed when a cached value changes
type ChangeEvent struct {
	Type     string    `json:"type"`
	Key      string    `json:"key"`
	Value    any       `json:"value"`
	Previous any       `json:"previous"`
	At       time.Time `json:"at"`
}

// Command is a control request sent by a websocket client, e.g.
//
//	{"id": "1", "action": "set_volume", "value": 0.4}
//	{"action": "set_dsp", "name": "treble_db", "value": 3}
type Command struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Name   string          `json:"name,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Result answers a Command
type Result struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Outcome string `json:"outcome,omitempty"` // set on failures: applied, not applied or unknown
}

func newResult(cmd Command, err error) Result {
	r := Result{Type: TypeResult, ID: cmd.ID, Action: cmd.Action, OK: err == nil}
	if err != nil {
		r.Error = err.Error()
		r.Outcome = deviceerr.OutcomeOf(err).String()
	}
	return r
}

// encodeValue converts cached values to their JSON form. Enumerations are
// sent by name.
func encodeValue(v any) any {
	switch val := v.(type) {
	case protocol.Source:
		return val.String()
	case protocol.StandbyTimer:
		return val.String()
	case protocol.DSPMode:
		return map[string]any{
			"desk_mode":             val.DeskMode,
			"wall_mode":             val.WallMode,
			"phase_correction":      val.PhaseCorrection,
			"high_pass":             val.HighPass,
			"bass_extension":        val.BassExtension.String(),
			"sub_polarity_inverted": val.SubPolarityInverted,
		}
	default:
		return v
	}
}

func newSnapshot(name, reachability string, readings map[string]cache.Reading) Snapshot {
	s := Snapshot{
		Type:         TypeSnapshot,
		Speaker:      name,
		Reachability: reachability,
		Values:       make(map[string]Value, len(readings)),
	}
	for key, r := range readings {
		v := Value{Known: r.Known}
		if r.Known {
			v.Value = encodeValue(r.Value)
			v.Stale = r.Stale
			v.AgeSeconds = r.Age.Seconds()
		}
		s.Values[key] = v
	}
	return s
}

func newChangeEvent(ch cache.Change) ChangeEvent {
	return ChangeEvent{
		Type:     TypeChange,
		Key:      ch.Key,
		Value:    encodeValue(ch.Value),
		Previous: encodeValue(ch.Previous),
		At:       ch.At,
	}
}

type handler func(ctx context.Context, ctl Controller, cmd Command) error

var actions = map[string]handler{
	"set_volume": func(ctx context.Context, ctl Controller, cmd Command) error {
		var v float64
		if err := decodeValue(cmd, &v); err != nil {
			return err
		}
		return ctl.SetVolume(ctx, v)
	},
	"volume_up": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.VolumeUp(ctx)
	},
	"volume_down": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.VolumeDown(ctx)
	},
	"mute": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.Mute(ctx)
	},
	"unmute": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.Unmute(ctx)
	},
	"set_source": func(ctx context.Context, ctl Controller, cmd Command) error {
		var name string
		if err := decodeValue(cmd, &name); err != nil {
			return err
		}
		src, err := protocol.ParseSource(name)
		if err != nil {
			return deviceerr.NewValidationError(err.Error())
		}
		return ctl.SetSource(ctx, src)
	},
	"set_standby": func(ctx context.Context, ctl Controller, cmd Command) error {
		var name string
		if err := decodeValue(cmd, &name); err != nil {
			return err
		}
		timer, err := protocol.ParseStandbyTimer(name)
		if err != nil {
			return deviceerr.NewValidationError(err.Error())
		}
		return ctl.SetStandbyTimer(ctx, timer)
	},
	"set_inverted": func(ctx context.Context, ctl Controller, cmd Command) error {
		var inverted bool
		if err := decodeValue(cmd, &inverted); err != nil {
			return err
		}
		return ctl.SetChannelsInverted(ctx, inverted)
	},
	"set_dsp": func(ctx context.Context, ctl Controller, cmd Command) error {
		var raw byte
		if err := decodeValue(cmd, &raw); err != nil {
			return err
		}
		return ctl.SetDSP(ctx, cmd.Name, raw)
	},
	"turn_off": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.TurnOff(ctx)
	},
	"turn_on": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.TurnOn(ctx)
	},
	"play_pause": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.PlayPause(ctx)
	},
	"next_track": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.NextTrack(ctx)
	},
	"previous_track": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.PreviousTrack(ctx)
	},
	"refresh": func(ctx context.Context, ctl Controller, _ Command) error {
		return ctl.Refresh(ctx)
	},
}

// Actions lists the supported command actions
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeValue(cmd Command, dst any) error {
	if len(cmd.Value) == 0 {
		return deviceerr.NewValidationError(fmt.Sprintf("%s requires a value", cmd.Action))
	}
	if err := json.Unmarshal(cmd.Value, dst); err != nil {
		return deviceerr.NewValidationError(fmt.Sprintf("invalid value for %s: %v", cmd.Action, err))
	}
	return nil
}

// Dispatch runs cmd against ctl
func Dispatch(ctx context.Context, ctl Controller, cmd Command) error {
	h, ok := actions[cmd.Action]
	if !ok {
		return deviceerr.NewValidationError(fmt.Sprintf("unknown action %q", cmd.Action))
	}
	return h(ctx, ctl, cmd)
}
