package speaker

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/protocol"
)

const (
	// confirmAttempts bounds the read-back after a source or power change
	confirmAttempts = 5

	// confirmInterval spaces read-backs while the speaker switches inputs
	confirmInterval = 500 * time.Millisecond
)

// Writers return nil when the speaker confirmed the change. Otherwise
// deviceerr.OutcomeOf tells whether the change definitely did not apply or
// may have.

func (s *Speaker) clamp(v float64) float64 {
	return math.Max(0, math.Min(v, s.cfg.MaxVolume))
}

// SetVolume sets the volume to v, clamped to [0, MaxVolume]. The write
// clears mute.
func (s *Speaker) SetVolume(ctx context.Context, v float64) error {
	if math.IsNaN(v) {
		return deviceerr.NewValidationError("volume must be a number")
	}
	req := channel.Set(protocol.ParamVolume, protocol.EncodeVolume(s.clamp(v), false))
	req.Label = "set volume"
	_, err := s.ch.Execute(ctx, req)
	return err
}

// liveVolume reads the volume byte from the speaker
func (s *Speaker) liveVolume(ctx context.Context) (float64, bool, error) {
	resp, err := s.ch.Execute(ctx, channel.Get(protocol.ParamVolume))
	if err != nil {
		return 0, false, err
	}
	level, muted, err := protocol.DecodeVolume(resp.Value)
	if err != nil {
		return 0, false, deviceerr.NewProtocolError("speaker sent an undecodable volume", err, true)
	}
	return level, muted, nil
}

// Mute silences the speaker and keeps its level for Unmute
func (s *Speaker) Mute(ctx context.Context) error {
	level, muted, err := s.liveVolume(ctx)
	if err != nil {
		return err
	}
	if muted {
		return nil
	}
	req := channel.Set(protocol.ParamVolume, protocol.EncodeVolume(level, true))
	req.Label = "mute"
	_, err = s.ch.Execute(ctx, req)
	return err
}

// Unmute restores the level the speaker had before it was muted
func (s *Speaker) Unmute(ctx context.Context) error {
	level, _, err := s.liveVolume(ctx)
	if err != nil {
		return err
	}
	if level == 0 {
		level = s.cache.PreMuteVolume()
	}
	req := channel.Set(protocol.ParamVolume, protocol.EncodeVolume(s.clamp(level), false))
	req.Label = "unmute"
	_, err = s.ch.Execute(ctx, req)
	return err
}

// SetMuted mutes or unmutes
func (s *Speaker) SetMuted(ctx context.Context, muted bool) error {
	if muted {
		return s.Mute(ctx)
	}
	return s.Unmute(ctx)
}

// VolumeUp raises the volume by the configured step
func (s *Speaker) VolumeUp(ctx context.Context) error {
	return s.StepVolume(ctx, s.cfg.VolumeStep)
}

// VolumeDown lowers the volume by the configured step
func (s *Speaker) VolumeDown(ctx context.Context) error {
	return s.StepVolume(ctx, -s.cfg.VolumeStep)
}

// StepVolume changes the volume by delta, clamped to [0, MaxVolume]. The
// step is relative to the level read from the speaker, so it is never
// retried once it reached the wire. Mute state is preserved.
func (s *Speaker) StepVolume(ctx context.Context, delta float64) error {
	if math.IsNaN(delta) {
		return deviceerr.NewValidationError("volume step must be a number")
	}
	level, muted, err := s.liveVolume(ctx)
	if err != nil {
		return err
	}
	target := s.clamp(level + delta)
	if protocol.VolumeLevel(target) == protocol.VolumeLevel(level) {
		return nil
	}
	req := channel.Control(protocol.ParamVolume, protocol.EncodeVolume(target, muted))
	if delta > 0 {
		req.Label = "volume up"
	} else {
		req.Label = "volume down"
	}
	_, err = s.ch.Execute(ctx, req)
	return err
}

// updateSource reads the source byte from the speaker, lets modify change
// its own bits and writes the result back.
func (s *Speaker) updateSource(ctx context.Context, label string, modify func(*protocol.SourceState)) error {
	resp, err := s.ch.Execute(ctx, channel.Get(protocol.ParamSource))
	if err != nil {
		return err
	}
	st, err := protocol.DecodeSourceState(resp.Value)
	if err != nil {
		return deviceerr.NewProtocolError("speaker sent an undecodable source byte", err, true)
	}
	before := st
	modify(&st)
	if st == before {
		return nil
	}
	req := channel.Set(protocol.ParamSource, st.Encode())
	req.Label = label
	_, err = s.ch.Execute(ctx, req)
	return err
}

// confirmSource reads the source byte back until done accepts it. The write
// was already acked, so a speaker that never shows the change is logged and
// not reported. A failed read ends the wait, since a speaker entering standby
// leaves the network.
func (s *Speaker) confirmSource(ctx context.Context, label string, done func(protocol.SourceState) bool) {
	for i := 0; i < confirmAttempts; i++ {
		if i > 0 {
			timer := time.NewTimer(confirmInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		req := channel.Get(protocol.ParamSource)
		req.Label = label + " read-back"
		req.MaxAttempts = 1
		resp, err := s.ch.Execute(ctx, req)
		if err != nil {
			return
		}
		if st, err := protocol.DecodeSourceState(resp.Value); err == nil && done(st) {
			return
		}
	}
	logging.Warn("Speaker acked a change it does not report",
		zap.String("speaker", s.cfg.Address.String()),
		zap.String("request", label),
	)
}

// SetSource selects an input and waits briefly for the speaker to report it
func (s *Speaker) SetSource(ctx context.Context, src protocol.Source) error {
	if !src.Valid() {
		return deviceerr.NewValidationError(fmt.Sprintf("unknown source %s", src))
	}
	err := s.updateSource(ctx, "set source", func(st *protocol.SourceState) {
		st.Source = src
		st.Off = false
	})
	if err != nil {
		return err
	}
	s.confirmSource(ctx, "set source", func(st protocol.SourceState) bool {
		return st.Source == src && !st.Off
	})
	return nil
}

// TurnOff puts the speaker into standby. It drops off the network shortly
// after.
func (s *Speaker) TurnOff(ctx context.Context) error {
	err := s.updateSource(ctx, "turn off", func(st *protocol.SourceState) {
		st.Off = true
	})
	if err != nil {
		return err
	}
	s.confirmSource(ctx, "turn off", func(st protocol.SourceState) bool {
		return st.Off
	})
	return nil
}

// TurnOn always fails: a speaker in standby has no network interface to
// receive the command.
func (s *Speaker) TurnOn(ctx context.Context) error {
	return deviceerr.NewUnsupportedError(
		"power on is not possible over the network: the speaker's network interface is off in standby")
}

// SetChannelsInverted swaps or restores the left and right channels
func (s *Speaker) SetChannelsInverted(ctx context.Context, inverted bool) error {
	return s.updateSource(ctx, "set inverted", func(st *protocol.SourceState) {
		st.Inverted = inverted
	})
}

// SetStandbyTimer sets the auto-standby delay
func (s *Speaker) SetStandbyTimer(ctx context.Context, t protocol.StandbyTimer) error {
	if !t.Valid() {
		return deviceerr.NewValidationError(fmt.Sprintf("unknown standby timer %s", t))
	}
	return s.updateSource(ctx, "set standby timer", func(st *protocol.SourceState) {
		st.Standby = t
	})
}

func (s *Speaker) playback(ctx context.Context, label string, value byte) error {
	req := channel.Control(protocol.ParamPlayback, value)
	req.Label = label
	_, err := s.ch.Execute(ctx, req)
	return err
}

// PlayPause toggles playback
func (s *Speaker) PlayPause(ctx context.Context) error {
	return s.playback(ctx, "play/pause", protocol.PlaybackToggle)
}

// NextTrack skips forward
func (s *Speaker) NextTrack(ctx context.Context) error {
	return s.playback(ctx, "next track", protocol.PlaybackNext)
}

// PreviousTrack skips back
func (s *Speaker) PreviousTrack(ctx context.Context) error {
	return s.playback(ctx, "previous track", protocol.PlaybackPrevious)
}

// SetDSP writes the raw byte of a DSP parameter by name
func (s *Speaker) SetDSP(ctx context.Context, name string, raw byte) error {
	p, ok := s.table.ParamByName(name)
	if !ok || !p.DSP || !p.Access.CanWrite() {
		return deviceerr.NewValidationError(fmt.Sprintf("unknown DSP parameter %q", name))
	}
	if p.Code == protocol.ParamDSPMode {
		if _, err := protocol.DecodeDSPMode(raw); err != nil {
			return deviceerr.NewValidationError(err.Error())
		}
	}
	_, err := s.ch.Execute(ctx, channel.Set(p.Code, raw))
	return err
}

// SetDSPMode writes the DSP mode flags
func (s *Speaker) SetDSPMode(ctx context.Context, mode protocol.DSPMode) error {
	if mode.BassExtension > protocol.BassExtra {
		return deviceerr.NewValidationError(fmt.Sprintf("unknown bass extension %s", mode.BassExtension))
	}
	_, err := s.ch.Execute(ctx, channel.Set(protocol.ParamDSPMode, mode.Encode()))
	return err
}

// Refresh re-reads every readable parameter into the cache. It stops at
// the first unreachable error and returns every failure otherwise.
func (s *Speaker) Refresh(ctx context.Context) error {
	var errs error
	for _, p := range s.table.ReadableParams() {
		req := channel.Get(p.Code)
		req.Label = "refresh " + p.Name
		if _, err := s.ch.Execute(ctx, req); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name, err))
			if deviceerr.IsUnreachable(err) || deviceerr.IsClosed(err) || ctx.Err() != nil {
				break
			}
		}
	}
	if errs != nil {
		logging.Debug("Refresh incomplete",
			zap.String("speaker", s.cfg.Address.String()),
			zap.Error(errs),
		)
	}
	return errs
}
