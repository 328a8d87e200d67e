package speaker

import (
	"context"
	"fmt"
	"time"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/protocol"
)

// Reading is a typed state value. Readers never fail: when the speaker
// cannot be queried they return the cached value flagged Stale, or an
// unknown reading when nothing usable is cached.
type Reading[T any] struct {
	Value T
	Known bool
	Stale bool
	At    time.Time     // When the value was acquired from the speaker
	Age   time.Duration // Time since At

	// Err is why the live query failed, nil when the value came from the
	// speaker or the query was skipped because the speaker is offline
	Err error
}

func typed[T any](r cache.Reading) Reading[T] {
	out := Reading[T]{Known: r.Known, Stale: r.Stale, At: r.At, Age: r.Age}
	if !r.Known {
		return out
	}
	v, ok := r.Value.(T)
	if !ok {
		out.Known = false
		return out
	}
	out.Value = v
	return out
}

// read serves key from the cache while it is fresh. Otherwise it queries
// param, unless the monitor reports the speaker offline, and serves key from
// the cache the reply was written through to.
func read[T any](ctx context.Context, s *Speaker, param byte, key string) Reading[T] {
	if r := typed[T](s.cache.Read(key)); r.Known && !r.Stale {
		return r
	}

	var err error
	if !s.mon.Offline() {
		_, err = s.ch.Execute(ctx, channel.Get(param))
	}
	r := typed[T](s.cache.Read(key))
	switch {
	case err != nil:
		r.Err = err
		r.Stale = true
	case !r.Known && !s.mon.Offline():
		r.Err = deviceerr.NewProtocolError(
			fmt.Sprintf("speaker sent an undecodable %s value", s.table.ParamName(param)),
			protocol.ErrBadValue, true)
	}
	return r
}

// Volume returns the volume as a fraction in [0,1]
func (s *Speaker) Volume(ctx context.Context) Reading[float64] {
	return read[float64](ctx, s, protocol.ParamVolume, cache.KeyVolume)
}

// Muted reports whether the speaker is muted
func (s *Speaker) Muted(ctx context.Context) Reading[bool] {
	return read[bool](ctx, s, protocol.ParamVolume, cache.KeyMuted)
}

// Source returns the selected input
func (s *Speaker) Source(ctx context.Context) Reading[protocol.Source] {
	return read[protocol.Source](ctx, s, protocol.ParamSource, cache.KeySource)
}

// StandbyTimer returns the auto-standby setting
func (s *Speaker) StandbyTimer(ctx context.Context) Reading[protocol.StandbyTimer] {
	return read[protocol.StandbyTimer](ctx, s, protocol.ParamSource, cache.KeyStandbyTimer)
}

// ChannelsInverted reports whether left and right are swapped
func (s *Speaker) ChannelsInverted(ctx context.Context) Reading[bool] {
	return read[bool](ctx, s, protocol.ParamSource, cache.KeyInverted)
}

// IsOn reports whether the speaker is powered. An offline speaker is
// reported off: its network interface only exists while it is on.
func (s *Speaker) IsOn(ctx context.Context) Reading[bool] {
	if s.mon.Offline() {
		return Reading[bool]{Value: false, Known: true, At: time.Now()}
	}
	return read[bool](ctx, s, protocol.ParamSource, cache.KeyPower)
}

// DSPMode returns the decoded DSP mode flags
func (s *Speaker) DSPMode(ctx context.Context) Reading[protocol.DSPMode] {
	return read[protocol.DSPMode](ctx, s, protocol.ParamDSPMode, cache.KeyDSPMode)
}

// DSP returns the raw byte of a DSP parameter by name, e.g. "treble_db"
func (s *Speaker) DSP(ctx context.Context, name string) Reading[byte] {
	p, ok := s.table.ParamByName(name)
	if !ok || !p.DSP || !p.Access.CanRead() {
		return Reading[byte]{Err: deviceerr.NewValidationError(
			fmt.Sprintf("unknown DSP parameter %q", name))}
	}
	return read[byte](ctx, s, p.Code, cache.DSPKey(p.Name))
}

// Status is a point-in-time view of the cached speaker state
type Status struct {
	Name         string
	Address      string
	Reachability string
	Online       bool
	Volume       Reading[float64]
	Muted        Reading[bool]
	Source       Reading[protocol.Source]
	StandbyTimer Reading[protocol.StandbyTimer]
	Inverted     Reading[bool]
	On           Reading[bool]
	DSPMode      Reading[protocol.DSPMode]
	PreMute      float64
}

// Current builds a Status from the cache without touching the network
func (s *Speaker) Current() Status {
	st := Status{
		Name:         s.cfg.Name,
		Address:      s.cfg.Address.String(),
		Reachability: s.mon.State().String(),
		Online:       s.mon.Online(),
		Volume:       typed[float64](s.cache.Read(cache.KeyVolume)),
		Muted:        typed[bool](s.cache.Read(cache.KeyMuted)),
		Source:       typed[protocol.Source](s.cache.Read(cache.KeySource)),
		StandbyTimer: typed[protocol.StandbyTimer](s.cache.Read(cache.KeyStandbyTimer)),
		Inverted:     typed[bool](s.cache.Read(cache.KeyInverted)),
		On:           typed[bool](s.cache.Read(cache.KeyPower)),
		DSPMode:      typed[protocol.DSPMode](s.cache.Read(cache.KeyDSPMode)),
		PreMute:      s.cache.PreMuteVolume(),
	}
	if s.mon.Offline() {
		st.On = Reading[bool]{Value: false, Known: true, At: time.Now()}
	}
	return st
}
