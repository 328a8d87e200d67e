package speaker

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/monitor"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/simulator"
	"github.com/kefctl/kefctl/internal/transport"
)

func startSim(t *testing.T, cfg simulator.Config) *simulator.Server {
	t.Helper()
	sim := simulator.New(cfg)
	require.NoError(t, sim.Start())
	t.Cleanup(func() { _ = sim.Shutdown(context.Background()) })
	return sim
}

func testConfig(addr transport.Address) Config {
	return Config{
		Name:            "test",
		Address:         addr,
		ConnectTimeout:  200 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
		ConnectAttempts: 2,
		Retry: channel.RetryPolicy{
			Attempts:        3,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
		ProbeInterval: 20 * time.Millisecond,
		ProbeTimeout:  time.Second,
	}
}

func newSpeaker(t *testing.T, sim *simulator.Server, mutate ...func(*Config)) *Speaker {
	t.Helper()
	cfg := testConfig(sim.Address())
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countKind(frames []protocol.Frame, kind protocol.Kind) int {
	n := 0
	for _, f := range frames {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Address: transport.NewAddress("kef.test", 0), Firmware: "no-such-firmware"})
	assert.Error(t, err)

	_, err = New(Config{Address: transport.NewAddress("kef.test", 0), MaxVolume: 1.5})
	assert.Error(t, err)

	s, err := New(Config{Address: transport.NewAddress("kef.test", 0)})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "kef.test", s.Name())
	assert.Equal(t, transport.DefaultPort, s.Address().Port)
	assert.Equal(t, protocol.DefaultFirmware, s.Table().Firmware)
}

func TestVolumeRoundTrip(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	for i := 0; i <= 20; i++ {
		v := float64(i) / 20
		require.NoError(t, s.SetVolume(ctx, v))
		got := s.Volume(ctx)
		require.NoError(t, got.Err)
		require.True(t, got.Known)
		assert.False(t, got.Stale)
		assert.InDelta(t, v, got.Value, 0.005, "volume %v", v)
	}
}

func TestMuteUnmuteScenario(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	assert.InDelta(t, 0.30, s.Volume(ctx).Value, 0.005)

	require.NoError(t, s.SetVolume(ctx, 0.8))

	for cycle := 0; cycle < 3; cycle++ {
		require.NoError(t, s.Mute(ctx))
		muted := s.Muted(ctx)
		require.True(t, muted.Known)
		assert.True(t, muted.Value, "cycle %d", cycle)
		assert.InDelta(t, 0.8, s.PreMuteVolume(), 0.005)

		require.NoError(t, s.Unmute(ctx))
		assert.False(t, s.Muted(ctx).Value)
		assert.InDelta(t, 0.8, s.Volume(ctx).Value, 0.005, "cycle %d", cycle)
	}

	require.NoError(t, s.SetMuted(ctx, true))
	assert.Equal(t, byte(80|protocol.MuteBit), sim.State().Volume)
	require.NoError(t, s.SetMuted(ctx, false))
	assert.Equal(t, byte(80), sim.State().Volume)
}

func TestStepVolumeClamps(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	require.NoError(t, s.SetVolume(ctx, 0.97))
	require.NoError(t, s.VolumeUp(ctx))
	assert.Equal(t, byte(100), sim.State().Volume)

	sim.ResetRequests()
	require.NoError(t, s.VolumeUp(ctx))
	assert.Equal(t, byte(100), sim.State().Volume)
	assert.Equal(t, 0, countKind(sim.Requests(), protocol.KindSet), "no write at the ceiling")

	require.NoError(t, s.SetVolume(ctx, 0.02))
	require.NoError(t, s.VolumeDown(ctx))
	assert.Equal(t, byte(0), sim.State().Volume)

	require.NoError(t, s.StepVolume(ctx, 0.25))
	assert.Equal(t, byte(25), sim.State().Volume)
}

func TestStepVolumeKeepsMute(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	require.NoError(t, s.SetVolume(ctx, 0.5))
	require.NoError(t, s.Mute(ctx))
	require.NoError(t, s.VolumeUp(ctx))
	assert.Equal(t, byte(55|protocol.MuteBit), sim.State().Volume)
}

func TestMaxVolumeCeiling(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim, func(c *Config) { c.MaxVolume = 0.5 })
	ctx := context.Background()

	require.NoError(t, s.SetVolume(ctx, 0.9))
	assert.Equal(t, byte(50), sim.State().Volume)

	require.NoError(t, s.VolumeUp(ctx))
	assert.Equal(t, byte(50), sim.State().Volume)

	assert.True(t, deviceerr.IsValidationError(s.SetVolume(ctx, math.NaN())))
}

func TestSourceByteWriters(t *testing.T) {
	initial := simulator.DefaultState(protocol.LS50WirelessV1)
	initial.Source = protocol.SourceState{
		Source:   protocol.SourceOptical,
		Standby:  protocol.Standby60Min,
		Inverted: true,
	}.Encode()
	sim := startSim(t, simulator.Config{State: &initial})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	decode := func() protocol.SourceState {
		st, err := protocol.DecodeSourceState(sim.State().Source)
		require.NoError(t, err)
		return st
	}

	require.NoError(t, s.SetSource(ctx, protocol.SourceAux))
	assert.Equal(t, protocol.SourceState{
		Source: protocol.SourceAux, Standby: protocol.Standby60Min, Inverted: true,
	}, decode())

	require.NoError(t, s.SetStandbyTimer(ctx, protocol.StandbyNever))
	assert.Equal(t, protocol.SourceState{
		Source: protocol.SourceAux, Standby: protocol.StandbyNever, Inverted: true,
	}, decode())

	require.NoError(t, s.SetChannelsInverted(ctx, false))
	assert.Equal(t, protocol.SourceState{
		Source: protocol.SourceAux, Standby: protocol.StandbyNever,
	}, decode())

	assert.Equal(t, protocol.SourceAux, s.Source(ctx).Value)
	assert.Equal(t, protocol.StandbyNever, s.StandbyTimer(ctx).Value)
	assert.False(t, s.ChannelsInverted(ctx).Value)
	assert.True(t, s.IsOn(ctx).Value)

	// A remote control changes the source behind our back
	sim.Poke(protocol.ParamSource, protocol.SourceState{Source: protocol.SourceUSB}.Encode())
	require.NoError(t, s.SetChannelsInverted(ctx, true))
	assert.Equal(t, protocol.SourceUSB, decode().Source, "writers start from the device's byte")
}

func TestSetSourceReadsBack(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)

	require.NoError(t, s.SetSource(context.Background(), protocol.SourceBluetooth))

	var kinds []protocol.Kind
	for _, f := range sim.Requests() {
		require.Equal(t, protocol.ParamSource, f.Param)
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []protocol.Kind{protocol.KindGet, protocol.KindSet, protocol.KindGet}, kinds,
		"read, write, then one read-back that already matches")
	assert.Equal(t, protocol.SourceBluetooth, s.Current().Source.Value)
}

func TestClosedEnumerations(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	assert.True(t, deviceerr.IsValidationError(s.SetSource(ctx, protocol.Source(0x3))))
	assert.True(t, deviceerr.IsValidationError(s.SetStandbyTimer(ctx, protocol.StandbyTimer(3))))
	assert.True(t, deviceerr.IsValidationError(s.SetDSP(ctx, "volume", 1)))
	assert.True(t, deviceerr.IsValidationError(s.SetDSP(ctx, "dsp_mode", 0x80)))
	assert.True(t, deviceerr.IsValidationError(s.SetDSPMode(ctx, protocol.DSPMode{BassExtension: 3})))
	assert.Empty(t, sim.Requests(), "nothing reaches the wire")
}

func TestTurnOnUnsupported(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)

	start := time.Now()
	err := s.TurnOn(context.Background())
	require.Error(t, err)
	assert.True(t, deviceerr.IsUnsupported(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, sim.Requests())
	assert.Equal(t, deviceerr.OutcomeNotApplied, deviceerr.OutcomeOf(err))
}

func TestTurnOffDropsSpeaker(t *testing.T) {
	sim := startSim(t, simulator.Config{DropOnPowerOff: true})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, s.TurnOff(ctx))
	assert.Less(t, time.Since(start), confirmInterval, "a speaker leaving the network ends the read-back")
	require.Eventually(t, func() bool { return !sim.Online() }, time.Second, 5*time.Millisecond)

	st, err := protocol.DecodeSourceState(sim.State().Source)
	require.NoError(t, err)
	assert.True(t, st.Off)
	assert.Equal(t, protocol.SourceWifi, st.Source, "source bits untouched")

	assert.False(t, s.Current().On.Value)
}

func TestOfflineReadsAreStale(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	sim.GoOffline()

	state, err := s.Probe(ctx)
	require.Error(t, err)
	require.Equal(t, monitor.Offline, state)

	sim.ResetRequests()
	start := time.Now()
	v := s.Volume(ctx)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "offline reads skip the network")
	assert.True(t, v.Known)
	assert.True(t, v.Stale)
	assert.NoError(t, v.Err)
	assert.InDelta(t, 0.30, v.Value, 0.005)

	src := s.Source(ctx)
	assert.True(t, src.Stale)
	assert.Equal(t, protocol.SourceWifi, src.Value)

	on := s.IsOn(ctx)
	assert.True(t, on.Known)
	assert.False(t, on.Value)

	assert.True(t, deviceerr.IsUnsupported(s.TurnOn(ctx)))
	assert.False(t, s.Online())
	assert.Equal(t, false, s.Snapshot()[cache.KeyOnline].Value)
}

func TestAckTimeoutIsUnknownOutcome(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	// The volume read succeeds, the relative write is applied but never acked
	sim.Inject(simulator.FaultNone, simulator.FaultSilent)
	err := s.VolumeUp(ctx)
	require.Error(t, err)
	assert.True(t, deviceerr.IsTimeout(err))
	assert.False(t, deviceerr.IsUnreachable(err))
	assert.Equal(t, deviceerr.OutcomeUnknown, deviceerr.OutcomeOf(err))

	assert.Equal(t, byte(35), sim.State().Volume, "the speaker did apply it")
	assert.Equal(t, 1, countKind(sim.Requests(), protocol.KindSet), "never retried")
}

// dropAfterFirstDial connects once, then refuses like a speaker that went
// into standby
type dropAfterFirstDial struct {
	dials atomic.Int32
}

func (d *dropAfterFirstDial) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.dials.Add(1) > 1 {
		return nil, &net.OpError{Op: "dial", Net: network, Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}

func TestIdempotentWriteAckTimeoutIsUnknownOutcome(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	dialer := &dropAfterFirstDial{}
	s, err := New(testConfig(sim.Address()), WithDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// The write lands and is never acked; reconnecting for the retry fails
	sim.Inject(simulator.FaultSilent)
	err = s.SetVolume(context.Background(), 0.8)
	require.Error(t, err)
	assert.True(t, deviceerr.IsTimeout(err), "got %v", err)
	assert.False(t, deviceerr.IsUnreachable(err))
	assert.Equal(t, deviceerr.OutcomeUnknown, deviceerr.OutcomeOf(err))

	assert.Equal(t, byte(80), sim.State().Volume, "the speaker did apply it")
	assert.Equal(t, 1, countKind(sim.Requests(), protocol.KindSet))
	assert.Greater(t, dialer.dials.Load(), int32(1), "a reconnect was attempted")
}

func TestFreshReadsServedFromCache(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	sim.ResetRequests()

	for i := 0; i < 5; i++ {
		v := s.Volume(ctx)
		require.True(t, v.Known)
		assert.False(t, v.Stale)
		assert.InDelta(t, 0.30, v.Value, 0.005)
	}
	assert.Equal(t, protocol.SourceWifi, s.Source(ctx).Value)
	assert.Empty(t, sim.Requests(), "fresh values never reach the wire")
}

func TestStaleReadsQueryTheSpeaker(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim, func(c *Config) { c.FreshFor = time.Millisecond })
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	sim.Poke(protocol.ParamVolume, 55)
	time.Sleep(5 * time.Millisecond)
	sim.ResetRequests()

	v := s.Volume(ctx)
	require.NoError(t, v.Err)
	assert.InDelta(t, 0.55, v.Value, 0.005)
	assert.Equal(t, 1, countKind(sim.Requests(), protocol.KindGet))
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)

	sim.Inject(simulator.FaultDrop)
	v := s.Volume(context.Background())
	require.NoError(t, v.Err)
	assert.InDelta(t, 0.30, v.Value, 0.005)

	assert.Equal(t, 2, countKind(sim.Requests(), protocol.KindGet), "one retry")
	assert.Equal(t, 2, sim.Accepts(), "reconnected once")
}

func TestRejectedWriteNotApplied(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)

	sim.Inject(simulator.FaultReject)
	err := s.SetVolume(context.Background(), 0.6)
	require.Error(t, err)
	assert.True(t, deviceerr.IsRejected(err))
	assert.Equal(t, deviceerr.OutcomeNotApplied, deviceerr.OutcomeOf(err))
	assert.Equal(t, byte(30), sim.State().Volume)
}

func TestUndecodableValueFailsClosed(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim, func(c *Config) { c.FreshFor = time.Millisecond })
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	sim.Poke(protocol.ParamVolume, 0x7F)
	time.Sleep(5 * time.Millisecond)

	v := s.Volume(ctx)
	assert.False(t, v.Known, "old value dropped")
	require.Error(t, v.Err)
	assert.True(t, deviceerr.IsProtocol(v.Err))

	err := s.Mute(ctx)
	assert.True(t, deviceerr.IsProtocol(err))
}

func TestDSP(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	require.NoError(t, s.SetDSP(ctx, "treble_db", 0x03))
	assert.Equal(t, byte(0x03), s.DSP(ctx, "treble_db").Value)

	mode := protocol.DSPMode{DeskMode: true, BassExtension: protocol.BassExtra}
	require.NoError(t, s.SetDSPMode(ctx, mode))
	got := s.DSPMode(ctx)
	require.NoError(t, got.Err)
	assert.Equal(t, mode, got.Value)

	bogus := s.DSP(ctx, "bogus")
	assert.False(t, bogus.Known)
	assert.True(t, deviceerr.IsValidationError(bogus.Err))
}

func TestPlayback(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	require.NoError(t, s.PlayPause(ctx))
	require.NoError(t, s.NextTrack(ctx))
	require.NoError(t, s.PreviousTrack(ctx))

	var values []byte
	for _, f := range sim.Requests() {
		require.Equal(t, protocol.ParamPlayback, f.Param)
		values = append(values, f.Byte())
	}
	assert.Equal(t, []byte{protocol.PlaybackToggle, protocol.PlaybackNext, protocol.PlaybackPrevious}, values)
}

func TestConcurrentCallers(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.SetDSP(ctx, "sub_db", byte(i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, n, countKind(sim.Requests(), protocol.KindSet))
	assert.Equal(t, 1, sim.Accepts(), "one connection serves every caller")
}

func TestSubscribeSeesWrites(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)

	changes, cancel := s.Subscribe(16)
	defer cancel()

	require.NoError(t, s.SetVolume(context.Background(), 0.45))

	timeout := time.After(time.Second)
	for {
		select {
		case c := <-changes:
			if c.Key != cache.KeyVolume {
				continue
			}
			assert.InDelta(t, 0.45, c.Value, 0.005)
			return
		case <-timeout:
			t.Fatal("no volume change published")
		}
	}
}

func TestStartComesOnline(t *testing.T) {
	sim := startSim(t, simulator.Config{})
	s := newSpeaker(t, sim)

	var mu sync.Mutex
	var seen []string
	s.OnTransition(func(from, to monitor.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s->%s", from, to))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "second start is a no-op")

	require.Eventually(t, s.Online, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.Current().DSPMode.Known
	}, time.Second, 5*time.Millisecond, "refresh on coming online")

	st := s.Current()
	assert.True(t, st.Volume.Known)
	assert.Equal(t, protocol.SourceWifi, st.Source.Value)

	mu.Lock()
	assert.Equal(t, []string{"probing->online"}, seen)
	mu.Unlock()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.Start(ctx))
}
