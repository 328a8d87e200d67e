package speaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/monitor"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/transport"
)

// Option customizes a Speaker
type Option func(*options)

type options struct {
	dialer transport.Dialer
	now    func() time.Time
	table  *protocol.Table
}

// WithDialer replaces the TCP dialer
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock replaces the cache clock
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTable uses t instead of the table named in Config.Firmware
func WithTable(t *protocol.Table) Option {
	return func(o *options) { o.table = t }
}

// Speaker is the public handle for one KEF speaker. All methods are safe for
// concurrent use.
type Speaker struct {
	cfg     Config
	table   *protocol.Table
	session *transport.Session
	ch      *channel.Channel
	cache   *cache.Cache
	mon     *monitor.Monitor

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New wires a speaker handle. No connection is made until the first command
// or until Start runs the reachability monitor.
func New(cfg Config, opts ...Option) (*Speaker, error) {
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	table := o.table
	if table == nil {
		var err error
		if table, err = protocol.Lookup(cfg.Firmware); err != nil {
			return nil, err
		}
	}
	cfg.Firmware = table.Firmware
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid speaker config: %w", err)
	}

	var sessionOpts []transport.Option
	if o.dialer != nil {
		sessionOpts = append(sessionOpts, transport.WithDialer(o.dialer))
	}

	s := &Speaker{
		cfg:   cfg,
		table: table,
		cache: cache.New(cache.Config{
			FreshFor:     cfg.FreshFor,
			OfflineGrace: cfg.OfflineGrace,
			Now:          o.now,
		}),
	}
	s.session = transport.NewSession(cfg.Address, table, sessionOpts...)
	s.ch = channel.New(s.session, table, channel.Config{
		ConnectTimeout:  cfg.ConnectTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		Retry:           cfg.Retry,
		IdleTimeout:     cfg.IdleTimeout,
	}, channel.SinkFunc(s.apply))
	s.mon = monitor.New(s.ch, s.cache, monitor.Config{
		Interval:     cfg.ProbeInterval,
		MaxInterval:  cfg.MaxProbeInterval,
		ProbeTimeout: cfg.ProbeTimeout,
		Threshold:    cfg.FailureThreshold,
		Refresh:      s.Refresh,
	})
	return s, nil
}

// Name returns the configured display name
func (s *Speaker) Name() string { return s.cfg.Name }

// Address returns the speaker address
func (s *Speaker) Address() transport.Address { return s.cfg.Address }

// Config returns the effective configuration
func (s *Speaker) Config() Config { return s.cfg }

// Table returns the opcode table in use
func (s *Speaker) Table() *protocol.Table { return s.table }

// Start runs the reachability monitor in the background until Close or
// until ctx is done.
func (s *Speaker) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker %s is closed", s.cfg.Name)
	}
	if s.started {
		return nil
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.mon.Run(runCtx)
	}()
	logging.Info("Speaker started",
		zap.String("name", s.cfg.Name),
		zap.String("speaker", s.cfg.Address.String()),
		zap.String("firmware", s.table.Firmware),
	)
	return nil
}

// Close stops the monitor and closes the connection. It is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return s.ch.Close()
}

// OnTransition registers a reachability listener
func (s *Speaker) OnTransition(l monitor.Listener) {
	s.mon.OnTransition(l)
}

// Reachability returns the monitor state
func (s *Speaker) Reachability() monitor.State {
	return s.mon.State()
}

// Online reports whether the last probe reached the speaker
func (s *Speaker) Online() bool {
	return s.mon.Online()
}

// Probe runs one reachability probe now
func (s *Speaker) Probe(ctx context.Context) (monitor.State, error) {
	return s.mon.ProbeOnce(ctx)
}

// Snapshot returns every cached reading without touching the network
func (s *Speaker) Snapshot() map[string]cache.Reading {
	return s.cache.Snapshot()
}

// PreMuteVolume returns the level unmute will restore
func (s *Speaker) PreMuteVolume() float64 {
	return s.cache.PreMuteVolume()
}

// Subscribe registers for state change notifications
func (s *Speaker) Subscribe(buffer int) (<-chan cache.Change, func()) {
	return s.cache.Subscribe(buffer)
}

// QueueLen returns the number of commands waiting
func (s *Speaker) QueueLen() int {
	return s.ch.QueueLen()
}

// apply writes a confirmed response through to the cache
func (s *Speaker) apply(req *channel.Request, resp *channel.Response) {
	at := resp.At
	switch req.Param {
	case protocol.ParamVolume:
		level, muted, err := protocol.DecodeVolume(resp.Value)
		if err != nil {
			s.discard(req, resp, err, cache.KeyVolume, cache.KeyMuted)
			return
		}
		s.cache.Write(cache.KeyVolume, level, at)
		s.cache.Write(cache.KeyMuted, muted, at)

	case protocol.ParamSource:
		st, err := protocol.DecodeSourceState(resp.Value)
		if err != nil {
			s.discard(req, resp, err, cache.KeySource, cache.KeyStandbyTimer, cache.KeyInverted, cache.KeyPower)
			return
		}
		s.cache.Write(cache.KeySource, st.Source, at)
		s.cache.Write(cache.KeyStandbyTimer, st.Standby, at)
		s.cache.Write(cache.KeyInverted, st.Inverted, at)
		s.cache.Write(cache.KeyPower, !st.Off, at)

	case protocol.ParamDSPMode:
		mode, err := protocol.DecodeDSPMode(resp.Value)
		if err != nil {
			s.discard(req, resp, err, cache.KeyDSPMode)
			return
		}
		s.cache.Write(cache.KeyDSPMode, mode, at)

	case protocol.ParamPlayback:
		// Transport commands leave no state behind

	default:
		if p, ok := s.table.Param(req.Param); ok && p.DSP {
			s.cache.Write(cache.DSPKey(p.Name), resp.Value, at)
		}
	}
}

// discard drops keys whose reply value could not be decoded, so readers
// report unknown instead of an older value.
func (s *Speaker) discard(req *channel.Request, resp *channel.Response, err error, keys ...string) {
	logging.Warn("Undecodable value from speaker",
		zap.String("speaker", s.cfg.Address.String()),
		zap.String("param", s.table.ParamName(req.Param)),
		zap.Uint8("value", resp.Value),
		zap.Error(err),
	)
	s.cache.Invalidate(keys...)
}
