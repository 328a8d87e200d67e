package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/protocol"
)

// State is the reachability of the speaker
type State int

const (
	Offline State = iota
	Probing
	Online
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Probing:
		return "probing"
	case Online:
		return "online"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

const (
	// DefaultInterval is the probe period while nothing is wrong
	DefaultInterval = 15 * time.Second

	// DefaultMaxInterval caps the probe period while the speaker is gone
	DefaultMaxInterval = 2 * time.Minute

	// DefaultProbeTimeout bounds a single probe, including queueing
	DefaultProbeTimeout = 3 * time.Second

	// DefaultThreshold is the number of consecutive failures that take an
	// online speaker offline
	DefaultThreshold = 3
)

// Executor is the part of the command channel the monitor uses
type Executor interface {
	Execute(ctx context.Context, req *channel.Request) (*channel.Response, error)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Listener is called after every state transition
type Listener func(from, to State)

// Config controls probing
type Config struct {
	Interval     time.Duration
	MaxInterval  time.Duration
	ProbeTimeout time.Duration
	Threshold    int

	// Refresh re-reads every parameter when the speaker comes online
	Refresh func(ctx context.Context) error
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = DefaultMaxInterval
		if c.MaxInterval < c.Interval {
			c.MaxInterval = c.Interval
		}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Monitor tracks whether the speaker is reachable. It never touches the
// session directly: probes, connects and disconnects are queued through
// the command channel like any other request.
type Monitor struct {
	exec  Executor
	cache *cache.Cache
	cfg   Config

	mu        sync.Mutex
	state     State
	failures  int
	interval  time.Duration
	backoff   *backoff.ExponentialBackOff
	listeners []Listener
}

// New creates a monitor in the Probing state
func New(exec Executor, c *cache.Cache, cfg Config) *Monitor {
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Interval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Monitor{
		exec:     exec,
		cache:    c,
		cfg:      cfg,
		state:    Probing,
		interval: cfg.Interval,
		backoff:  bo,
	}
}

// OnTransition registers a listener
func (m *Monitor) OnTransition(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the last probe succeeded
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Offline reports whether the speaker is known to be unreachable
func (m *Monitor) Offline() bool {
	return m.State() == Offline
}

// NextInterval returns the delay before the next scheduled probe
func (m *Monitor) NextInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Run probes until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	logging.Debug("Reachability monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		_, _ = m.ProbeOnce(ctx)

		t := time.NewTimer(m.NextInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ProbeOnce performs one probe and applies the resulting transition
func (m *Monitor) ProbeOnce(ctx context.Context) (State, error) {
	req := channel.Get(protocol.ParamSource)
	req.MaxAttempts = 1
	req.Label = "probe"

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	_, err := m.exec.Execute(pctx, req)
	cancel()

	// Shutting down, not a failure
	if ctx.Err() != nil {
		return m.State(), ctx.Err()
	}

	if err == nil {
		m.succeeded(ctx)
	} else {
		m.failed(ctx, err)
	}
	return m.State(), err
}

func (m *Monitor) succeeded(ctx context.Context) {
	m.mu.Lock()
	from := m.state
	m.state = Online
	m.failures = 0
	m.interval = m.cfg.Interval
	m.backoff.Reset()
	m.mu.Unlock()

	if from == Online {
		return
	}

	m.cache.MarkOnline()
	m.cache.Write(cache.KeyOnline, true, time.Now())
	m.notify(from, Online)

	if err := m.exec.Connect(ctx); err != nil {
		logging.Warn("Reconnect after coming online failed", zap.Error(err))
		return
	}
	if m.cfg.Refresh != nil {
		if err := m.cfg.Refresh(ctx); err != nil {
			logging.Warn("Refresh after coming online failed", zap.Error(err))
		}
	}
}

func (m *Monitor) failed(ctx context.Context, err error) {
	m.mu.Lock()
	from := m.state
	m.failures++
	goOffline := from == Probing || (from == Online && m.failures >= m.cfg.Threshold)
	if goOffline || from == Offline {
		m.state = Offline
		m.interval = m.nextOfflineInterval(err)
	}
	failures := m.failures
	m.mu.Unlock()

	logging.Debug("Probe failed",
		zap.Stringer("state", from),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)

	if !goOffline {
		return
	}

	now := time.Now()
	m.cache.MarkOffline(now)
	m.cache.Write(cache.KeyOnline, false, now)
	m.notify(from, Offline)

	if err := m.exec.Disconnect(ctx); err != nil {
		logging.Debug("Disconnect after going offline failed", zap.Error(err))
	}
}

// nextOfflineInterval backs off while the speaker has dropped off the
// network, but keeps the base interval when it refuses connections, since
// that means it is powered and booting.
func (m *Monitor) nextOfflineInterval(err error) time.Duration {
	devErr, ok := deviceerr.As(err)
	if !ok || devErr.NetworkSubtype == deviceerr.NetworkErrorConnectionRefused {
		m.backoff.Reset()
		return m.cfg.Interval
	}
	switch devErr.NetworkSubtype {
	case deviceerr.NetworkErrorDNS,
		deviceerr.NetworkErrorHostUnreachable,
		deviceerr.NetworkErrorNetworkUnreachable,
		deviceerr.NetworkErrorTimeout:
		next := m.backoff.NextBackOff()
		if next == backoff.Stop || next > m.cfg.MaxInterval {
			next = m.cfg.MaxInterval
		}
		return next
	default:
		m.backoff.Reset()
		return m.cfg.Interval
	}
}

func (m *Monitor) notify(from, to State) {
	logging.Info("Speaker reachability changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
}
