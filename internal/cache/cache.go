package cache

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/logging"
)

// Well-known keys. DSP tuning values use DSPKey.
const (
	KeyVolume       = "volume"        // float64 in [0,1]
	KeyMuted        = "muted"         // bool
	KeySource       = "source"        // protocol.Source
	KeyStandbyTimer = "standby_timer" // protocol.StandbyTimer
	KeyInverted     = "inverted"      // bool
	KeyPower        = "power"         // bool, true when on
	KeyDSPMode      = "dsp_mode"      // protocol.DSPMode
	KeyOnline       = "online"        // bool, written by the monitor
)

// DSPKey returns the key for a raw DSP tuning parameter
func DSPKey(name string) string {
	return "dsp." + name
}

const (
	// DefaultFreshFor is how long a value counts as current
	DefaultFreshFor = 30 * time.Second

	// DefaultOfflineGrace is how long values survive an outage before
	// they are reported as unknown
	DefaultOfflineGrace = 5 * time.Minute
)

// Reading is the answer to a cache lookup. A reading that is not Known
// carries no value.
type Reading struct {
	Value any
	At    time.Time     // When the value was acquired from the device
	Age   time.Duration // Time since At
	Known bool
	Stale bool // Older than FreshFor, or the speaker is offline
}

// Change is published to subscribers when a value changes
type Change struct {
	Key      string
	Value    any
	Previous any // nil when the key was unknown
	At       time.Time
}

// Config controls staleness
type Config struct {
	FreshFor     time.Duration
	OfflineGrace time.Duration

	// Now replaces time.Now in tests
	Now func() time.Time
}

type entry struct {
	value any
	at    time.Time
}

// Cache holds the last known state of one speaker. All methods are safe for
// concurrent use and never block on I/O.
type Cache struct {
	freshFor time.Duration
	grace    time.Duration
	now      func() time.Time

	mu           sync.RWMutex
	entries      map[string]entry
	preMute      float64
	offline      bool
	offlineSince time.Time

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
	dropped atomic.Uint64
}

// New creates an empty cache
func New(cfg Config) *Cache {
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = DefaultFreshFor
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = DefaultOfflineGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		freshFor: cfg.FreshFor,
		grace:    cfg.OfflineGrace,
		now:      cfg.Now,
		entries:  make(map[string]entry),
		subs:     make(map[int]chan Change),
	}
}

// Read returns the cached reading for key
func (c *Cache) Read(key string) Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readLocked(key, c.now())
}

func (c *Cache) readLocked(key string, now time.Time) Reading {
	e, ok := c.entries[key]
	if !ok {
		return Reading{}
	}

	r := Reading{Value: e.value, At: e.at, Age: now.Sub(e.at), Known: true}
	if key == KeyOnline {
		return r
	}
	if c.offline {
		if now.Sub(c.offlineSince) > c.grace {
			return Reading{}
		}
		r.Stale = true
	}
	if r.Age > c.freshFor {
		r.Stale = true
	}
	return r
}

// Write stores value for key, acquired at at. Writes older than the cached
// value are dropped; Write reports whether the value was stored.
func (c *Cache) Write(key string, value any, at time.Time) bool {
	c.mu.Lock()
	prev, had := c.entries[key]
	if had && prev.at.After(at) {
		c.mu.Unlock()
		logging.Debug("Dropping out-of-order cache write",
			zap.String("key", key),
			zap.Time("cached_at", prev.at),
			zap.Time("write_at", at),
		)
		return false
	}
	c.entries[key] = entry{value: value, at: at}
	if key == KeyVolume {
		if v, ok := value.(float64); ok && v > 0 {
			c.preMute = v
		}
	}
	c.mu.Unlock()

	if !had || !reflect.DeepEqual(prev.value, value) {
		var previous any
		if had {
			previous = prev.value
		}
		c.publish(Change{Key: key, Value: value, Previous: previous, At: at})
	}
	return true
}

// Invalidate forgets the given keys
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// InvalidateAll forgets every value except the pre-mute volume
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// PreMuteVolume returns the last non-zero volume written, or 0 if none
func (c *Cache) PreMuteVolume() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preMute
}

// MarkOffline records that the speaker went away at at. Values are kept and
// reported stale until OfflineGrace has passed.
func (c *Cache) MarkOffline(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return
	}
	c.offline = true
	c.offlineSince = at
}

// MarkOnline clears the offline mark
func (c *Cache) MarkOnline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = false
	c.offlineSince = time.Time{}
}

// Offline reports whether the cache is marked offline
func (c *Cache) Offline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offline
}

// Keys returns the cached keys in sorted order
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a reading for every cached key, evaluated at one instant
func (c *Cache) Snapshot() map[string]Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make(map[string]Reading, len(c.entries))
	for k := range c.entries {
		if r := c.readLocked(k, now); r.Known {
			out[k] = r
		}
	}
	return out
}

// Subscribe registers for change notifications. A subscriber that falls
// more than buffer events behind loses events rather than blocking writers.
// cancel closes the channel.
func (c *Cache) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns the number of notifications lost to slow subscribers
func (c *Cache) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Cache) publish(ch Change) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ch:
		default:
			c.dropped.Add(1)
			logging.Warn("Subscriber too slow, dropping change", zap.String("key", ch.Key))
		}
	}
}
