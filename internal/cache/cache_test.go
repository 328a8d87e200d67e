package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kefctl/kefctl/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newCache(clock *fakeClock) *Cache {
	return New(Config{FreshFor: 30 * time.Second, OfflineGrace: 5 * time.Minute, Now: clock.Now})
}

func TestReadUnknown(t *testing.T) {
	c := newCache(newFakeClock())
	r := c.Read(KeyVolume)
	assert.False(t, r.Known)
	assert.Nil(t, r.Value)
}

func TestWriteAndRead(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)

	require.True(t, c.Write(KeyVolume, 0.3, clock.Now()))
	clock.Advance(10 * time.Second)

	r := c.Read(KeyVolume)
	assert.True(t, r.Known)
	assert.False(t, r.Stale)
	assert.Equal(t, 0.3, r.Value)
	assert.Equal(t, 10*time.Second, r.Age)

	clock.Advance(25 * time.Second)
	assert.True(t, c.Read(KeyVolume).Stale, "older than FreshFor")
}

func TestOutOfOrderWriteDropped(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)
	t0 := clock.Now()

	require.True(t, c.Write(KeyVolume, 0.5, t0.Add(time.Second)))
	assert.False(t, c.Write(KeyVolume, 0.2, t0), "older write must be dropped")
	assert.Equal(t, 0.5, c.Read(KeyVolume).Value)

	assert.True(t, c.Write(KeyVolume, 0.6, t0.Add(time.Second)), "same timestamp wins")
	assert.Equal(t, 0.6, c.Read(KeyVolume).Value)
}

func TestPreMuteVolume(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)

	c.Write(KeyVolume, 0.8, clock.Now())
	c.Write(KeyMuted, true, clock.Now())
	assert.Equal(t, 0.8, c.PreMuteVolume())

	// A zero volume never replaces the remembered level
	clock.Advance(time.Second)
	c.Write(KeyVolume, 0.0, clock.Now())
	assert.Equal(t, 0.8, c.PreMuteVolume())

	c.InvalidateAll()
	assert.Equal(t, 0.8, c.PreMuteVolume(), "survives invalidation")
	assert.False(t, c.Read(KeyVolume).Known)
}

func TestOfflineStaleThenUnknown(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)

	c.Write(KeySource, protocol.SourceOptical, clock.Now())
	c.Write(KeyOnline, true, clock.Now())

	clock.Advance(time.Second)
	c.MarkOffline(clock.Now())
	assert.True(t, c.Offline())

	r := c.Read(KeySource)
	assert.True(t, r.Known)
	assert.True(t, r.Stale)
	assert.Equal(t, protocol.SourceOptical, r.Value)

	clock.Advance(4 * time.Minute)
	// A second mark does not restart the grace period
	c.MarkOffline(clock.Now())
	clock.Advance(2 * time.Minute)
	assert.False(t, c.Read(KeySource).Known, "unknown after the grace period")
	assert.True(t, c.Read(KeyOnline).Known, "online flag is exempt")

	c.MarkOnline()
	r = c.Read(KeySource)
	assert.True(t, r.Known)
	assert.True(t, r.Stale, "still old")
}

func TestInvalidate(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)
	c.Write(KeyVolume, 0.4, clock.Now())
	c.Write(KeyMuted, false, clock.Now())

	c.Invalidate(KeyMuted)
	assert.Equal(t, []string{KeyVolume}, c.Keys())
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)
	t0 := clock.Now()

	c.Write(KeyVolume, 0.4, t0)
	c.Write(DSPKey("treble_db"), byte(3), t0)
	clock.Advance(5 * time.Second)

	want := map[string]Reading{
		KeyVolume:          {Value: 0.4, At: t0, Age: 5 * time.Second, Known: true},
		DSPKey("treble_db"): {Value: byte(3), At: t0, Age: 5 * time.Second, Known: true},
	}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)
	changes, cancel := c.Subscribe(8)

	c.Write(KeyVolume, 0.4, clock.Now())
	c.Write(KeyVolume, 0.4, clock.Now()) // unchanged, no event
	c.Write(KeyVolume, 0.5, clock.Now())

	first := <-changes
	assert.Equal(t, KeyVolume, first.Key)
	assert.Nil(t, first.Previous)

	second := <-changes
	assert.Equal(t, 0.5, second.Value)
	assert.Equal(t, 0.4, second.Previous)

	select {
	case extra := <-changes:
		t.Fatalf("unexpected change %+v", extra)
	default:
	}

	cancel()
	cancel()
	_, open := <-changes
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock)
	_, cancel := c.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			c.Write(KeyVolume, float64(i)/10, clock.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writes blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(9), c.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Write(KeyVolume, float64(j)/100, time.Now())
				_ = c.Read(KeyVolume)
				_ = c.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, c.Read(KeyVolume).Known)
}
