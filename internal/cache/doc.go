// Package cache holds the locally known state of a speaker.
//
// Values are keyed by name (KeyVolume, KeySource, DSPKey("treble_db"), ...)
// and stamped with the time they were acquired from the device. A read never
// blocks and never presents an old value as current: each Reading is either
// Known with its age and a Stale flag, or not Known at all.
//
// While the speaker is offline every value is stale; once the outage exceeds
// the grace period values are reported as unknown. The cache also remembers
// the last non-zero volume so that unmute can restore it.
package cache
