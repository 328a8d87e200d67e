// Package speaker is the public handle for one KEF speaker.
//
// A Speaker wires the engine together: a transport session to the speaker,
// the command channel that serializes every request over it, the state cache
// fed by the channel's confirmed responses, and the reachability monitor.
//
// Readers never return errors. A value younger than the cache's freshness
// window is served without touching the network. Older or unknown values are
// queried through the channel and served from the cache; when the speaker
// cannot be queried
// they return the cached value flagged stale, or an unknown reading. While
// the monitor reports the speaker offline readers skip the network entirely.
//
// Writers return nil only when the speaker confirmed the change. On failure
// deviceerr.OutcomeOf distinguishes "not applied" from "may have applied".
//
// Source, standby timer, channel inversion and power share one wire byte.
// Their writers read the byte from the speaker and change only their bits.
//
// TurnOn always fails with an Unsupported error: a speaker in standby has
// switched its network interface off.
package speaker
