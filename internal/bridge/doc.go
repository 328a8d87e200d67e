// Package bridge exposes one speaker's cached state to other programs over
// HTTP and websockets.
//
// # Endpoints
//
//   - GET /state returns a Snapshot as JSON. It never touches the network;
//     values carry known/stale flags and their age.
//   - GET /ws upgrades to a websocket. The server sends a Snapshot, then a
//     ChangeEvent for every cache change. Clients send Commands and get a
//     Result for each one.
//
// # Commands
//
//	{"id": "7", "action": "set_volume", "value": 0.4}
//	{"action": "set_source", "value": "optical"}
//	{"action": "set_dsp", "name": "treble_db", "value": 2}
//	{"action": "mute"}
//
// A failed Result includes the command outcome ("not applied", "applied" or
// "unknown") so clients can tell a rejected command from one that timed out
// after it was sent.
//
// Commands run through the speaker's serialized command channel like any
// other caller. The bridge adds no queueing of its own.
package bridge
