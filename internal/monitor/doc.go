// Package monitor tracks speaker reachability.
//
// KEF speakers switch their network interface off in standby, so "off" and
// "unreachable" look the same from the network. The Monitor probes the
// speaker periodically through the command channel and runs a small state
// machine:
//
//	Probing --fail--> Offline --success--> Online
//	Online --Threshold consecutive failures--> Offline
//
// Coming online reconnects and refreshes every parameter. Going offline
// closes the session and marks the cache offline so readers get stale
// values instead of blocking on the network.
//
// While offline the probe interval backs off exponentially when the speaker
// is absent from the network and stays at the base interval when it refuses
// connections.
package monitor
