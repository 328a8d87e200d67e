// Package simulator implements an in-process KEF speaker.
//
// The simulator accepts TCP connections and answers the binary protocol from
// an opcode table, holding device state as raw wire bytes. It backs the
// engine's network tests and the `kefctl simulate` command.
//
// # Fault Injection
//
// Faults are queued with Inject and consumed one per request:
//
//	sim.Inject(simulator.FaultSilent) // apply the next request, never reply
//	sim.Inject(simulator.FaultDrop)   // close the connection instead
//
// GoOffline and GoOnline mimic the speaker dropping off the network in
// standby and returning when woken by its remote. With DropOnPowerOff set,
// a client writing the standby bit takes the simulator offline by itself.
//
// # Usage Example
//
//	sim := simulator.New(simulator.Config{Port: 50001})
//	if err := sim.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer sim.Shutdown(context.Background())
package simulator
