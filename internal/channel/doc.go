// Package channel is the single serialization point for traffic to a speaker.
//
// Every read, write, probe and connection change goes through Execute. A
// single worker goroutine drains an explicit FIFO queue, so requests are
// dispatched strictly in submission order with one exchange in flight.
//
// # Dispatch
//
// For each request the worker:
//
//  1. connects on demand (refusals are retried with backoff, anything else
//     fails fast with an Unreachable error)
//  2. encodes the frame with the configured opcode table
//  3. sends it and waits for one reply
//  4. checks the reply answers the request (status for a set, value of the
//     same parameter for a get)
//  5. hands the response to the Sink, then returns it to the caller
//
// # Retries
//
// RetryPolicy retries transport failures and timeouts with exponential
// backoff (github.com/cenkalti/backoff). Idempotent requests use the full
// attempt budget. Non-idempotent requests are retried once at most and only
// when no byte was written. After a failure the session is closed before
// the next attempt, so a late reply can never be taken for a later answer.
//
// # Usage
//
//	ch := channel.New(session, protocol.LS50WirelessV1, channel.Config{}, sink)
//	defer ch.Close()
//
//	resp, err := ch.Execute(ctx, channel.Get(protocol.ParamVolume))
package channel
