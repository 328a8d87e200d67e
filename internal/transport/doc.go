// Package transport manages the TCP session to a single speaker.
//
// A Session dials on request, performs one request/response exchange at a
// time, and reassembles replies that arrive split across several reads. It
// knows nothing about parameters or values; frame boundaries come from a
// Framer (normally a *protocol.Table).
//
// # Failure reporting
//
// Every error is a *deviceerr.DeviceError:
//
//   - Connect: dial failed (refused, timeout, DNS, unreachable)
//   - Timeout: no complete reply before the deadline
//   - Transport: write or read failed, or the speaker closed the socket
//   - Protocol: the reply bytes do not form a frame
//
// Sent is true once any byte of the request reached the socket. After any
// failed exchange the session is Disconnected and the next exchange needs
// a new Connect.
//
// # Usage
//
//	s := transport.NewSession(transport.NewAddress("192.168.1.20", 0), protocol.LS50WirelessV1)
//	if err := s.Connect(ctx, 3*time.Second); err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	reply, err := s.SendAndReceive(ctx, []byte{'G', '%', 0x80}, 2*time.Second)
package transport
