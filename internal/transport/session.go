package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
)

// ConnectionState is the lifecycle state of a Session
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("ConnectionState(%d)", s)
	}
}

// Framer cuts a byte stream into frames. *protocol.Table implements it.
type Framer interface {
	Split(data []byte, atEOF bool) (advance int, token []byte, err error)
	Dump(data []byte) string
}

// Dialer opens TCP connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a Session
type Option func(*Session)

// WithDialer replaces the default net.Dialer
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// Session owns one TCP connection to a speaker.
//
// Exchanges are strictly request/response and must not overlap; the command
// channel guarantees this. Close may be called from any goroutine and
// interrupts an exchange in progress.
//
// Any failed exchange leaves the session Disconnected: a late reply would
// otherwise be read as the answer to the next request.
type Session struct {
	addr   Address
	framer Framer
	split  bufio.SplitFunc
	dialer Dialer

	state atomic.Int32

	mu      sync.Mutex
	conn    net.Conn
	pending []byte // Bytes received after the last complete frame
}

// NewSession creates a disconnected session for addr
func NewSession(addr Address, framer Framer, opts ...Option) *Session {
	s := &Session{
		addr:   addr,
		framer: framer,
		split:  framer.Split,
		dialer: &net.Dialer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the speaker address
func (s *Session) Address() Address {
	return s.addr
}

// State reports the current connection state
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Connect dials the speaker. It is a no-op when already connected.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.state.Store(int32(Connecting))
	s.mu.Unlock()

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := s.addr.String()
	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state.Store(int32(Disconnected))
		logging.Debug("Connect failed", zap.String("speaker", addr), zap.Error(err))
		return deviceerr.NewConnectError(addr, err)
	}

	// Close raced with the dial
	if s.State() != Connecting {
		_ = conn.Close()
		return deviceerr.NewClosedError("session closed while connecting")
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.conn = conn
	s.pending = nil
	s.state.Store(int32(Connected))
	logging.LogConnection(addr, "connected")
	return nil
}

// SendAndReceive writes one frame and reads exactly one reply frame.
//
// The deadline is the earlier of timeout and ctx's deadline. Errors are
// *deviceerr.DeviceError values whose Sent field says whether any byte of
// frame reached the socket.
func (s *Session) SendAndReceive(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	stale := s.pending
	s.pending = nil
	s.mu.Unlock()

	addr := s.addr.String()
	if conn == nil {
		return nil, deviceerr.NewTransportError("session not connected", nil, false)
	}
	if len(stale) > 0 {
		logging.Warn("Discarding unsolicited bytes",
			zap.String("speaker", addr),
			zap.Int("length", len(stale)),
			zap.String("frame", s.framer.Dump(stale)),
		)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && (timeout <= 0 || d.Before(deadline)) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		s.drop(conn)
		return nil, deviceerr.NewTransportError("set deadline", err, false)
	}

	// Cancellation interrupts blocked I/O by moving the deadline to now
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if logging.DebugEnabled() {
		logging.LogFrame(addr, "sent", frame, s.framer.Dump(frame))
	}
	n, err := conn.Write(frame)
	if err != nil {
		s.drop(conn)
		return nil, s.ioError(ctx, "write", err, n > 0)
	}

	reply, err := s.readFrame(ctx, conn)
	if err != nil {
		s.drop(conn)
		return nil, err
	}
	if logging.DebugEnabled() {
		logging.LogFrame(addr, "recv", reply, s.framer.Dump(reply))
	}
	return reply, nil
}

// readFrame reads until the framer yields one complete frame. Bytes past
// the frame are kept as pending.
func (s *Session) readFrame(ctx context.Context, conn net.Conn) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 64)

	for {
		n, readErr := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if len(buf) > 0 {
			advance, token, err := s.split(buf, false)
			if err != nil {
				return nil, deviceerr.NewProtocolError(
					fmt.Sprintf("undecodable reply %s", s.framer.Dump(buf)), err, true)
			}
			if token != nil {
				reply := append([]byte(nil), token...)
				if rest := buf[advance:]; len(rest) > 0 {
					s.mu.Lock()
					if s.conn == conn {
						s.pending = append([]byte(nil), rest...)
					}
					s.mu.Unlock()
				}
				return reply, nil
			}
		}

		if readErr != nil {
			return nil, s.ioError(ctx, "read", readErr, true)
		}
	}
}

func (s *Session) ioError(ctx context.Context, op string, err error, sent bool) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return deviceerr.NewTimeoutError(op+" deadline exceeded", ctx.Err(), sent)
		}
		return deviceerr.NewTransportError(op+" canceled", ctx.Err(), sent)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return deviceerr.NewTimeoutError("no reply from speaker", err, sent)
	}
	if errors.Is(err, net.ErrClosed) && s.State() != Connected {
		return deviceerr.NewTransportError("session closed during "+op, err, sent)
	}
	return deviceerr.NewTransportError(op+" failed", err, sent)
}

// drop closes conn if it is still the session's connection
func (s *Session) drop(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.closeLocked("exchange failed")
}

// Close closes the connection. It is idempotent and always succeeds.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		// Abort a dial in progress
		s.state.Store(int32(Disconnected))
		return nil
	}
	s.closeLocked("closed")
	return nil
}

func (s *Session) closeLocked(reason string) {
	s.state.Store(int32(Closing))
	_ = s.conn.Close()
	s.conn = nil
	s.pending = nil
	s.state.Store(int32(Disconnected))
	logging.LogConnection(s.addr.String(), "disconnected", zap.String("reason", reason))
}
