package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/transport"
)

// Fault is a misbehaviour injected into the handling of one request
type Fault int

const (
	// FaultNone handles the request normally
	FaultNone Fault = iota

	// FaultDrop closes the connection after reading the request, without
	// applying it
	FaultDrop

	// FaultSilent applies the request but never replies
	FaultSilent

	// FaultReject replies with a non-accepted status and does not apply
	FaultReject

	// FaultGarbage replies with bytes no table recognizes
	FaultGarbage

	// FaultTrickle replies one byte at a time
	FaultTrickle

	// FaultWrongParam answers a get with the value of another parameter
	FaultWrongParam
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDrop:
		return "drop"
	case FaultSilent:
		return "silent"
	case FaultReject:
		return "reject"
	case FaultGarbage:
		return "garbage"
	case FaultTrickle:
		return "trickle"
	case FaultWrongParam:
		return "wrong-param"
	default:
		return fmt.Sprintf("Fault(%d)", f)
	}
}

// State is the simulated device state, kept as wire bytes
type State struct {
	Volume byte
	Source byte
	DSP    map[byte]byte // Includes dsp_mode
}

// DefaultState is a speaker on Wi-Fi at 30% volume with neutral DSP
func DefaultState(t *protocol.Table) State {
	st := State{
		Volume: protocol.EncodeVolume(0.30, false),
		Source: protocol.SourceState{Source: protocol.SourceWifi, Standby: protocol.Standby20Min}.Encode(),
		DSP:    make(map[byte]byte),
	}
	for _, p := range t.DSPParams() {
		st.DSP[p.Code] = 0
	}
	return st
}

func (st State) clone() State {
	out := st
	out.DSP = make(map[byte]byte, len(st.DSP))
	for k, v := range st.DSP {
		out.DSP[k] = v
	}
	return out
}

// Config holds the simulator configuration
type Config struct {
	Host  string
	Port  int // 0 picks a free port
	Table *protocol.Table

	// Initial state; zero selects DefaultState
	State *State

	// Latency delays every reply
	Latency time.Duration

	// DropOnPowerOff takes the simulator off the network when a client
	// sets the standby bit, like the real speaker
	DropOnPowerOff bool
}

// Server is an in-process KEF speaker speaking the binary protocol over TCP
type Server struct {
	cfg   Config
	table *protocol.Table

	mu          sync.Mutex
	listener    net.Listener
	addr        string
	activeConns map[string]net.Conn
	state       State
	faults      []Fault
	requests    []protocol.Frame
	accepts     int
	online      bool
	closed      bool

	wg sync.WaitGroup
}

// New creates a simulator. Call Start to begin listening.
func New(cfg Config) *Server {
	if cfg.Table == nil {
		cfg.Table = protocol.LS50WirelessV1
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	st := DefaultState(cfg.Table)
	if cfg.State != nil {
		st = cfg.State.clone()
	}
	return &Server{
		cfg:         cfg,
		table:       cfg.Table,
		activeConns: make(map[string]net.Conn),
		state:       st,
	}
}

// Start opens the listener and accepts connections in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulator is shut down")
	}
	addr := s.addr
	if addr == "" {
		addr = net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	}
	return s.listenLocked(addr)
}

func (s *Server) listenLocked(addr string) error {
	if s.online {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	s.online = true

	logging.Info("Simulated speaker listening",
		zap.String("addr", s.addr),
		zap.String("firmware", s.table.Firmware),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptConnections(listener)
	}()
	return nil
}

// Addr returns the listening address as host:port
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Address returns the listening address for a transport session
func (s *Server) Address() transport.Address {
	a, _ := transport.ParseAddress(s.Addr())
	return a
}

// Serve starts the simulator and blocks until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) acceptConnections(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()

	s.mu.Lock()
	s.activeConns[remoteAddr] = conn
	s.accepts++
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.activeConns, remoteAddr)
		s.mu.Unlock()
		logging.LogConnection(remoteAddr, "simulator_connection_closed")
	}()

	logging.LogConnection(remoteAddr, "simulator_connection_accepted")

	scanner := bufio.NewScanner(conn)
	scanner.Split(s.table.Split)
	for scanner.Scan() {
		raw := append([]byte(nil), scanner.Bytes()...)
		logging.LogFrame(remoteAddr, "sim<-", raw, s.table.Dump(raw))

		frame, _, err := s.table.Decode(raw)
		if err != nil {
			return
		}
		if !s.handleFrame(conn, remoteAddr, frame) {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.Debug("Simulator dropped connection",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
	}
}

// handleFrame answers one request and reports whether the connection stays
// open
func (s *Server) handleFrame(conn net.Conn, remoteAddr string, f *protocol.Frame) bool {
	if f.Kind != protocol.KindGet && f.Kind != protocol.KindSet {
		return false
	}

	s.mu.Lock()
	s.requests = append(s.requests, *f)
	fault := FaultNone
	if len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}
	s.mu.Unlock()

	if fault != FaultNone {
		logging.Debug("Injecting fault",
			zap.String("remote_addr", remoteAddr),
			zap.Stringer("fault", fault),
		)
	}

	var reply []byte
	powerOff := false
	switch fault {
	case FaultDrop:
		return false
	case FaultReject:
		reply = s.table.EncodeStatus(0x00)
	case FaultGarbage:
		reply = []byte{0x00, 0xde, 0xad}
	default:
		var ok bool
		reply, powerOff, ok = s.apply(f)
		if !ok {
			reply = s.table.EncodeStatus(0x00)
		}
		if fault == FaultWrongParam && f.Kind == protocol.KindGet {
			reply = s.wrongParam(f.Param)
		}
	}

	if fault == FaultSilent {
		return true
	}

	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	if err := s.write(conn, reply, fault == FaultTrickle); err != nil {
		return false
	}
	logging.LogFrame(remoteAddr, "sim->", reply, s.table.Dump(reply))

	if powerOff && s.cfg.DropOnPowerOff {
		go s.GoOffline()
		return false
	}
	return true
}

func (s *Server) write(conn net.Conn, reply []byte, trickle bool) error {
	if !trickle {
		_, err := conn.Write(reply)
		return err
	}
	for i := range reply {
		if _, err := conn.Write(reply[i : i+1]); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// apply executes a request against the state and returns the reply
func (s *Server) apply(f *protocol.Frame) (reply []byte, powerOff bool, ok bool) {
	p, known := s.table.Param(f.Param)
	if !known {
		return nil, false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Kind {
	case protocol.KindGet:
		if !p.Access.CanRead() {
			return nil, false, false
		}
		value, ok := s.valueLocked(f.Param)
		if !ok {
			return nil, false, false
		}
		reply, err := s.table.EncodeValue(f.Param, value)
		return reply, false, err == nil

	case protocol.KindSet:
		if !p.Access.CanWrite() {
			return nil, false, false
		}
		v := f.Byte()
		switch {
		case f.Param == protocol.ParamVolume:
			if _, _, err := protocol.DecodeVolume(v); err != nil {
				return nil, false, false
			}
			s.state.Volume = v
		case f.Param == protocol.ParamSource:
			st, err := protocol.DecodeSourceState(v)
			if err != nil {
				return nil, false, false
			}
			s.state.Source = v
			powerOff = st.Off
		case f.Param == protocol.ParamPlayback:
			// Accepted, no state
		case p.DSP:
			s.state.DSP[f.Param] = v
		default:
			return nil, false, false
		}
		return s.table.EncodeStatus(protocol.StatusAccepted), powerOff, true
	}
	return nil, false, false
}

func (s *Server) valueLocked(param byte) (byte, bool) {
	switch param {
	case protocol.ParamVolume:
		return s.state.Volume, true
	case protocol.ParamSource:
		return s.state.Source, true
	default:
		v, ok := s.state.DSP[param]
		return v, ok
	}
}

func (s *Server) wrongParam(asked byte) []byte {
	other := protocol.ParamVolume
	if asked == protocol.ParamVolume {
		other = protocol.ParamSource
	}
	s.mu.Lock()
	v, _ := s.valueLocked(other)
	s.mu.Unlock()
	reply, _ := s.table.EncodeValue(other, v)
	return reply
}

// Inject queues faults, consumed one per request in order
func (s *Server) Inject(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// Requests returns every request frame received, in arrival order
func (s *Server) Requests() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.requests...)
}

// ResetRequests clears the request log
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Accepts returns how many connections have been accepted
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// State returns a copy of the device state
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Poke changes a parameter as the remote control or another app would
func (s *Server) Poke(param byte, value byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch param {
	case protocol.ParamVolume:
		s.state.Volume = value
	case protocol.ParamSource:
		s.state.Source = value
	default:
		s.state.DSP[param] = value
	}
}

// Online reports whether the simulator is accepting connections
func (s *Server) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// GoOffline closes the listener and every connection, as a speaker entering
// standby does. Later connects are refused.
func (s *Server) GoOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return
	}
	s.online = false
	if err := s.listener.Close(); err != nil {
		logging.Error("Error closing listener", zap.Error(err))
	}
	for addr, conn := range s.activeConns {
		logging.Debug("Closing active connection", zap.String("remote_addr", addr))
		_ = conn.Close()
	}
	logging.Info("Simulated speaker went offline", zap.String("addr", s.addr))
}

// GoOnline reopens the listener on the same address, as a speaker woken by
// its remote does. The standby bit is cleared.
func (s *Server) GoOnline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulator is shut down")
	}
	if st, err := protocol.DecodeSourceState(s.state.Source); err == nil && st.Off {
		st.Off = false
		s.state.Source = st.Encode()
	}
	return s.listenLocked(s.addr)
}

// Shutdown stops the simulator and waits for its goroutines
func (s *Server) Shutdown(ctx context.Context) error {
	s.GoOffline()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logging.Warn("Simulator shutdown timed out")
		return ctx.Err()
	}
}

// ActiveConnections returns the number of open client connections
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}
