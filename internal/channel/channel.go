package channel

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/transport"
)

const (
	// DefaultConnectTimeout bounds a single dial
	DefaultConnectTimeout = 3 * time.Second

	// DefaultResponseTimeout bounds a single request/response exchange
	DefaultResponseTimeout = 2 * time.Second

	// DefaultConnectAttempts is the number of dials before giving up
	DefaultConnectAttempts = 3
)

// Session is the transport the channel drives. *transport.Session implements it.
type Session interface {
	Connect(ctx context.Context, timeout time.Duration) error
	SendAndReceive(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)
	Close() error
	State() transport.ConnectionState
	Address() transport.Address
}

// Sink receives every confirmed response before Execute returns. The facade
// uses it to write results through to the state cache.
type Sink interface {
	Apply(req *Request, resp *Response)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(req *Request, resp *Response)

// Apply calls f(req, resp)
func (f SinkFunc) Apply(req *Request, resp *Response) { f(req, resp) }

// Config controls timeouts and retries
type Config struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	ConnectAttempts int
	Retry           RetryPolicy

	// IdleTimeout closes the session after this long without traffic.
	// Zero keeps it open.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Channel serializes all traffic to one speaker.
//
// Requests are queued in FIFO order and executed one at a time by a single
// worker goroutine, so at most one exchange is ever in flight.
type Channel struct {
	session Session
	table   *protocol.Table
	cfg     Config
	sink    Sink
	addr    string

	mu     sync.Mutex
	queue  *list.List
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a channel and starts its worker. sink may be nil.
func New(session Session, table *protocol.Table, cfg Config, sink Sink) *Channel {
	c := &Channel{
		session: session,
		table:   table,
		cfg:     cfg.withDefaults(),
		sink:    sink,
		addr:    session.Address().String(),
		queue:   list.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Table returns the opcode table used to encode requests
func (c *Channel) Table() *protocol.Table {
	return c.table
}

// State reports the session's connection state
func (c *Channel) State() transport.ConnectionState {
	return c.session.State()
}

// QueueLen returns the number of requests waiting behind the one in flight
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// Execute queues req and waits for its result.
//
// If ctx (or req.Deadline) expires while req is still queued, req is
// withdrawn and a Timeout error with outcome not-applied is returned. Once
// dispatched, the request runs to completion under the same deadline.
func (c *Channel) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req.Token == uuid.Nil {
		req.Token = uuid.New()
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	p := &pending{req: req, ctx: ctx, result: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, deviceerr.NewClosedError("command channel closed")
	}
	p.elem = c.queue.PushBack(p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if p.elem != nil {
		c.queue.Remove(p.elem)
		p.elem = nil
		c.mu.Unlock()
		logging.Debug("Request withdrawn from queue",
			zap.String("speaker", c.addr),
			zap.String("request", req.describe(c.table)),
			zap.Stringer("token", req.Token),
		)
		return nil, deviceerr.NewTimeoutError(
			fmt.Sprintf("%s: deadline expired while queued", req.describe(c.table)), ctx.Err(), false)
	}
	c.mu.Unlock()

	// Already dispatched; the worker honours ctx and will answer shortly
	r := <-p.result
	return r.resp, r.err
}

// Connect queues a connect request
func (c *Channel) Connect(ctx context.Context) error {
	_, err := c.Execute(ctx, &Request{Op: OpConnect})
	return err
}

// Disconnect queues a session close
func (c *Channel) Disconnect(ctx context.Context) error {
	_, err := c.Execute(ctx, &Request{Op: OpDisconnect})
	return err
}

// Close stops the worker, fails queued requests and closes the session.
// It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	// Interrupt an exchange in flight
	_ = c.session.Close()
	c.wg.Wait()
	return c.session.Close()
}

func (c *Channel) next() *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.queue.Front()
	if front == nil {
		return nil
	}
	c.queue.Remove(front)
	p := front.Value.(*pending)
	p.elem = nil
	return p
}

func (c *Channel) run() {
	defer c.wg.Done()

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-c.done:
			c.failQueued()
			return
		default:
		}

		p := c.next()
		if p == nil {
			select {
			case <-c.wake:
			case <-idle.C:
				if c.session.State() == transport.Connected {
					logging.Debug("Closing idle session", zap.String("speaker", c.addr))
					_ = c.session.Close()
				}
			case <-c.done:
				c.failQueued()
				return
			}
			continue
		}

		resp, err := c.dispatch(p)
		p.result <- result{resp: resp, err: err}

		if c.cfg.IdleTimeout > 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.IdleTimeout)
		}
	}
}

func (c *Channel) failQueued() {
	for p := c.next(); p != nil; p = c.next() {
		p.result <- result{err: deviceerr.NewClosedError("command channel closed")}
	}
}

func (c *Channel) dispatch(p *pending) (*Response, error) {
	req := p.req
	ctx := p.ctx

	if err := ctx.Err(); err != nil {
		return nil, deviceerr.NewTimeoutError(req.describe(c.table)+": deadline expired before dispatch", err, false)
	}

	switch req.Op {
	case OpConnect:
		if err := c.ensureConnected(ctx); err != nil {
			return nil, err
		}
		return &Response{Token: req.Token, Attempts: 1, At: time.Now()}, nil
	case OpDisconnect:
		_ = c.session.Close()
		return &Response{Token: req.Token, Attempts: 1, At: time.Now()}, nil
	}

	frame, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	bo := c.cfg.Retry.NewBackOff()
	anySent := false
	var lastErr error

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, bo.NextBackOff()); err != nil {
				break
			}
		}

		if err := c.ensureConnected(ctx); err != nil {
			// Once bytes reached the speaker, the earlier failure carries the
			// outcome; a failed reconnect says nothing about the write
			if !anySent {
				lastErr = err
			}
			break
		}

		at := time.Now()
		reply, err := c.session.SendAndReceive(ctx, frame, c.cfg.ResponseTimeout)
		if err == nil {
			resp, err := c.interpret(req, reply, at, attempt)
			if err != nil {
				if deviceerr.IsProtocol(err) {
					_ = c.session.Close()
				}
				return nil, err
			}
			if c.sink != nil {
				c.sink.Apply(req, resp)
			}
			return resp, nil
		}

		lastErr = err
		anySent = anySent || deviceerr.IsSent(err)

		// A late reply would be read as the answer to the next request
		_ = c.session.Close()

		if ctx.Err() != nil || !c.cfg.Retry.ShouldRetry(req, err, attempt) {
			break
		}
		logging.Warn("Retrying request",
			zap.String("speaker", c.addr),
			zap.String("request", req.describe(c.table)),
			zap.Stringer("token", req.Token),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	_ = c.session.Close()
	return nil, settle(lastErr, anySent)
}

// settle marks err as outcome-unknown when an earlier attempt reached the
// wire, even if the final attempt did not.
func settle(err error, anySent bool) error {
	devErr, ok := deviceerr.As(err)
	if !ok || !anySent || devErr.Outcome != deviceerr.OutcomeNotApplied {
		return err
	}
	settled := *devErr
	settled.Sent = true
	settled.Outcome = deviceerr.OutcomeUnknown
	return &settled
}

func (c *Channel) encode(req *Request) ([]byte, error) {
	var (
		frame []byte
		err   error
	)
	switch req.Op {
	case OpGet:
		frame, err = c.table.EncodeGet(req.Param)
	case OpSet:
		frame, err = c.table.EncodeSet(req.Param, req.Value)
	default:
		err = fmt.Errorf("unknown op %s", req.Op)
	}
	if err != nil {
		return nil, deviceerr.NewValidationError(fmt.Sprintf("%s: %v", req.describe(c.table), err))
	}
	return frame, nil
}

// interpret checks that reply answers req and builds the response
func (c *Channel) interpret(req *Request, reply []byte, at time.Time, attempts int) (*Response, error) {
	f, _, err := c.table.Decode(reply)
	if err != nil {
		return nil, deviceerr.NewProtocolError(req.describe(c.table)+": undecodable reply", err, true)
	}

	if f.Kind == protocol.KindStatus && !f.Accepted() {
		return nil, deviceerr.NewRejectedError(
			fmt.Sprintf("%s: speaker returned status 0x%02x", req.describe(c.table), f.Status))
	}

	resp := &Response{Token: req.Token, Frame: f, Attempts: attempts, At: at}
	switch req.Op {
	case OpSet:
		if f.Kind != protocol.KindStatus {
			return nil, deviceerr.NewProtocolError(
				fmt.Sprintf("%s: expected status reply, got %s", req.describe(c.table), f), nil, true)
		}
		resp.Value = req.Value
	case OpGet:
		if f.Kind != protocol.KindValue || f.Param != req.Param || len(f.Value) == 0 {
			return nil, deviceerr.NewProtocolError(
				fmt.Sprintf("%s: expected value reply, got %s", req.describe(c.table), f), nil, true)
		}
		resp.Value = f.Byte()
	}
	return resp, nil
}

// ensureConnected dials when needed. Refusals are retried with backoff;
// any other connect failure gives up at once.
func (c *Channel) ensureConnected(ctx context.Context) error {
	if c.session.State() == transport.Connected {
		return nil
	}

	bo := c.cfg.Retry.NewBackOff()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, bo.NextBackOff()); err != nil {
				break
			}
		}
		err := c.session.Connect(ctx, c.cfg.ConnectTimeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if deviceerr.IsClosed(err) {
			return err
		}
		if !deviceerr.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		logging.Debug("Connect refused, retrying",
			zap.String("speaker", c.addr),
			zap.Int("attempt", attempt),
		)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return deviceerr.NewUnreachableError(c.addr, lastErr)
}

var errChannelClosed = errors.New("command channel closed")

func (c *Channel) sleep(ctx context.Context, d time.Duration) error {
	if d == backoff.Stop {
		return errors.New("backoff exhausted")
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errChannelClosed
	}
}
