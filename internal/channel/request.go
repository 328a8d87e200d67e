package channel

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kefctl/kefctl/internal/protocol"
)

// Op is the kind of work a request asks the channel to do
type Op int

const (
	// OpGet reads a parameter
	OpGet Op = iota
	// OpSet writes a parameter
	OpSet
	// OpConnect opens the session if it is not already open
	OpConnect
	// OpDisconnect closes the session
	OpDisconnect
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("Op(%d)", o)
	}
}

// Request is one unit of work for the channel
type Request struct {
	// Token correlates log lines and responses. Execute assigns one if unset.
	Token uuid.UUID

	Op    Op
	Param byte // Parameter code (get/set)
	Value byte // Wire-native value (set)

	// Idempotent requests may be re-sent after a failure that happened
	// after bytes reached the speaker.
	Idempotent bool

	// MaxAttempts overrides the policy's attempt budget when positive.
	MaxAttempts int

	// Deadline bounds queueing and execution when non-zero.
	Deadline time.Time

	// Label names the request in logs, e.g. "volume up"
	Label string
}

// Get builds an idempotent read request
func Get(param byte) *Request {
	return &Request{Op: OpGet, Param: param, Idempotent: true}
}

// Set builds an absolute write request. Absolute writes are idempotent.
func Set(param byte, value byte) *Request {
	return &Request{Op: OpSet, Param: param, Value: value, Idempotent: true}
}

// Control builds a non-idempotent write, such as a playback command or a
// relative step.
func Control(param byte, value byte) *Request {
	return &Request{Op: OpSet, Param: param, Value: value}
}

func (r *Request) describe(t *protocol.Table) string {
	if r.Label != "" {
		return r.Label
	}
	switch r.Op {
	case OpGet, OpSet:
		return r.Op.String() + " " + t.ParamName(r.Param)
	default:
		return r.Op.String()
	}
}

// Response is the confirmed result of a request
type Response struct {
	Token    uuid.UUID
	Frame    *protocol.Frame // Decoded reply (nil for connect/disconnect)
	Value    byte            // Value read (get) or written (set)
	Attempts int             // Attempts used, including the successful one
	At       time.Time       // When the successful attempt was dispatched
}

type result struct {
	resp *Response
	err  error
}

// pending is a queued request and its waiting caller
type pending struct {
	req    *Request
	ctx    context.Context
	result chan result
	elem   *list.Element // Non-nil while queued
}
