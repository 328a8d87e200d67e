package deviceerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeConnect indicates the TCP connection could not be established
	ErrTypeConnect ErrorType = iota
	// ErrTypeTransport indicates an I/O failure on an established session
	ErrTypeTransport
	// ErrTypeProtocol indicates bytes that do not form a recognized frame
	ErrTypeProtocol
	// ErrTypeUnreachable indicates the speaker could not be reached after all connect attempts
	ErrTypeUnreachable
	// ErrTypeUnsupported indicates an operation the device cannot perform
	ErrTypeUnsupported
	// ErrTypeTimeout indicates a deadline expired before the reply arrived
	ErrTypeTimeout
	// ErrTypeRejected indicates the device answered with a non-accepted status
	ErrTypeRejected
	// ErrTypeValidation indicates an invalid argument, caught before anything was sent
	ErrTypeValidation
	// ErrTypeClosed indicates the speaker handle has been shut down
	ErrTypeClosed
)

// NetworkErrorSubtype provides more specific network error classification
type NetworkErrorSubtype int

const (
	NetworkErrorGeneral NetworkErrorSubtype = iota
	NetworkErrorTimeout
	NetworkErrorConnectionRefused
	NetworkErrorDNS
	NetworkErrorHostUnreachable
	NetworkErrorNetworkUnreachable
	NetworkErrorConnectionReset
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeConnect:
		return "Connect Error"
	case ErrTypeTransport:
		return "Transport Error"
	case ErrTypeProtocol:
		return "Protocol Error"
	case ErrTypeUnreachable:
		return "Unreachable"
	case ErrTypeUnsupported:
		return "Unsupported Operation"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeRejected:
		return "Rejected"
	case ErrTypeValidation:
		return "Validation Error"
	case ErrTypeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Outcome says whether a failed command may still have taken effect.
type Outcome int

const (
	// OutcomeUnknown means the request reached the wire but no confirmation arrived.
	OutcomeUnknown Outcome = iota
	// OutcomeNotApplied means the device never received the request.
	OutcomeNotApplied
	// OutcomeApplied means the device confirmed the request.
	OutcomeApplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotApplied:
		return "not applied"
	case OutcomeApplied:
		return "applied"
	default:
		return "unknown"
	}
}

// DeviceError represents an error that occurred during speaker communication
type DeviceError struct {
	Type           ErrorType           // Category of error
	Message        string              // Human-readable error message
	Err            error               // Underlying error (if any)
	NetworkSubtype NetworkErrorSubtype // More specific network error type
	Address        string              // host:port of the speaker
	Retryable      bool                // Whether the failure is transient
	Sent           bool                // Whether any request bytes reached the socket
	Outcome        Outcome             // Whether the command may have taken effect
}

// Error implements the error interface
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// As extracts the first DeviceError in err's chain.
func As(err error) (*DeviceError, bool) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr, true
	}
	return nil, false
}

func outcomeFor(sent bool) Outcome {
	if sent {
		return OutcomeUnknown
	}
	return OutcomeNotApplied
}

// isTimeout matches deadline expiry from the net package, os deadlines and contexts.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// ClassifyNetworkError analyzes a dial error and returns a Connect error with
// a specific subtype. Only refusals are retryable: a speaker that refuses is
// powered and booting, while timeouts and routing failures mean it is gone.
func ClassifyNetworkError(err error, address string) *DeviceError {
	if err == nil {
		return nil
	}

	devErr := &DeviceError{
		Type:           ErrTypeConnect,
		Message:        "Network error occurred",
		Err:            err,
		NetworkSubtype: NetworkErrorGeneral,
		Address:        address,
		Retryable:      true,
		Outcome:        OutcomeNotApplied,
	}

	var dnsErr *net.DNSError
	switch {
	case isTimeout(err):
		devErr.Message = "Connection timed out"
		devErr.NetworkSubtype = NetworkErrorTimeout
		devErr.Retryable = false
	case errors.As(err, &dnsErr):
		devErr.Message = fmt.Sprintf("DNS resolution failed for %s", dnsErr.Name)
		devErr.NetworkSubtype = NetworkErrorDNS
		devErr.Retryable = false
	case errors.Is(err, syscall.ECONNREFUSED):
		devErr.Message = "Speaker refused connection"
		devErr.NetworkSubtype = NetworkErrorConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		devErr.Message = "Host unreachable"
		devErr.NetworkSubtype = NetworkErrorHostUnreachable
		devErr.Retryable = false
	case errors.Is(err, syscall.ENETUNREACH):
		devErr.Message = "Network unreachable"
		devErr.NetworkSubtype = NetworkErrorNetworkUnreachable
		devErr.Retryable = false
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.EOF):
		devErr.Message = "Connection reset by speaker"
		devErr.NetworkSubtype = NetworkErrorConnectionReset
	}
	return devErr
}

// NewConnectError creates a classified connect error for address
func NewConnectError(address string, err error) *DeviceError {
	devErr := ClassifyNetworkError(err, address)
	if devErr == nil {
		devErr = &DeviceError{Type: ErrTypeConnect, Address: address, Outcome: OutcomeNotApplied}
	}
	devErr.Message = fmt.Sprintf("connect to %s: %s", address, strings.ToLower(devErr.Message))
	return devErr
}

// NewTransportError creates an I/O error on an established session
func NewTransportError(message string, err error, sent bool) *DeviceError {
	devErr := &DeviceError{
		Type:      ErrTypeTransport,
		Message:   message,
		Err:       err,
		Retryable: true,
		Sent:      sent,
		Outcome:   outcomeFor(sent),
	}
	if classified := ClassifyNetworkError(err, ""); classified != nil {
		devErr.NetworkSubtype = classified.NetworkSubtype
	}
	return devErr
}

// NewTimeoutError creates a deadline expiry error
func NewTimeoutError(message string, err error, sent bool) *DeviceError {
	return &DeviceError{
		Type:           ErrTypeTimeout,
		Message:        message,
		Err:            err,
		NetworkSubtype: NetworkErrorTimeout,
		Retryable:      true,
		Sent:           sent,
		Outcome:        outcomeFor(sent),
	}
}

// NewProtocolError creates an error for an unrecognized or mismatched frame
func NewProtocolError(message string, err error, sent bool) *DeviceError {
	return &DeviceError{
		Type:      ErrTypeProtocol,
		Message:   message,
		Err:       err,
		Retryable: false,
		Sent:      sent,
		Outcome:   outcomeFor(sent),
	}
}

// NewUnreachableError wraps the last connect failure after all attempts were used
func NewUnreachableError(address string, err error) *DeviceError {
	devErr := &DeviceError{
		Type:      ErrTypeUnreachable,
		Message:   fmt.Sprintf("speaker at %s is unreachable", address),
		Err:       err,
		Address:   address,
		Retryable: false,
		Outcome:   OutcomeNotApplied,
	}
	if connErr, ok := As(err); ok {
		devErr.NetworkSubtype = connErr.NetworkSubtype
	}
	return devErr
}

// NewUnsupportedError creates an error for an operation the device cannot perform
func NewUnsupportedError(message string) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeUnsupported,
		Message: message,
		Outcome: OutcomeNotApplied,
	}
}

// NewRejectedError creates an error for a non-accepted status reply
func NewRejectedError(message string) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeRejected,
		Message: message,
		Sent:    true,
		Outcome: OutcomeNotApplied,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeValidation,
		Message: message,
		Outcome: OutcomeNotApplied,
	}
}

// NewClosedError creates an error for use after shutdown
func NewClosedError(message string) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeClosed,
		Message: message,
		Outcome: OutcomeNotApplied,
	}
}

// OutcomeOf reports whether the command that produced err took effect.
// A nil error means the device confirmed it.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeApplied
	}
	if devErr, ok := As(err); ok {
		return devErr.Outcome
	}
	return OutcomeUnknown
}

func isType(err error, types ...ErrorType) bool {
	devErr, ok := As(err)
	if !ok {
		return false
	}
	for _, t := range types {
		if devErr.Type == t {
			return true
		}
	}
	return false
}

// IsNetworkError checks if an error came from the network rather than the device
func IsNetworkError(err error) bool {
	return isType(err, ErrTypeConnect, ErrTypeTransport, ErrTypeTimeout, ErrTypeUnreachable)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool { return isType(err, ErrTypeTimeout) }

// IsUnreachable checks if an error reports an unreachable speaker
func IsUnreachable(err error) bool { return isType(err, ErrTypeUnreachable) }

// IsProtocol checks if an error is a protocol error
func IsProtocol(err error) bool { return isType(err, ErrTypeProtocol) }

// IsUnsupported checks if an error is an unsupported operation
func IsUnsupported(err error) bool { return isType(err, ErrTypeUnsupported) }

// IsRejected checks if the device rejected the command
func IsRejected(err error) bool { return isType(err, ErrTypeRejected) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrTypeValidation) }

// IsClosed checks if an error reports use after shutdown
func IsClosed(err error) bool { return isType(err, ErrTypeClosed) }

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if devErr, ok := As(err); ok {
		return devErr.Retryable
	}
	// Unknown errors are not retryable by default
	return false
}

// IsSent reports whether request bytes reached the socket before err occurred
func IsSent(err error) bool {
	if devErr, ok := As(err); ok {
		return devErr.Sent
	}
	return true
}

// TroubleshootingHint returns user-friendly troubleshooting advice for an error
func TroubleshootingHint(err error) string {
	devErr, ok := As(err)
	if !ok {
		return "An unexpected error occurred. Please try again."
	}

	switch devErr.Type {
	case ErrTypeTimeout:
		hint := []string{"The speaker did not answer in time."}
		if devErr.Outcome == OutcomeUnknown {
			hint = append(hint, "The command was sent and may still have been applied.")
		}
		hint = append(hint,
			"Troubleshooting:",
			"  • Check that the speaker is powered on and not in standby",
			"  • Try increasing the response timeout",
			"  • Move the speaker closer to the WiFi access point",
		)
		return strings.Join(hint, "\n")

	case ErrTypeConnect, ErrTypeUnreachable:
		switch devErr.NetworkSubtype {
		case NetworkErrorConnectionRefused:
			return strings.Join([]string{
				"The speaker refused the connection.",
				"Troubleshooting:",
				"  • The speaker may still be booting - wait a few seconds",
				"  • Another app (e.g. KEF Control) may hold the connection",
				"  • Verify the port number (default is 50001)",
			}, "\n")
		case NetworkErrorDNS:
			return strings.Join([]string{
				"Could not resolve the speaker hostname.",
				"Troubleshooting:",
				"  • Use the IP address instead of hostname",
				"  • Check your network DNS settings",
			}, "\n")
		case NetworkErrorHostUnreachable, NetworkErrorTimeout:
			addr := devErr.Address
			if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
				addr = host
			}
			return strings.Join([]string{
				"The speaker is not reachable on the network.",
				"Troubleshooting:",
				"  • A speaker that is switched off drops off the network entirely",
				"  • Verify the speaker IP address is correct",
				"  • Try pinging the speaker: ping " + addr,
			}, "\n")
		case NetworkErrorNetworkUnreachable:
			return strings.Join([]string{
				"Your computer cannot reach the speaker's network.",
				"Troubleshooting:",
				"  • Check your network adapter settings",
				"  • Verify WiFi is enabled on your computer",
			}, "\n")
		default:
			return strings.Join([]string{
				"Network communication failed.",
				"Troubleshooting:",
				"  • Check your network connection",
				"  • Verify the speaker is powered on",
			}, "\n")
		}

	case ErrTypeTransport:
		return strings.Join([]string{
			"The connection to the speaker dropped.",
			"The next command will reconnect automatically.",
		}, "\n")

	case ErrTypeProtocol:
		return strings.Join([]string{
			"The speaker sent a reply that could not be understood.",
			"This may indicate a firmware incompatibility.",
			"Troubleshooting:",
			"  • Set a different firmware table in the config file",
			"  • Run with --log-level debug to capture the raw frames",
		}, "\n")

	case ErrTypeUnsupported:
		if strings.Contains(devErr.Message, "power on") {
			return "The speaker turns its network interface off in standby. Use the remote or the button on the speaker."
		}
		return "This speaker does not support the requested operation."

	case ErrTypeRejected:
		return "The speaker rejected the command. Check that the value is valid for the current source."

	case ErrTypeValidation:
		return "The value is invalid. Check the error message for details."

	case ErrTypeClosed:
		return "The speaker connection has been shut down."

	default:
		return "An error occurred. Please check the error message for details."
	}
}

// ShortMessage returns a concise, user-friendly error message
func ShortMessage(err error) string {
	devErr, ok := As(err)
	if !ok {
		return err.Error()
	}

	switch devErr.Type {
	case ErrTypeTimeout:
		if devErr.Outcome == OutcomeUnknown {
			return "Speaker not responding (command may have been applied)"
		}
		return "Speaker not responding (timeout)"
	case ErrTypeConnect, ErrTypeUnreachable:
		switch devErr.NetworkSubtype {
		case NetworkErrorConnectionRefused:
			return "Speaker refused connection - is it booting?"
		case NetworkErrorDNS:
			return "Cannot resolve speaker hostname"
		case NetworkErrorHostUnreachable, NetworkErrorTimeout:
			return "Speaker unreachable - is it switched off?"
		case NetworkErrorNetworkUnreachable:
			return "Network unreachable - check WiFi connection"
		default:
			return "Network error - check connection"
		}
	case ErrTypeTransport:
		return "Connection to speaker lost"
	case ErrTypeProtocol:
		return "Unrecognized reply from speaker"
	default:
		return devErr.Message
	}
}
