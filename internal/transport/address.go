package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the TCP port KEF speakers listen on for control commands
const DefaultPort = 50001

// Address identifies a speaker on the network. It is immutable.
type Address struct {
	Host string
	Port int
}

// NewAddress builds an address, applying DefaultPort when port is zero
func NewAddress(host string, port int) Address {
	if port == 0 {
		port = DefaultPort
	}
	return Address{Host: host, Port: port}
}

// ParseAddress accepts "host", "host:port" and "[v6]:port".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty speaker address")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given
		host = strings.Trim(s, "[]")
		return Address{Host: host, Port: DefaultPort}, nil
	}
	if host == "" {
		return Address{}, fmt.Errorf("speaker address %q has no host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port %q in speaker address %q", portStr, s)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns the dialable host:port form
func (a Address) String() string {
	port := a.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}
