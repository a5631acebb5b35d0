// Package protocol defines the on-the-wire vocabulary of the cluster: node
// addresses, client operations, and the datagram frame union exchanged
// between leader, followers, balancer and clients.
//
// Everything here is a plain value type. The frame codec is a little-endian
// length-prefixed binary format so that a frame always fits a single UDP
// datagram and can be decoded without knowing its length in advance.
package protocol

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a cluster endpoint. The string form "ip:port" is the canonical
// identity on the wire: two addresses are equal iff ip and port both match.
type Address struct {
	IP   string
	Port uint16
}

// NewAddress builds an Address from its two parts.
func NewAddress(ip string, port uint16) Address {
	return Address{IP: ip, Port: port}
}

// ParseAddress parses the canonical "ip:port" form.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: invalid port: %w", s, err)
	}
	return Address{IP: host, Port: uint16(port)}, nil
}

// String renders the canonical "ip:port" form.
func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// WALFileName derives the per-node log file name, "ip..port". Dots are used
// instead of a colon so the name is safe on every filesystem.
func (a Address) WALFileName() string {
	return a.IP + ".." + strconv.Itoa(int(a.Port))
}
