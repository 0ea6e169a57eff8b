// Package backend maintains the authoritative, reloadable list of MySQL
// backends the dispatcher routes to: their identity, per-backend connection
// pools, and per-backend dispatch-worker pools.
package backend

import (
	"net"
	"strconv"
)

// Backend is the immutable identity of a downstream MySQL server.
// Two backends are interchangeable for connection-reuse purposes iff their
// host string and port compare exactly equal.
type Backend struct {
	Host string
	Port int
}

// Addr returns the "host:port" dial address.
func (b Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Equal reports whether a and b name the same backend.
func (a Backend) Equal(b Backend) bool {
	return a.Host == b.Host && a.Port == b.Port
}

func (b Backend) String() string { return b.Addr() }
