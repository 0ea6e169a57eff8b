package backend

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/wire"
)

// Conn is one pooled connection to a single backend. Dispatch workers and
// the ANY-branch dispatcher both send a query on conn.Wire and read the
// response, each owning it exclusively for the duration of one query.
type Conn struct {
	Wire *wire.Conn

	// backendIndex is this connection's backend's position in the
	// Registry's backend list. It is set when the connection is opened and
	// updated by Reload when a kept backend moves; nothing reads it.
	backendIndex int

	// freed is set by Reload when the backend this connection belongs to is
	// removed from the list while the connection is checked out. The holder
	// notices on return and closes it instead of returning it to a pool.
	freed atomic.Bool

	seq byte
}

// dial opens a pooled connection to b and authenticates it as a MySQL
// client, the same way any real application would before it could issue
// queries. username/password are the proxy's own backend credentials,
// separate from whatever a connected client presented during its own
// handshake with fanoutsql.
func dial(b Backend, timeout time.Duration, username, password string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", b.Addr(), timeout)
	if err != nil {
		return nil, err
	}
	c := &Conn{Wire: wire.NewConn(nc)}
	if err := wire.ClientHandshake(c.Wire, username, password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NextSeq returns the next packet sequence number for a fresh command,
// resetting the per-command sequence counter as the protocol requires.
func (c *Conn) NextSeq() byte {
	c.seq = 0
	return c.seq
}

// Freed reports whether this connection's backend was removed from the
// registry while the connection was checked out.
func (c *Conn) Freed() bool { return c.freed.Load() }

func (c *Conn) markFreed() { c.freed.Store(true) }

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.Wire.Close() }

// SendQuery writes a COM_QUERY packet for query and flushes it.
func (c *Conn) SendQuery(query []byte) error {
	payload := make([]byte, 0, len(query)+1)
	payload = append(payload, wire.ComQuery)
	payload = append(payload, query...)
	if err := c.Wire.WritePacket(payload, c.NextSeq()); err != nil {
		return err
	}
	return wire.Flush(c.Wire)
}
