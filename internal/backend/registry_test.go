package backend

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMySQLServer accepts one connection and, for every COM_QUERY it
// receives, replies with a single OK packet. It's enough to exercise dial,
// pool admission, and the ANY-branch query path without a real MySQL.
func fakeMySQLServer(t *testing.T) Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveOKForever(c)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Backend{Host: host, Port: port}
}

func serveOKForever(c net.Conn) {
	defer c.Close()
	conn := wire.NewConn(c)
	if _, err := wire.Handshake(conn, "8.0.34-fake"); err != nil {
		return
	}
	for {
		pkt, err := wire.ReadPacket(conn)
		if err != nil {
			return
		}
		// OK packet: 0x00, 0 affected, 0 last-insert-id, status(2), warnings(2)
		payload := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
		if err := conn.WritePacket(payload, pkt.Seq+1); err != nil {
			return
		}
		_ = wire.Flush(conn)
	}
}

func testOpts() Options {
	return Options{ConnsPerBackend: 2, WorkersPerBackend: 2, DialTimeout: time.Second}
}

func TestLoadInitialOpensConnsAndWorkers(t *testing.T) {
	b := fakeMySQLServer(t)
	r := New(testOpts())
	require.NoError(t, r.LoadInitial([]Backend{b}))
	assert.Equal(t, 1, r.Count())

	c, slot, err := r.AcquireConn(0)
	require.NoError(t, err)
	require.NotNil(t, c)
	r.ReleaseConn(0, slot, c)

	w, slot2, err := r.AcquireWorker(0)
	require.NoError(t, err)
	require.NotNil(t, w)
	r.ReleaseWorker(0, slot2)
}

func TestReloadRejectsEmptyList(t *testing.T) {
	b := fakeMySQLServer(t)
	r := New(testOpts())
	require.NoError(t, r.LoadInitial([]Backend{b}))
	err := r.Reload(nil)
	require.Error(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestReloadKeepsIdentitySameBackendNoReconnect(t *testing.T) {
	b := fakeMySQLServer(t)
	r := New(testOpts())
	require.NoError(t, r.LoadInitial([]Backend{b}))

	c1, slot1, err := r.AcquireConn(0)
	require.NoError(t, err)
	r.ReleaseConn(0, slot1, c1)

	require.NoError(t, r.Reload([]Backend{b}))

	c2, slot2, err := r.AcquireConn(0)
	require.NoError(t, err)
	defer r.ReleaseConn(0, slot2, c2)

	assert.Same(t, c1, c2, "reload of an identically-addressed backend must reuse its connections")
}

func TestReloadAddsAndDropsBackends(t *testing.T) {
	b1 := fakeMySQLServer(t)
	b2 := fakeMySQLServer(t)
	r := New(testOpts())
	require.NoError(t, r.LoadInitial([]Backend{b1}))

	require.NoError(t, r.Reload([]Backend{b2}))
	assert.Equal(t, []Backend{b2}, r.Backends())

	c, slot, err := r.AcquireConn(0)
	require.NoError(t, err)
	r.ReleaseConn(0, slot, c)
}

func TestReloadMarksCheckedOutConnFreed(t *testing.T) {
	b1 := fakeMySQLServer(t)
	b2 := fakeMySQLServer(t)
	r := New(testOpts())
	require.NoError(t, r.LoadInitial([]Backend{b1}))

	c, slot, err := r.AcquireConn(0)
	require.NoError(t, err)

	require.NoError(t, r.Reload([]Backend{b2}))
	assert.True(t, c.Freed())

	r.ReleaseConn(0, slot, c) // must close rather than panic on an orphaned pool
}

func TestParseBackendFile(t *testing.T) {
	list, err := Parse(strings.NewReader("# comment\n10.0.0.1\n10.0.0.2:3307  10.0.0.3\n"))
	require.NoError(t, err)
	assert.Equal(t, []Backend{
		{Host: "10.0.0.1", Port: 3306},
		{Host: "10.0.0.2", Port: 3307},
		{Host: "10.0.0.3", Port: 3306},
	}, list)
}

func TestParseEmptyFileRejected(t *testing.T) {
	_, err := Parse(strings.NewReader("\n# nothing but comments\n"))
	require.Error(t, err)
}
