package admin

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanoutsql/fanoutsql/internal/backend"
	"github.com/fanoutsql/fanoutsql/internal/dispatch"
	"github.com/fanoutsql/fanoutsql/internal/metrics"
	"github.com/fanoutsql/fanoutsql/internal/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func fakeBackend(t *testing.T) backend.Backend {
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
			go func() {
				defer c.Close()
				conn := wire.NewConn(c)
				if _, err := wire.Handshake(conn, "8.0.34-fake"); err != nil {
					return
				}
				for {
					if _, err := wire.ReadPacket(conn); err != nil {
						return
					}
				}
			}()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return backend.Backend{Host: host, Port: port}
}

func TestAdminEndpoints(t *testing.T) {
	b := fakeBackend(t)
	reg := backend.New(backend.Options{ConnsPerBackend: 1, WorkersPerBackend: 1, DialTimeout: time.Second})
	require.NoError(t, reg.LoadInitial([]backend.Backend{b}))

	d := dispatch.New(reg, dispatch.Options{})
	m := metrics.New()
	s := New(reg, d, m, nil)

	addr := freeAddr(t)
	require.NoError(t, s.Start(addr))
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/backends")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var got []string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{b.String()}, got)

	resp, err = http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
