package backend

import (
	"net"
	"testing"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn() (*Conn, net.Conn) {
	client, server := net.Pipe()
	return &Conn{Wire: wire.NewConn(client)}, server
}

func TestCommitContextAllSucceeded(t *testing.T) {
	cc := NewCommitContext(2, 0, false)
	go cc.MarkResult(0, true)
	go cc.MarkResult(1, true)
	cc.Wait()
	assert.True(t, cc.AllSucceeded())
}

func TestCommitContextOneFailureFailsAll(t *testing.T) {
	cc := NewCommitContext(2, 0, false)
	go cc.MarkResult(0, true)
	go cc.MarkResult(1, false)
	cc.Wait()
	assert.False(t, cc.AllSucceeded())
}

func TestWorkerExecuteNonTwoPCForwardsOKToReply(t *testing.T) {
	conn, server := pipeConn()
	w := &Worker{Index: 0, Conn: conn}

	replyClient, replyServer := net.Pipe()
	reply := wire.NewConn(replyClient)

	done := make(chan error, 1)
	go func() {
		done <- w.execute(Job{Query: []byte("INSERT INTO t VALUES (1)"), Reply: reply, Commit: nil, Index: 0})
	}()

	// Backend side: read the COM_QUERY, reply with OK.
	pkt, err := wire.ReadPacket(server)
	require.NoError(t, err)
	assert.Equal(t, wire.ComQuery, pkt.Payload[0])
	require.NoError(t, wire.WritePacket(server, []byte{0x00, 0, 0, 0x02, 0x00, 0x00, 0x00}, pkt.Seq+1))

	got, err := wire.ReadPacket(replyServer)
	require.NoError(t, err)
	assert.True(t, wire.IsOKPacket(got.Payload))
	require.NoError(t, <-done)
}

func TestWorkerExecuteTwoPCCommitsWhenAllSucceed(t *testing.T) {
	connA, serverA := pipeConn()
	connB, serverB := pipeConn()
	wA := &Worker{Index: 0, Conn: connA}
	wB := &Worker{Index: 1, Conn: connB}

	cc := NewCommitContext(2, 0, true)
	replyClient, replyServer := net.Pipe()
	reply := wire.NewConn(replyClient)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- wA.execute(Job{Query: []byte("UPDATE t SET a=1"), Reply: reply, Commit: cc, Index: 0}) }()
	go func() { doneB <- wB.execute(Job{Query: []byte("UPDATE t SET a=1"), Reply: nil, Commit: cc, Index: 1}) }()

	serveInitialOK(t, serverA)
	serveInitialOK(t, serverB)

	serveAndExpect(t, serverA, "COMMIT")
	serveAndExpect(t, serverB, "COMMIT")

	got, err := wire.ReadPacket(replyServer)
	require.NoError(t, err)
	assert.True(t, wire.IsOKPacket(got.Payload))

	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
}

func TestWorkerExecuteTwoPCRollsBackOnPartialFailure(t *testing.T) {
	connA, serverA := pipeConn()
	connB, serverB := pipeConn()
	wA := &Worker{Index: 0, Conn: connA}
	wB := &Worker{Index: 1, Conn: connB}

	cc := NewCommitContext(2, 0, true)
	replyClient, replyServer := net.Pipe()
	reply := wire.NewConn(replyClient)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- wA.execute(Job{Query: []byte("UPDATE t SET a=1"), Reply: reply, Commit: cc, Index: 0}) }()
	go func() { doneB <- wB.execute(Job{Query: []byte("UPDATE t SET a=1"), Reply: nil, Commit: cc, Index: 1}) }()

	serveInitialOK(t, serverA)
	serveInitialErr(t, serverB)

	serveAndExpect(t, serverA, "ROLLBACK")
	serveAndExpect(t, serverB, "ROLLBACK")

	got, err := wire.ReadPacket(replyServer)
	require.NoError(t, err)
	assert.True(t, wire.IsErrorPacket(got.Payload))
	assert.Contains(t, string(got.Payload), "rolled back")

	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
}

func serveInitialOK(t *testing.T, server net.Conn) {
	t.Helper()
	pkt, err := wire.ReadPacket(server)
	require.NoError(t, err)
	require.NoError(t, wire.WritePacket(server, []byte{0x00, 0, 0, 0x02, 0x00, 0x00, 0x00}, pkt.Seq+1))
}

func serveInitialErr(t *testing.T, server net.Conn) {
	t.Helper()
	pkt, err := wire.ReadPacket(server)
	require.NoError(t, err)
	errPayload := append([]byte{0xff, 0x20, 0x04, '#'}, "HY000deadlock"...)
	require.NoError(t, wire.WritePacket(server, errPayload, pkt.Seq+1))
}

func serveAndExpect(t *testing.T, server net.Conn, want string) {
	t.Helper()
	pkt, err := wire.ReadPacket(server)
	require.NoError(t, err)
	assert.Equal(t, want, string(pkt.Payload[1:]))
	require.NoError(t, wire.WritePacket(server, []byte{0x00, 0, 0, 0x02, 0x00, 0x00, 0x00}, pkt.Seq+1))
}

func TestWorkerStateTransitions(t *testing.T) {
	conn, server := pipeConn()
	w := newWorker(0, conn)
	assert.Equal(t, WorkerIdle, w.State())

	done := make(chan error, 1)
	w.Submit(Job{Query: []byte("SELECT 1"), Done: done})

	pkt, err := wire.ReadPacket(server)
	require.NoError(t, err)
	require.NoError(t, wire.WritePacket(server, []byte{0x00, 0, 0, 0x02, 0x00, 0x00, 0x00}, pkt.Seq+1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job never completed")
	}
}
