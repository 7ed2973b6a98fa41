package server

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	cache "github.com/kvshard/kvcached/pkg"
)

func newTestStoreForServer(t *testing.T) *cache.Store {
	t.Helper()
	st, err := cache.Open(8<<20, cache.WithShards(4))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// drainOut flattens whatever processInput queued for writing, resetting
// the connection's output queue so the next assertion starts clean.
func drainOut(c *conn) []byte {
	var buf bytes.Buffer
	for _, chunk := range c.outActive {
		buf.Write(chunk)
	}
	c.outActive = c.outActive[:0]
	c.outPendingBytes = 0
	return buf.Bytes()
}

func TestProcessInputSetStored(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)
	c.feed([]byte("set foo 0 0 5\r\nhello\r\n"))

	quit := c.processInput(st, 1000)
	require.False(t, quit)
	require.Equal(t, "STORED\r\n", string(drainOut(c)))

	val, ok := st.GetNoLock([]byte("foo"), 1000)
	require.True(t, ok)
	require.Equal(t, "hello", string(val))
}

func TestProcessInputGetHitAndMiss(t *testing.T) {
	st := newTestStoreForServer(t)
	st.SetNoLock([]byte("foo"), []byte("hello"), 0, 1000)

	c := newConn(-1)
	c.feed([]byte("get foo baz\r\n"))
	c.processInput(st, 1000)

	require.Equal(t, "VALUE foo 0 5\r\nhello\r\nEND\r\n", string(drainOut(c)))
}

func TestProcessInputDeleteHitAndMiss(t *testing.T) {
	st := newTestStoreForServer(t)
	st.SetNoLock([]byte("foo"), []byte("v"), 0, 1000)

	c := newConn(-1)
	c.feed([]byte("delete foo\r\ndelete foo\r\n"))
	c.processInput(st, 1000)

	require.Equal(t, "DELETED\r\nNOT_FOUND\r\n", string(drainOut(c)))
}

func TestProcessInputPipelinedCommandsInOneRead(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)
	c.feed([]byte("set a 0 0 1\r\nA\r\nset b 0 0 1\r\nB\r\nget a b\r\n"))

	quit := c.processInput(st, 1000)
	require.False(t, quit)
	require.Equal(t, "STORED\r\nSTORED\r\nVALUE a 0 1\r\nA\r\nVALUE b 0 1\r\nB\r\nEND\r\n", string(drainOut(c)))
}

func TestProcessInputSetAwaitsDataAcrossReads(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)

	c.feed([]byte("set foo 0 0 5\r\n"))
	quit := c.processInput(st, 1000)
	require.False(t, quit)
	require.Empty(t, drainOut(c))
	require.Equal(t, stateAwaitingData, c.state)

	c.feed([]byte("hello\r\n"))
	quit = c.processInput(st, 1000)
	require.False(t, quit)
	require.Equal(t, "STORED\r\n", string(drainOut(c)))
	require.Equal(t, stateReady, c.state)
}

func TestProcessInputOversizeByteCountRejectedWithoutEnteringDataPhase(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)
	c.feed([]byte("set foo 0 0 99999999\r\n"))

	quit := c.processInput(st, 1000)
	require.False(t, quit)
	require.Equal(t, "CLIENT_ERROR bad data chunk\r\n", string(drainOut(c)))
	require.Equal(t, stateReady, c.state, "parser must not enter the data-awaiting phase for a rejected SET")
}

func TestProcessInputUnknownCommandIsBareError(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)
	c.feed([]byte("frobnicate\r\n"))

	c.processInput(st, 1000)
	require.Equal(t, "ERROR\r\n", string(drainOut(c)))
}

func TestProcessInputQuitSignalsClose(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)
	c.feed([]byte("quit\r\n"))

	quit := c.processInput(st, 1000)
	require.True(t, quit)
}

func TestProcessInputFlushAllAndStats(t *testing.T) {
	st := newTestStoreForServer(t)
	st.SetNoLock([]byte("foo"), []byte("v"), 0, 1000)

	c := newConn(-1)
	c.feed([]byte("flush_all\r\n"))
	c.processInput(st, 1000)
	require.Equal(t, "OK\r\n", string(drainOut(c)))

	_, ok := st.GetNoLock([]byte("foo"), 1000)
	require.False(t, ok)

	c.feed([]byte("stats\r\n"))
	c.processInput(st, 1000)
	out := string(drainOut(c))
	require.Contains(t, out, "STAT curr_items 0\r\n")
	require.Contains(t, out, "STAT version "+Version+"\r\n")
	require.True(t, bytes.HasSuffix([]byte(out), []byte("END\r\n")))
}

func TestProcessInputOversizeLineTriggersSkipResync(t *testing.T) {
	st := newTestStoreForServer(t)
	c := newConn(-1)

	// No newline yet, but already past maxLineBytes: must enter
	// skip-resync instead of waiting forever.
	junk := bytes.Repeat([]byte("x"), maxLineBytes+10)
	c.feed(junk)
	quit := c.processInput(st, 1000)
	require.False(t, quit)
	require.True(t, c.skippingLine)
	require.Empty(t, drainOut(c))

	c.feed([]byte("\r\nget foo\r\n"))
	c.processInput(st, 1000)
	out := string(drainOut(c))
	require.Contains(t, out, "CLIENT_ERROR bad command line format\r\n")
	require.Contains(t, out, "END\r\n")
}
