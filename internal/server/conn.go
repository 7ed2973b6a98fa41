package server

// conn.go implements per-connection buffering (spec'd in the design as
// 4.G "Connection"): a geometrically-growing input buffer that never
// shrinks, and an output side modeled as two chunk queues — "active"
// (still being appended to) and "writing" (being drained by the kernel)
// — so a slow reader never blocks response formatting for other ready
// connections on the single event-loop thread.
//
// Unlike a flat double-buffer-of-bytes, queuing []byte chunks instead of
// concatenating them lets a GET response's value bytes be hand to
// unix.Writev untouched — they still alias shard/arena memory — instead
// of being copied into an output buffer first. This is an adaptation of
// the two-buffer/active-index description: same "never block behind a
// write in flight" behavior, zero-copy payloads as a bonus.
//
// © 2025 kvcached authors. MIT License.

import (
	"golang.org/x/sys/unix"
)

const (
	initialInputBytes = 64 << 10
	flushThreshold    = 256 << 10
)

// conn is one accepted, non-blocking TCP stream.
type conn struct {
	fd int

	in     []byte // accumulated unconsumed bytes, in[0:inLen]
	inLen  int
	inRead int // bytes of in[0:inLen] already consumed by the parser

	state        parseState
	pending      *pendingSet
	skippingLine bool

	outActive       [][]byte
	outWriting      [][]byte
	outWriteOff     int
	outPendingBytes int
	writeArmed      bool

	closing bool
	closed  bool
}

func newConn(fd int) *conn {
	return &conn{
		fd:  fd,
		in:  make([]byte, initialInputBytes),
		state: stateReady,
	}
}

// growInput ensures at least extra bytes of free space exist past inLen,
// doubling capacity (never shrinking) as many times as needed.
func (c *conn) growInput(extra int) {
	need := c.inLen + extra
	if need <= len(c.in) {
		return
	}
	newCap := len(c.in)
	if newCap == 0 {
		newCap = initialInputBytes
	}
	for newCap < need {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, c.in[:c.inLen])
	c.in = grown
}

// compact discards already-consumed bytes from the front of the input
// buffer. Called between event-loop wake-ups, never mid-command, so a
// pending AwaitingData's key slice (held in c.pending) is never
// invalidated while still needed — it was copied at parse time
// (parseSet clones the key) specifically so compaction can't corrupt it.
func (c *conn) compact() {
	if c.inRead == 0 {
		return
	}
	remaining := c.inLen - c.inRead
	copy(c.in, c.in[c.inRead:c.inLen])
	c.inLen = remaining
	c.inRead = 0
}

// feed appends freshly-read bytes onto the input buffer.
func (c *conn) feed(b []byte) {
	c.growInput(len(b))
	copy(c.in[c.inLen:], b)
	c.inLen += len(b)
}

// appendOut queues a response chunk for writing. Zero-length chunks are
// dropped so a caller can unconditionally pass e.g. a possibly-empty
// value slice. Once the connection is closing, every append is a silent
// no-op: a close in progress means only the write already in flight may
// still drain, nothing new gets queued behind it (spec §4.G).
func (c *conn) appendOut(b []byte) {
	if c.closing || len(b) == 0 {
		return
	}
	c.outActive = append(c.outActive, b)
	c.outPendingBytes += len(b)
}

// maybeFlush issues a write if the active queue has crossed the flush
// threshold, or unconditionally when idle is true (the parser has
// consumed all available input and has nothing left to do this
// wake-up — spec 4.G: "or the parser has consumed all available
// input").
func (c *conn) maybeFlush(idle bool) {
	if c.outPendingBytes >= flushThreshold || (idle && c.outPendingBytes > 0) {
		c.flush()
	}
}

// flush swaps the active queue into the writing queue and attempts to
// drain it. If a write is already in flight, queued chunks simply wait:
// they will flush once the in-flight write completes and pumpWrite
// re-invokes flush.
func (c *conn) flush() {
	if len(c.outWriting) > 0 || len(c.outActive) == 0 {
		return
	}
	c.outWriting, c.outActive = c.outActive, c.outActive[:0]
	c.outWriteOff = 0
	c.outPendingBytes = 0
	c.pumpWrite()
}

// pumpWrite drains as much of outWriting as the socket accepts without
// blocking. On EAGAIN it returns with outWriting still non-empty, which
// hasPendingWrite reports so the reactor registers EPOLLOUT interest. On success it keeps draining until
// outWriting empties, then immediately flushes anything queued behind
// it, so output keeps moving within one wake-up when the kernel buffer
// has room.
func (c *conn) pumpWrite() (closeErr error) {
	for len(c.outWriting) > 0 {
		iovs := c.outWriting
		if c.outWriteOff > 0 {
			first := append([]byte(nil), iovs[0][c.outWriteOff:]...)
			iovs = append([][]byte{first}, iovs[1:]...)
		}
		n, err := unix.Writev(c.fd, iovs)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
		c.advanceWriting(n)
	}
	if len(c.outActive) > 0 {
		c.flush()
	}
	return nil
}

// advanceWriting drops fully-written chunks and records a partial offset
// into whatever chunk straddles the boundary.
func (c *conn) advanceWriting(n int) {
	c.outWriteOff += n
	for len(c.outWriting) > 0 {
		clen := len(c.outWriting[0])
		if c.outWriteOff < clen {
			break
		}
		c.outWriteOff -= clen
		c.outWriting = c.outWriting[1:]
	}
}

// onWritable is invoked by the reactor when EPOLLOUT fires for this
// connection. It resumes draining outWriting.
func (c *conn) onWritable() error {
	return c.pumpWrite()
}

// hasPendingWrite reports whether EPOLLOUT interest is still needed.
func (c *conn) hasPendingWrite() bool {
	return len(c.outWriting) > 0
}
