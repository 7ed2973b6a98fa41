// Package server implements the memcached-text wire protocol on top of
// pkg.Store: line framing, command parsing, response composition, and a
// single-threaded epoll event loop.
//
// There is no teacher analogue for a network server — arena-cache is an
// embedded library with an HTTP debug endpoint, not a standalone daemon
// — so this package is grounded on the event-loop architecture described
// by the joeycumines-go-utilpkg eventloop package in the example pack
// (its "alternatetwo" design note: direct epoll, a small number of
// pre-sized buffers, inline callback execution, no worker pool) adapted
// from a generic task-scheduling reactor to a network-I/O reactor driven
// by golang.org/x/sys/unix, and on the teacher's own doc-comment style
// (long header comment blocks, "Design notes" sections, box-drawing
// tables) for everything that has no eventloop-package precedent (the
// parser state machine, response formatting).
//
// © 2025 kvcached authors. MIT License.
package server

import (
	"bytes"
	"strconv"
)

// maxLineBytes bounds a single command line, matching the historical
// memcached wire limit.
const maxLineBytes = 4 << 10

// maxSetValueBytes bounds a SET's declared byte count, independent of
// whatever Store.MaxValueBytes() is configured to (the parser rejects
// oversize SETs before ever touching the store).
const maxSetValueBytes = 1 << 20

// parseState tracks one connection's position in the command grammar.
type parseState int

const (
	stateReady parseState = iota
	stateAwaitingData
)

type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdSet
	cmdGet
	cmdDelete
	cmdFlushAll
	cmdStats
	cmdQuit
)

// pendingSet is the state carried from a successfully parsed SET line
// into stateAwaitingData, until its value bytes arrive.
type pendingSet struct {
	key     []byte
	flags   uint32
	exptime int64
	nbytes  int
}

// command is a single fully-parsed request, ready for dispatch.
type command struct {
	kind    commandKind
	keys    [][]byte // get: one or more; set/delete: exactly one
	flags   uint32
	exptime int64
	value   []byte // set only
}

// parseResult is what feeding one line (or one pending data chunk)
// through the parser produces: at most one of a ready command or a
// client-visible error, plus the pending data-phase state if the parser
// just transitioned into it.
type parseResult struct {
	cmd       *command
	clientErr string // non-empty: malformed input, connection stays open
	pending   *pendingSet
	unknown   bool // true: unrecognized command, caller emits bare ERROR
}

// findLine scans buf for a terminating '\n', honoring an optional
// preceding '\r' (stripped). It returns the consumed length (including
// the newline) and the line content without its terminator. ok is false
// if no newline is present yet.
func findLine(buf []byte) (line []byte, consumed int, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, 0, false
	}
	end := idx
	if end > 0 && buf[end-1] == '\r' {
		end--
	}
	return buf[:end], idx + 1, true
}

// parseLine interprets one complete command line. It never looks past
// buf's end; the data phase of SET is handled separately by the caller
// once parseLine reports a pending data requirement.
func parseLine(line []byte, maxKeyBytes int) parseResult {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return parseResult{clientErr: "bad command line format"}
	}

	switch string(fields[0]) {
	case "set":
		return parseSet(fields, maxKeyBytes)
	case "get":
		return parseGet(fields, maxKeyBytes)
	case "delete":
		return parseDelete(fields, maxKeyBytes)
	case "flush_all":
		return parseResult{cmd: &command{kind: cmdFlushAll}}
	case "stats":
		return parseResult{cmd: &command{kind: cmdStats}}
	case "quit":
		return parseResult{cmd: &command{kind: cmdQuit}}
	default:
		return parseResult{unknown: true}
	}
}

func parseSet(fields [][]byte, maxKeyBytes int) parseResult {
	if len(fields) != 5 {
		return parseResult{clientErr: "bad command line format"}
	}
	key := fields[1]
	if len(key) == 0 || len(key) > maxKeyBytes {
		return parseResult{clientErr: "bad command line format"}
	}
	flags, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return parseResult{clientErr: "bad command line format"}
	}
	exptime, err := strconv.ParseInt(string(fields[3]), 10, 64)
	if err != nil {
		return parseResult{clientErr: "bad command line format"}
	}
	nbytes, err := strconv.Atoi(string(fields[4]))
	if err != nil || nbytes < 0 || nbytes > maxSetValueBytes {
		return parseResult{clientErr: "bad data chunk"}
	}
	return parseResult{pending: &pendingSet{
		key:     append([]byte(nil), key...),
		flags:   uint32(flags),
		exptime: exptime,
		nbytes:  nbytes,
	}}
}

func parseGet(fields [][]byte, maxKeyBytes int) parseResult {
	if len(fields) < 2 {
		return parseResult{clientErr: "bad command line format"}
	}
	for _, k := range fields[1:] {
		if len(k) == 0 || len(k) > maxKeyBytes {
			return parseResult{clientErr: "bad command line format"}
		}
	}
	return parseResult{cmd: &command{kind: cmdGet, keys: fields[1:]}}
}

func parseDelete(fields [][]byte, maxKeyBytes int) parseResult {
	if len(fields) != 2 || len(fields[1]) == 0 || len(fields[1]) > maxKeyBytes {
		return parseResult{clientErr: "bad command line format"}
	}
	return parseResult{cmd: &command{kind: cmdDelete, keys: fields[1:2]}}
}
