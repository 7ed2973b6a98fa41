package server

// dispatch.go drives one connection's parser to completion against
// whatever bytes are currently buffered (spec 4.F: "Parsing is driven
// forward whenever bytes arrive; multiple commands per read are
// processed before any flush"), and turns each parsed command into
// Store calls plus wire response bytes.
//
// © 2025 kvcached authors. MIT License.

import (
	"bytes"
	"strconv"

	cache "github.com/kvshard/kvcached/pkg"
)

var (
	crlf          = []byte("\r\n")
	storedReply   = []byte("STORED\r\n")
	deletedReply  = []byte("DELETED\r\n")
	notFoundReply = []byte("NOT_FOUND\r\n")
	okReply       = []byte("OK\r\n")
	endReply      = []byte("END\r\n")
	errorReply    = []byte("ERROR\r\n")
	oomReply      = []byte("SERVER_ERROR out of memory\r\n")
)

// processInput drains every complete command currently buffered in c.in,
// executing each against st and queuing wire responses. now is the
// connection's view of wall-clock seconds, supplied by the caller so a
// whole wake-up batch shares one timestamp.
func (c *conn) processInput(st *cache.Store, now int64) (quit bool) {
	for {
		if c.skippingLine {
			rel := bytes.IndexByte(c.in[c.inRead:c.inLen], '\n')
			if rel < 0 {
				c.inRead = c.inLen
				return false
			}
			c.inRead += rel + 1
			c.skippingLine = false
			c.appendOut(clientErrorReply("bad command line format"))
			continue
		}

		if c.state == stateAwaitingData {
			need := c.pending.nbytes + 2
			if c.inLen-c.inRead < need {
				return false
			}
			val := c.in[c.inRead : c.inRead+c.pending.nbytes]
			c.inRead += need

			res := st.SetNoLock(c.pending.key, val, c.pending.exptime, now)
			switch res {
			case cache.OK:
				c.appendOut(storedReply)
			default:
				c.appendOut(oomReply)
			}
			c.pending = nil
			c.state = stateReady
			continue
		}

		avail := c.inLen - c.inRead
		line, consumed, ok := findLine(c.in[c.inRead:c.inLen])
		if !ok {
			if avail >= maxLineBytes {
				c.skippingLine = true
				continue
			}
			return false
		}
		if len(line) > maxLineBytes {
			c.inRead += consumed
			c.appendOut(clientErrorReply("bad command line format"))
			continue
		}
		c.inRead += consumed

		res := parseLine(line, st.MaxKeyBytes())
		switch {
		case res.unknown:
			c.appendOut(errorReply)
		case res.clientErr != "":
			c.appendOut(clientErrorReply(res.clientErr))
		case res.pending != nil:
			c.state = stateAwaitingData
			c.pending = res.pending
		case res.cmd != nil:
			if res.cmd.kind == cmdQuit {
				return true
			}
			execCommand(c, st, res.cmd, now)
		}
	}
}

func execCommand(c *conn, st *cache.Store, cmd *command, now int64) {
	switch cmd.kind {
	case cmdGet:
		execGet(c, st, cmd.keys, now)
	case cmdDelete:
		if st.DeleteNoLock(cmd.keys[0], now) {
			c.appendOut(deletedReply)
		} else {
			c.appendOut(notFoundReply)
		}
	case cmdFlushAll:
		st.FlushAllNoLock()
		c.appendOut(okReply)
	case cmdStats:
		execStats(c, st)
	}
}

// execGet looks up every requested key in order (spec 9: "multi-get is
// not specially accelerated"), queuing one VALUE header, the value
// bytes themselves (aliasing shard memory, no copy), and a trailing
// CRLF per hit, then a final END.
func execGet(c *conn, st *cache.Store, keys [][]byte, now int64) {
	for _, key := range keys {
		val, ok := st.GetNoLock(key, now)
		if !ok {
			continue
		}
		header := valueHeader(key, len(val))
		c.appendOut(header)
		c.appendOut(val)
		c.appendOut(crlf)
	}
	c.appendOut(endReply)
}

// valueHeader builds "VALUE <key> 0 <len>\r\n". flags are always
// reported as 0: the protocol accepts and stores nowhere the SET flags
// field, a defect inherited deliberately from the reference (spec §9).
func valueHeader(key []byte, n int) []byte {
	buf := make([]byte, 0, len(key)+24)
	buf = append(buf, "VALUE "...)
	buf = append(buf, key...)
	buf = append(buf, " 0 "...)
	buf = strconv.AppendInt(buf, int64(n), 10)
	buf = append(buf, crlf...)
	return buf
}

func clientErrorReply(msg string) []byte {
	return append([]byte("CLIENT_ERROR "+msg), crlf...)
}

// execStats renders the STAT lines spec §6 requires, including the
// compatibility fields (bloom_bits, bloom_fill_pct, storage_mode) that
// carry no information in this design but existing clients still parse.
func execStats(c *conn, st *cache.Store) {
	agg := st.StatsNoLock()

	statLine := func(name, value string) {
		c.appendOut([]byte("STAT " + name + " " + value + "\r\n"))
	}
	statLine("version", Version)
	statLine("curr_items", strconv.Itoa(agg.CurrItems))
	statLine("bytes", strconv.FormatInt(agg.Bytes, 10))
	statLine("limit_maxbytes", strconv.FormatInt(agg.LimitMaxBytes, 10))
	statLine("get_hits", strconv.FormatUint(agg.GetHits, 10))
	statLine("get_misses", strconv.FormatUint(agg.GetMisses, 10))
	statLine("bloom_bits", "0")
	statLine("bloom_fill_pct", "0.00")
	statLine("storage_mode", "hash")
	c.appendOut(endReply)
}

// Version is reported by the `stats` command's `version` STAT line.
const Version = "1.0.0"
