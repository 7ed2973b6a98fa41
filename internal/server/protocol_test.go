package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindLineWithCRLF(t *testing.T) {
	line, consumed, ok := findLine([]byte("get foo\r\nrest"))
	require.True(t, ok)
	require.Equal(t, "get foo", string(line))
	require.Equal(t, len("get foo\r\n"), consumed)
}

func TestFindLineWithBareLF(t *testing.T) {
	line, consumed, ok := findLine([]byte("get foo\nrest"))
	require.True(t, ok)
	require.Equal(t, "get foo", string(line))
	require.Equal(t, len("get foo\n"), consumed)
}

func TestFindLineIncomplete(t *testing.T) {
	_, _, ok := findLine([]byte("get foo"))
	require.False(t, ok)
}

func TestParseLineUnknownCommand(t *testing.T) {
	res := parseLine([]byte("frobnicate foo"), 250)
	require.True(t, res.unknown)
}

func TestParseLineEmpty(t *testing.T) {
	res := parseLine([]byte(""), 250)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseSetValid(t *testing.T) {
	res := parseLine([]byte("set foo 0 0 5"), 250)
	require.Nil(t, res.cmd)
	require.Empty(t, res.clientErr)
	require.NotNil(t, res.pending)
	require.Equal(t, "foo", string(res.pending.key))
	require.EqualValues(t, 0, res.pending.flags)
	require.EqualValues(t, 0, res.pending.exptime)
	require.Equal(t, 5, res.pending.nbytes)
}

func TestParseSetWrongFieldCount(t *testing.T) {
	res := parseLine([]byte("set foo 0 0"), 250)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseSetOversizeKey(t *testing.T) {
	res := parseLine([]byte("set foo 0 0 5"), 2)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseSetBadFlags(t *testing.T) {
	res := parseLine([]byte("set foo xx 0 5"), 250)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseSetBadExptime(t *testing.T) {
	res := parseLine([]byte("set foo 0 xx 5"), 250)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseSetNegativeExptimeAccepted(t *testing.T) {
	res := parseLine([]byte("set foo 0 -5 5"), 250)
	require.NotNil(t, res.pending)
	require.EqualValues(t, -5, res.pending.exptime)
}

func TestParseSetOversizeByteCountIsBadDataChunk(t *testing.T) {
	res := parseLine([]byte("set foo 0 0 99999999"), 250)
	require.Equal(t, "bad data chunk", res.clientErr)
	require.Nil(t, res.pending)
}

func TestParseSetNegativeByteCountIsBadDataChunk(t *testing.T) {
	res := parseLine([]byte("set foo 0 0 -1"), 250)
	require.Equal(t, "bad data chunk", res.clientErr)
}

func TestParseGetSingleKey(t *testing.T) {
	res := parseLine([]byte("get foo"), 250)
	require.NotNil(t, res.cmd)
	require.Equal(t, cmdGet, res.cmd.kind)
	require.Len(t, res.cmd.keys, 1)
	require.Equal(t, "foo", string(res.cmd.keys[0]))
}

func TestParseGetMultiKey(t *testing.T) {
	res := parseLine([]byte("get foo bar baz"), 250)
	require.NotNil(t, res.cmd)
	require.Len(t, res.cmd.keys, 3)
}

func TestParseGetNoKeys(t *testing.T) {
	res := parseLine([]byte("get"), 250)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseDeleteValid(t *testing.T) {
	res := parseLine([]byte("delete foo"), 250)
	require.NotNil(t, res.cmd)
	require.Equal(t, cmdDelete, res.cmd.kind)
	require.Equal(t, "foo", string(res.cmd.keys[0]))
}

func TestParseDeleteWrongFieldCount(t *testing.T) {
	res := parseLine([]byte("delete foo bar"), 250)
	require.Equal(t, "bad command line format", res.clientErr)
}

func TestParseFlushAllStatsQuit(t *testing.T) {
	res := parseLine([]byte("flush_all"), 250)
	require.Equal(t, cmdFlushAll, res.cmd.kind)

	res = parseLine([]byte("stats"), 250)
	require.Equal(t, cmdStats, res.cmd.kind)

	res = parseLine([]byte("quit"), 250)
	require.Equal(t, cmdQuit, res.cmd.kind)
}
