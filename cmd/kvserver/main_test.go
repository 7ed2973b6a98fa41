package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFlagsDefaults(t *testing.T) {
	opts, err := parseFlags(nil)
	require.NoError(t, err)
	require.Equal(t, 11211, opts.port)
	require.Equal(t, 64, opts.poolMB)
	require.Empty(t, opts.debugAddr)
	require.False(t, opts.help)
}

func TestParseFlagsOverrides(t *testing.T) {
	opts, err := parseFlags([]string{"-p", "12000", "-m", "256", "-debug-addr", "127.0.0.1:6061"})
	require.NoError(t, err)
	require.Equal(t, 12000, opts.port)
	require.Equal(t, 256, opts.poolMB)
	require.Equal(t, "127.0.0.1:6061", opts.debugAddr)
}

func TestParseFlagsHelpEitherSpelling(t *testing.T) {
	opts, err := parseFlags([]string{"-h"})
	require.NoError(t, err)
	require.True(t, opts.help)

	opts, err = parseFlags([]string{"-help"})
	require.NoError(t, err)
	require.True(t, opts.help)
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	_, err := parseFlags([]string{"-bogus"})
	require.Error(t, err)
}
