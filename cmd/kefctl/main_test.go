package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kefctl/kefctl/internal/config"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/protocol"
)

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"40", 0.40, false},
		{"40%", 0.40, false},
		{" 0 ", 0, false},
		{"100", 1, false},
		{"12.5", 0.125, false},
		{"101", 0, true},
		{"-1", 0, true},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePercent(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, deviceerr.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseSwitch(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "ON": true, "yes": true, "true": true, "1": true, "off": false, "no": false, "false": false} {
		got, err := parseSwitch(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSwitch("maybe")
	assert.True(t, deviceerr.IsValidationError(err))
}

func TestParseRaw(t *testing.T) {
	b, err := parseRaw("0x2a")
	require.NoError(t, err)
	assert.Equal(t, byte(0x2a), b)

	b, err = parseRaw("200")
	require.NoError(t, err)
	assert.Equal(t, byte(200), b)

	_, err = parseRaw("256")
	assert.Error(t, err)
	_, err = parseRaw("-1")
	assert.Error(t, err)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "0x0a (10)", formatRaw(10))
	assert.Equal(t, "read/write", accessString(protocol.AccessRead|protocol.AccessWrite))
	assert.Equal(t, "write", accessString(protocol.AccessWrite))
	assert.Equal(t, "on", onOff(true))
	assert.Equal(t, "no", yesNo(false))
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"status"}, {"volume", "set"}, {"volume", "up"}, {"source"}, {"dsp", "get"},
		{"watch"}, {"serve"}, {"simulate"}, {"config", "add"}, {"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitUnreachable, exitCode(&reportedError{err: deviceerr.NewUnreachableError("kef.test:50001", nil)}))
	assert.Equal(t, exitUnreachable, exitCode(deviceerr.NewTimeoutError("get volume", nil, true)))
	assert.Equal(t, exitFailure, exitCode(&reportedError{err: deviceerr.NewValidationError("bad volume")}))
	assert.Equal(t, exitFailure, exitCode(errors.New("unknown command")))
}

func TestInitLoggingPrecedence(t *testing.T) {
	defer func() {
		logLevel = ""
		_ = logging.Initialize("")
	}()
	prefs := &config.Preferences{LogLevel: "debug"}

	t.Setenv(logging.LogLevelEnvVar, "")
	require.NoError(t, initLogging(prefs))
	assert.True(t, logging.DebugEnabled(), "config preference applies last")

	t.Setenv(logging.LogLevelEnvVar, "error")
	require.NoError(t, initLogging(prefs))
	assert.False(t, logging.DebugEnabled(), "environment beats the config file")

	logLevel = "debug"
	require.NoError(t, initLogging(prefs))
	assert.True(t, logging.DebugEnabled(), "flag beats the environment")
}
