package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLayers() {
	eport = false
	process = false
	thread = false
	breakpoint = false
	server = false
	dso = false
}

func TestSetupRejectsOutputWithoutLog(t *testing.T) {
	defer resetLayers()
	assert.Error(t, Setup(false, "server"))
	assert.NoError(t, Setup(false, ""))
}

func TestSetupDefaultsToServerLayer(t *testing.T) {
	defer resetLayers()
	require.NoError(t, Setup(true, ""))
	assert.True(t, Server())
	assert.False(t, Thread())
}

func TestSetupEnablesListedLayers(t *testing.T) {
	defer resetLayers()
	require.NoError(t, Setup(true, "eport,thread,dso"))
	assert.True(t, EPort())
	assert.True(t, Thread())
	assert.True(t, Dso())
	assert.False(t, Process())
	assert.False(t, Breakpoint())
}

func TestDisabledLoggerIsQuiet(t *testing.T) {
	defer resetLayers()
	// A disabled layer's logger still exists; it just logs nothing below
	// panic level.
	logger := ProcessLogger()
	require.NotNil(t, logger)
	assert.False(t, logger.Logger.IsLevelEnabled(logrus.DebugLevel))
}
