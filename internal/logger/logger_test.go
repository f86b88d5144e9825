package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_WithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	child := l.With("fingerprint", "abc")
	child.Info("part stored", "index", 3)
	l.Warn("plain")

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "part stored", entries[0].Message)
	assert.Equal(t, "abc", first["fingerprint"])
	assert.EqualValues(t, 3, first["index"])

	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "fingerprint")
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"production", "development", ""} {
		l, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, l.SugaredLogger)
	}
}

func TestNewNop_DoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Debug("d")
	l.Info("i", "k", "v")
	l.Error("e")
	l.Sync()
}
