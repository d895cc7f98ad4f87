package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetAndLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Set(zap.New(core))
	defer Set(nil)

	Info("item started", zap.String("item", "42"))
	Warn("unresolved step", zap.String("step", "nope"))
	Debug("fallback")

	assert.Equal(t, 3, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "item started", entry.Message)
	assert.Equal(t, "42", entry.ContextMap()["item"])
}

func TestInit(t *testing.T) {
	defer Set(nil)

	assert.NoError(t, Init("debug", true))
	assert.NotNil(t, L())

	assert.Error(t, Init("loud", false))
}
