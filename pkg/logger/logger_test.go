package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud", Format: "json"}, "edi")
	assert.Error(t, err)
}

func TestInitReplacesGlobal(t *testing.T) {
	before := L()
	cfg := &config.Config{
		App: config.AppConfig{Name: "edi-test"},
		Log: config.LogConfig{Level: "debug", Format: "console"},
	}
	require.NoError(t, Init(cfg))
	t.Cleanup(func() {
		mu.Lock()
		global = before
		mu.Unlock()
	})

	assert.NotSame(t, before, L())
	assert.True(t, L().Core().Enabled(zap.DebugLevel))
	Info("logger initialised")
}
