package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", App.Port)
	assert.Equal(t, 8, App.MaxMediaPerStep)
	assert.Equal(t, 8, App.OutboxMaxAttempts)
	assert.Equal(t, 20*time.Second, App.OutboxDrainInterval)
	assert.Equal(t, 180*time.Second, App.RoutingCacheTTL)
	assert.Equal(t, 10*time.Minute, App.PairingTokenTTL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("SHEET_ID", "sheet-1")
	t.Setenv("PORT", "9090")

	err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "123:abc", App.BotToken)
	assert.Equal(t, "sheet-1", App.SheetID)
	assert.Equal(t, "9090", App.Port)
}
