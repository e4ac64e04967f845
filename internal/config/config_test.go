package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Planning.UrgentHorizonDays)
	assert.Equal(t, 100, cfg.Planning.DefaultPriority)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.True(t, cfg.DetectOnSync())
	assert.Equal(t, 72*time.Hour, cfg.UrgentHorizon())
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("planning:\n  urgent_horizon_days: 5\n  detect_on_sync: false\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Planning.UrgentHorizonDays)
	assert.Equal(t, 100, cfg.Planning.DefaultPriority)
	assert.False(t, cfg.DetectOnSync())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad tz":        "planning:\n  timezone: Mars/Olympus\n",
		"bad level":     "log:\n  level: loud\n",
		"hook no url":   "webhooks:\n  - events: [conflicts.detected]\n",
		"relative base": "server:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalAndWrite(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	_, err = Load(ws)
	require.Error(t, err)

	cfg.Planning.UrgentHorizonDays = 7
	require.NoError(t, Write(ws, cfg))
	_, err = os.Stat(Path(ws))
	require.NoError(t, err)

	loaded, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Planning.UrgentHorizonDays)
}
