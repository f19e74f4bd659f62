package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("party")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "party", cfg.Instance)
	assert.Equal(t, "coordinator", cfg.CoordinatorClass)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.Timeout)
	assert.Equal(t, 4, cfg.Tasks.ActivityWarning)
	assert.Equal(t, 6, cfg.Tasks.ActivityEscalation)

	runner, ok := cfg.Class("runner")
	require.True(t, ok)
	assert.True(t, runner.Brief)
	assert.Equal(t, 5*time.Minute, runner.StaleAfter)
	assert.True(t, cfg.AllowsTransport("daemon"))
	assert.False(t, cfg.AllowsTransport("pigeon"))
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
instance: night-shift
heartbeat:
  timeout: 30s
bus:
  redis_addr: localhost:6379
webhooks:
  - url: http://hooks.local/raid
    events: ["task.*"]
`))
	require.NoError(t, err)
	assert.Equal(t, "night-shift", cfg.Instance)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.SweepInterval)
	assert.Equal(t, "localhost:6379", cfg.Bus.RedisAddr)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"task.*"}, cfg.Webhooks[0].Events)
	_, ok := cfg.Class("advisor")
	assert.True(t, ok)
}

func TestFromYAMLRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown trigger effect": "triggers:\n  panic: self_destruct\n",
		"missing coordinator":    "coordinator_class: overlord\n",
		"inverted thresholds":    "tasks:\n  activity_warning: 7\n  activity_escalation: 3\n",
		"webhook without url":    "webhooks:\n  - events: [\"*\"]\n",
		"not yaml":               "classes: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "raidline", cfg.Instance)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("on-disk")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "on-disk", cfg.Instance)
}
