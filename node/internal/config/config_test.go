package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 7100
  advertise_address: http://node1.example:7100
coordinator:
  url: http://coordinator:8080
  heartbeat_interval: 5s
owner_id: alice
payout_address: alice@ln.example
models:
  base:
    path: /models/base.gguf
    price_per_minute: 1000
supervisor:
  port_range_start: 11000
  port_range_end: 11010
  stop_grace: 2s
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.StopGrace)
	assert.Equal(t, 60, cfg.Supervisor.ReadinessAttempts)
	assert.Equal(t, time.Second, cfg.Supervisor.ReadinessInterval)
	assert.Equal(t, "simulated", cfg.Payment.Mode)
	assert.Equal(t, 2048, cfg.Models["base"].Context)

	caps := cfg.Capabilities()
	require.Contains(t, caps, "base")
	assert.Equal(t, int64(1000), caps["base"].PricePerMinute)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing coordinator", "owner_id: a\nmodels: {base: {path: x, price_per_minute: 1}}", "coordinator.url"},
		{"missing owner", "coordinator: {url: http://c}\nmodels: {base: {path: x, price_per_minute: 1}}", "owner_id"},
		{"no models", "coordinator: {url: http://c}\nowner_id: a", "at least one model"},
		{"free model", "coordinator: {url: http://c}\nowner_id: a\nmodels: {base: {path: x}}", "price_per_minute"},
		{"inverted ports", "coordinator: {url: http://c}\nowner_id: a\nmodels: {base: {path: x, price_per_minute: 1}}\nsupervisor: {port_range_start: 12000, port_range_end: 11000}", "port range"},
		{"bad payment mode", "coordinator: {url: http://c}\nowner_id: a\nmodels: {base: {path: x, price_per_minute: 1}}\npayment: {mode: cash}", "payment.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
