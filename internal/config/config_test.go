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
node:
  id: node-a
  address: g.mesh.node-a
  local_prefixes:
    - g.mesh.node-a
  btp_port: 7768
  health_check_port: 8080
  log_level: info
  grace_period_ms: 2000
peers:
  - id: node-b
    endpoint: localhost:7769
    token: secret-b
    asset: USDC
    scale: 6
    credit_limit: 10000
    settlement_threshold: 8000
    max_packet_amount: 1000
routes:
  - prefix: g.workflow
    next_hop: node-b
telemetry:
  url: ws://localhost:9000/ws
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, "g.mesh.node-a", cfg.Node.Address)
	assert.Equal(t, 7768, cfg.Node.BTPPort)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod())
	assert.Equal(t, "ws://localhost:9000/ws", cfg.Telemetry.URL)

	peer, ok := cfg.Peer("node-b")
	require.True(t, ok)
	assert.Equal(t, int64(8000), peer.SettlementThreshold)
	assert.Equal(t, "USDC", peer.Asset)

	_, ok = cfg.Peer("node-x")
	assert.False(t, ok)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ID", "node-override")
	t.Setenv("BTP_PORT", "9999")
	t.Setenv("DASHBOARD_TELEMETRY_URL", "ws://somewhere:9000/ws")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "node-override", cfg.Node.ID)
	assert.Equal(t, 9999, cfg.Node.BTPPort)
	assert.Equal(t, "ws://somewhere:9000/ws", cfg.Telemetry.URL)
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]string{
		"missing node id": `
node:
  address: g.mesh.node-a
`,
		"bad address": `
node:
  id: node-a
  address: .bad.address
`,
		"route to unknown peer": `
node:
  id: node-a
  address: g.mesh.node-a
routes:
  - prefix: g.workflow
    next_hop: node-x
`,
		"peer missing token": `
node:
  id: node-a
  address: g.mesh.node-a
peers:
  - id: node-b
    asset: USDC
`,
		"duplicate peer": `
node:
  id: node-a
  address: g.mesh.node-a
peers:
  - id: node-b
    token: x
    asset: USDC
  - id: node-b
    token: y
    asset: USDC
`,
	}

	for name, content := range cases {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}

func TestGracePeriodDefault(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5*time.Second, cfg.GracePeriod())
}
