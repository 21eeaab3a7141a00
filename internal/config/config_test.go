package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1000), cfg.Ledger.AutoApproveThreshold)
	assert.Equal(t, 2.0, cfg.Reputation.RatingTolerance)
	assert.Equal(t, 3, cfg.Arbitration.Quorum)
	assert.Equal(t, 24*time.Hour, cfg.Approval.TTL.Std())
	assert.Equal(t, 72*time.Hour, cfg.Tasks.TTL.Std())
	assert.Equal(t, "treasury", cfg.Ledger.TreasuryAccount)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
ledger:
  auto_approve_threshold: 250
arbitration:
  quorum: 5
  deadline: 2h
orchestrator:
  account: orch
  recurring:
    - name: nightly-index
      description: rebuild search index
      tags: [search]
      reward: 40
      priority: high
      every: 24h
`))
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.Ledger.AutoApproveThreshold)
	assert.Equal(t, 5, cfg.Arbitration.Quorum)
	assert.Equal(t, 2*time.Hour, cfg.Arbitration.Deadline.Std())
	// untouched sections keep defaults
	assert.Equal(t, 0.5, cfg.Arbitration.Penalty)
	require.Len(t, cfg.Orchestrator.Recurring, 1)
	assert.Equal(t, 24*time.Hour, cfg.Orchestrator.Recurring[0].Every.Std())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"tolerance":  "reputation:\n  rating_tolerance: 7\n",
		"quorum":     "arbitration:\n  quorum: 0\n",
		"decay":      "reputation:\n  decay_rate: 1.5\n",
		"duration":   "tasks:\n  ttl: soon\n",
		"thresholds": "payout:\n  penalty_threshold: 4.8\n",
		"template":   "orchestrator:\n  recurring:\n    - name: x\n      reward: 0\n      every: 1h\n",
		"format":     "logging:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = config.Load(dir)
	require.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(config.Path(dir)), 0o755))
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
