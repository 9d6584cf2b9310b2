package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"killswitch/pkg/crypto"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.AutomaticTriggersEnabled())
	assert.Equal(t, 5*time.Minute, cfg.RecoveryCooldown())
	assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute, 5 * time.Minute, 5 * time.Minute}, cfg.Recovery.Intervals())
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr())
	assert.Equal(t, "http://127.0.0.1:8090", cfg.Server.URL())
	assert.False(t, cfg.HasApprovalSecret())
}

func TestParseOverlaysDefaults(t *testing.T) {
	doc := `
mode: disabled
recovery_cooldown_seconds: 60
triggers:
  - {id: max_drawdown, type: threshold, field: drawdown, threshold: -0.15, direction: lte}
  - {id: vol, type: threshold, field: volatility, threshold: 0.1, direction: gte, enabled: false}
recovery:
  escalation_intervals: [10, 10]
  escalation_factors: [0.5, 1.0]
audit:
  retention_days: 30
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, ModeDisabled, cfg.Mode)
	assert.False(t, cfg.AutomaticTriggersEnabled())
	assert.Equal(t, 60, cfg.RecoveryCooldownSeconds)

	require.Len(t, cfg.Triggers, 2)
	assert.True(t, cfg.Triggers[0].IsEnabled())
	assert.False(t, cfg.Triggers[1].IsEnabled())

	assert.Equal(t, []float64{0.5, 1.0}, cfg.Recovery.EscalationFactors)
	// не указанные ключи сохраняют значения по умолчанию
	assert.True(t, cfg.Recovery.GradualRestartEnabled)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
	assert.Equal(t, "data/audit", cfg.Audit.Dir)
}

func TestValidateRecoverySchedule(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errSubstr string
	}{
		{"length mismatch", func(c *Config) { c.Recovery.EscalationIntervals = []int{1, 2} }, "same length"},
		{"not increasing", func(c *Config) {
			c.Recovery.EscalationFactors = []float64{0.5, 0.5, 0.75, 1.0}
		}, "strictly increasing"},
		{"not ending at one", func(c *Config) {
			c.Recovery.EscalationFactors = []float64{0.1, 0.2, 0.3, 0.9}
		}, "end at 1.0"},
		{"factor above one", func(c *Config) {
			c.Recovery.EscalationFactors = []float64{0.25, 0.5, 1.0, 1.5}
		}, "(0, 1]"},
		{"empty", func(c *Config) {
			c.Recovery.EscalationFactors = nil
			c.Recovery.EscalationIntervals = nil
		}, "must not be empty"},
		{"negative cooldown", func(c *Config) { c.RecoveryCooldownSeconds = -1 }, "cannot be negative"},
		{"initial above first stage", func(c *Config) { c.Recovery.InitialPositionLimitFactor = 0.3 }, "initial_position_limit_factor"},
		{"negative interval", func(c *Config) { c.Recovery.EscalationIntervals[1] = -5 }, "escalation_intervals[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestValidateTriggers(t *testing.T) {
	tests := []struct {
		name      string
		triggers  []TriggerConfig
		errSubstr string
	}{
		{"missing id", []TriggerConfig{{Type: TriggerManual}}, "id is required"},
		{"duplicate id", []TriggerConfig{{ID: "a", Type: TriggerManual}, {ID: "a", Type: TriggerManual}}, "duplicate id"},
		{"unknown type", []TriggerConfig{{ID: "a", Type: "magic"}}, "unknown type"},
		{"threshold without field", []TriggerConfig{{ID: "a", Type: TriggerThreshold}}, "field is required"},
		{"bad direction", []TriggerConfig{{ID: "a", Type: TriggerThreshold, Field: "x", Direction: "eq"}}, "direction"},
		{"negative watchdog", []TriggerConfig{{ID: "a", Type: TriggerWatchdog, MaxMemoryMB: -1}}, "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Triggers = tt.triggers
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestValidateModeAndRanges(t *testing.T) {
	cfg := Default()
	cfg.Mode = "paused"
	assert.ErrorContains(t, cfg.Validate(), "mode must be")

	cfg = Default()
	cfg.Server.Port = 0
	assert.ErrorContains(t, cfg.Validate(), "server.port")

	cfg = Default()
	cfg.Audit.RetentionDays = 0
	assert.ErrorContains(t, cfg.Validate(), "retention_days")

	cfg = Default()
	cfg.Persistence.StateFile = ""
	assert.ErrorContains(t, cfg.Validate(), "state_file")
}

func TestLoadAppliesEnvAndHashesSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "killswitch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recovery:\n  approval_hash_cost: 4\n"), 0o600))

	t.Setenv("KILLSWITCH_MODE", "disabled")
	t.Setenv("KILLSWITCH_SERVER_PORT", "9191")
	t.Setenv("KILLSWITCH_STATE_FILE", filepath.Join(dir, "state.json"))
	t.Setenv("KILLSWITCH_APPROVAL_CODE", "493021")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeDisabled, cfg.Mode)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "state.json"), cfg.Persistence.StateFile)

	require.True(t, cfg.HasApprovalSecret())
	assert.NotContains(t, cfg.Security.ApprovalCodeHash, "493021")
	assert.True(t, crypto.CodeMatches("493021", cfg.Security.ApprovalCodeHash))

	cost, err := crypto.GetHashCost(cfg.Security.ApprovalCodeHash)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestLoadRejectsInvalidHash(t *testing.T) {
	t.Setenv("KILLSWITCH_APPROVAL_CODE_HASH", "plaintext-not-a-hash")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bcrypt"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestSetApprovalCode(t *testing.T) {
	cfg := Default()
	cfg.Recovery.ApprovalHashCost = bcrypt.MinCost

	require.NoError(t, cfg.SetApprovalCode("alpha"))
	first := cfg.Security.ApprovalCodeHash
	require.NoError(t, cfg.SetApprovalCode("beta"))

	assert.NotEqual(t, first, cfg.Security.ApprovalCodeHash)
	assert.True(t, crypto.CodeMatches("beta", cfg.Security.ApprovalCodeHash))
	assert.Error(t, cfg.SetApprovalCode(""))
}

func TestDSNWithoutPassword(t *testing.T) {
	d := Default().Database
	d.Password = "s3cret"
	assert.Contains(t, d.DSN(), "password=s3cret")
	assert.NotContains(t, d.DSNWithoutPassword(), "s3cret")
}

func TestServerConfig_URL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"0.0.0.0", "http://127.0.0.1:9000"},
		{"", "http://127.0.0.1:9000"},
		{"::", "http://127.0.0.1:9000"},
		{"ops.internal", "http://ops.internal:9000"},
		{"::1", "http://[::1]:9000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ServerConfig{Host: tt.host, Port: 9000}.URL(), tt.host)
	}
}
