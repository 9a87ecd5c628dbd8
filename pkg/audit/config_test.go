package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 365, cfg.RetentionDays)
	assert.True(t, cfg.LogDenied)
	assert.True(t, cfg.Enabled)
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envs          map[string]string
		wantRetention int
		wantLogDenied bool
		wantEnabled   bool
	}{
		{"defaults", map[string]string{}, 365, true, true},
		{"custom values", map[string]string{
			"CREDREG_AUDIT_RETENTION_DAYS": "30",
			"CREDREG_AUDIT_LOG_DENIED":     "false",
			"CREDREG_AUDIT_ENABLED":        "false",
		}, 30, false, false},
		{"invalid retention", map[string]string{"CREDREG_AUDIT_RETENTION_DAYS": "soon"}, 365, true, true},
		{"negative retention", map[string]string{"CREDREG_AUDIT_RETENTION_DAYS": "-5"}, 365, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}
			cfg := ConfigFromEnv()
			assert.Equal(t, tt.wantRetention, cfg.RetentionDays)
			assert.Equal(t, tt.wantLogDenied, cfg.LogDenied)
			assert.Equal(t, tt.wantEnabled, cfg.Enabled)
		})
	}
}
