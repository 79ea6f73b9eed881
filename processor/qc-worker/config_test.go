package qcworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "DOC_ENGINE", cfg.StreamName)
	assert.Equal(t, "qc-worker", cfg.WorkerID)
	assert.Equal(t, "5s", cfg.PollInterval)
	require.NotNil(t, cfg.Ports)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "valid",
			config: Config{StreamName: "DOC_ENGINE", WorkerID: "w1", PollInterval: "10s"},
		},
		{
			name:    "missing stream_name",
			config:  Config{WorkerID: "w1"},
			wantErr: "stream_name is required",
		},
		{
			name:    "missing worker_id",
			config:  Config{StreamName: "DOC_ENGINE"},
			wantErr: "worker_id is required",
		},
		{
			name:    "bad poll_interval",
			config:  Config{StreamName: "DOC_ENGINE", WorkerID: "w1", PollInterval: "soon"},
			wantErr: "poll_interval",
		},
		{
			name:    "negative poll_interval",
			config:  Config{StreamName: "DOC_ENGINE", WorkerID: "w1", PollInterval: "-1s"},
			wantErr: "poll_interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
