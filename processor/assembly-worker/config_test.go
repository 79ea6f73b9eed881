package assemblyworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "DOC_ENGINE", cfg.StreamName)
	assert.Equal(t, "assembly-worker", cfg.WorkerID)
	require.NotNil(t, cfg.Ports)
	assert.Len(t, cfg.Ports.Inputs, 2)
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
			config: Config{StreamName: "DOC_ENGINE", WorkerID: "w1"},
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
			config:  Config{StreamName: "DOC_ENGINE", WorkerID: "w1", PollInterval: "later"},
			wantErr: "poll_interval",
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
