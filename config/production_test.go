package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ProductionConfig {
	return &ProductionConfig{
		Database: DatabaseConfig{Host: "localhost", Port: 5432, Name: "courier", User: "courier"},
		Server:   ServerConfig{Port: 8080},
		JWT:      JWTConfig{SecretKey: strings.Repeat("k", 32), AccessTokenTTL: time.Hour},
		Logging:  LoggingConfig{Level: "info", Output: "stdout"},
		Queue: QueueConfig{
			Backend:           "storm",
			StormPath:         "/tmp/queue.db",
			MaxReceiveCount:   5,
			VisibilityTimeout: 3 * time.Minute,
			LongPollWait:      20 * time.Second,
		},
		Dispatch: DispatchConfig{
			OutboundWorkers:  4,
			InboundWorkers:   2,
			BatchSize:        10,
			TransportTimeout: 15 * time.Second,
			BaseBackoff:      5 * time.Second,
			MaxBackoff:       10 * time.Minute,
		},
		Dedup:     DedupConfig{Backend: "postgres", TTL: 6 * time.Hour},
		Scheduler: SchedulerConfig{Timezone: "UTC", DailyDispatchInterval: time.Hour},
		WhatsApp:  WhatsAppConfig{Provider: "mock", RatePerSecond: 20},
	}
}

func TestValidateProductionConfig_Valid(t *testing.T) {
	require.NoError(t, ValidateProductionConfig(validConfig()))
}

func TestValidateProductionConfig_VisibilityCoversBatch(t *testing.T) {
	tests := []struct {
		name       string
		visibility time.Duration
		batch      int
		timeout    time.Duration
		wantErr    bool
	}{
		{"exceeds batch budget", 151 * time.Second, 10, 15 * time.Second, false},
		{"equals batch budget", 150 * time.Second, 10, 15 * time.Second, true},
		{"covers one call only", 60 * time.Second, 10, 15 * time.Second, true},
		{"single item batch", 20 * time.Second, 1, 15 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Queue.VisibilityTimeout = tt.visibility
			cfg.Dispatch.BatchSize = tt.batch
			cfg.Dispatch.TransportTimeout = tt.timeout

			err := ValidateProductionConfig(cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "QUEUE_VISIBILITY_TIMEOUT must exceed DISPATCH_BATCH_SIZE * DISPATCH_TRANSPORT_TIMEOUT")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateProductionConfig_CollectsEveryViolation(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	cfg.Queue.Backend = "sqs"
	cfg.Dedup.TTL = time.Minute

	err := ValidateProductionConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST is required")
	assert.Contains(t, err.Error(), "QUEUE_BACKEND must be one of")
	assert.Contains(t, err.Error(), "DEDUP_TTL must exceed QUEUE_VISIBILITY_TIMEOUT")
}
