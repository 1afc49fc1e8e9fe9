package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/collector/internal/domain/extraction"
)

func TestDailyTriggerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DailyTriggerConfig)
		wantErr bool
	}{
		{name: "default", mutate: func(*DailyTriggerConfig) {}},
		{name: "hour too large", mutate: func(c *DailyTriggerConfig) { c.Hour = 24 }, wantErr: true},
		{name: "negative minute", mutate: func(c *DailyTriggerConfig) { c.Minute = -1 }, wantErr: true},
		{name: "zero interval", mutate: func(c *DailyTriggerConfig) { c.CheckInterval = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDailyTriggerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDailyTrigger_CheckAndTrigger(t *testing.T) {
	saoPaulo := time.FixedZone("BRT", -3*60*60)
	cfg := DefaultDailyTriggerConfig()
	cfg.Hour, cfg.Minute = 6, 30
	cfg.Location = saoPaulo

	var runs atomic.Int32
	trigger, err := NewDailyTrigger(cfg, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Date(2024, 3, 10, 6, 29, 0, 0, saoPaulo)
	trigger.now = func() time.Time { return now }
	ctx := context.Background()

	assert.False(t, trigger.checkAndTrigger(ctx), "before the scheduled time")

	now = time.Date(2024, 3, 10, 9, 30, 30, 0, time.UTC) // 06:30:30 local
	assert.True(t, trigger.checkAndTrigger(ctx))
	assert.Equal(t, "2024-03-10", trigger.LastRunDate())

	now = now.Add(30 * time.Second)
	assert.False(t, trigger.checkAndTrigger(ctx), "already ran today")

	now = time.Date(2024, 3, 10, 7, 0, 0, 0, saoPaulo)
	assert.False(t, trigger.checkAndTrigger(ctx), "outside the window")

	now = time.Date(2024, 3, 11, 6, 30, 0, 0, saoPaulo)
	assert.True(t, trigger.checkAndTrigger(ctx))
	assert.Equal(t, int32(2), runs.Load())
}

func TestDailyTrigger_JobErrorsDoNotStopTheLoop(t *testing.T) {
	cfg := DefaultDailyTriggerConfig()
	cfg.Hour, cfg.Minute = 0, 0
	calls := 0
	trigger, err := NewDailyTrigger(cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return extraction.ErrRunInProgress
		}
		return errors.New("boom")
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Date(2024, 3, 10, 0, 0, 10, 0, time.UTC)
	trigger.now = func() time.Time { return now }
	assert.True(t, trigger.checkAndTrigger(context.Background()))

	now = now.AddDate(0, 0, 1)
	assert.True(t, trigger.checkAndTrigger(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestDailyTrigger_StartStop(t *testing.T) {
	cfg := DefaultDailyTriggerConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	trigger, err := NewDailyTrigger(cfg, func(context.Context) error { return nil }, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, trigger.Start(context.Background()))
	assert.ErrorIs(t, trigger.Start(context.Background()), ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, trigger.Stop(ctx))
	require.NoError(t, trigger.Stop(ctx))
}
