// Package scheduler runs the incremental extraction once a day in-process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/collector/internal/domain/extraction"
)

// Job is what the trigger runs once a day
type Job func(ctx context.Context) error

// DailyTriggerConfig holds configuration for the daily trigger
type DailyTriggerConfig struct {
	// Hour and Minute are the local time of the daily run (24h format)
	Hour   int
	Minute int

	// CheckInterval is how often to check if it's time to run
	CheckInterval time.Duration

	// RunTimeout bounds a single run; zero means no bound
	RunTimeout time.Duration

	Location *time.Location
}

// DefaultDailyTriggerConfig returns default daily trigger configuration
func DefaultDailyTriggerConfig() DailyTriggerConfig {
	return DailyTriggerConfig{
		Hour:          6,
		Minute:        0,
		CheckInterval: time.Minute,
		RunTimeout:    2 * time.Hour,
		Location:      time.UTC,
	}
}

// Validate checks the configuration
func (c DailyTriggerConfig) Validate() error {
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidConfig, c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidConfig, c.Minute)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%w: check interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// DailyTrigger runs a job once per calendar day at a fixed local time
type DailyTrigger struct {
	config DailyTriggerConfig
	job    Job
	logger *zap.Logger
	now    func() time.Time

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	isRunning   bool
	lastRunDate string // Track which date we last ran for
}

// NewDailyTrigger creates a new daily trigger
func NewDailyTrigger(config DailyTriggerConfig, job Job, logger *zap.Logger) (*DailyTrigger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailyTrigger{
		config: config,
		job:    job,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Start starts the trigger loop
func (d *DailyTrigger) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.isRunning = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.runLoop(ctx)

	d.logger.Info("Daily trigger started",
		zap.Int("hour", d.config.Hour),
		zap.Int("minute", d.config.Minute),
		zap.String("location", d.config.Location.String()),
		zap.Duration("check_interval", d.config.CheckInterval),
	)
	return nil
}

// Stop stops the trigger and waits for an in-flight run to return
func (d *DailyTrigger) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Daily trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DailyTrigger) runLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkAndTrigger(ctx)
		}
	}
}

// due reports whether now falls in the window following today's scheduled time.
// The window spans two check intervals so a late tick does not skip the day.
func (d *DailyTrigger) due(now time.Time) bool {
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), d.config.Hour, d.config.Minute, 0, 0, d.config.Location)
	return !now.Before(scheduled) && now.Before(scheduled.Add(2*d.config.CheckInterval))
}

// checkAndTrigger runs the job when it is due and has not run today
func (d *DailyTrigger) checkAndTrigger(ctx context.Context) bool {
	now := d.now().In(d.config.Location)
	currentDate := now.Format(extraction.DateLayout)

	d.mu.Lock()
	if d.lastRunDate == currentDate || !d.due(now) {
		d.mu.Unlock()
		return false
	}
	d.lastRunDate = currentDate
	d.mu.Unlock()

	d.logger.Info("Triggering daily extraction", zap.String("date", currentDate))
	d.trigger(ctx)
	return true
}

func (d *DailyTrigger) trigger(ctx context.Context) {
	if d.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.RunTimeout)
		defer cancel()
	}

	err := d.job(ctx)
	switch {
	case err == nil:
		d.logger.Info("Daily extraction finished")
	case errors.Is(err, extraction.ErrRunInProgress):
		d.logger.Info("Daily extraction skipped, another run is in progress")
	default:
		d.logger.Error("Daily extraction failed", zap.Error(err))
	}
}

// LastRunDate returns the date of the last triggered run, "" if none
func (d *DailyTrigger) LastRunDate() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRunDate
}
