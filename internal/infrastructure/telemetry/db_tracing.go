package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig configures the gorm tracing plugin
type DBTracingConfig struct {
	Enabled bool
	// LogFullSQL keeps bound variables in db.statement. Never in production.
	LogFullSQL bool
	// SlowQueryThreshold marks spans slower than this. Default: 200ms
	SlowQueryThreshold time.Duration
	DBName             string
}

type queryStartKey struct{}

// RegisterDBTracing installs otelgorm on db plus a callback pair that flags
// slow statements on their span.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		logger.Debug("Database tracing disabled")
		return nil
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = 200 * time.Millisecond
	}

	opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBName)}
	if !cfg.LogFullSQL {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	before := func(tx *gorm.DB) {
		if tx.Statement.Context != nil {
			tx.Statement.Context = context.WithValue(tx.Statement.Context, queryStartKey{}, time.Now())
		}
	}
	after := slowQueryCallback(cfg.SlowQueryThreshold)

	cb := db.Callback()
	processors := []struct {
		name     string
		before   func(string) callbackRegistrar
		after    func(string) callbackRegistrar
		anchorOp string
	}{
		{"create", func(n string) callbackRegistrar { return cb.Create().Before(n) }, func(n string) callbackRegistrar { return cb.Create().After(n) }, "gorm:create"},
		{"query", func(n string) callbackRegistrar { return cb.Query().Before(n) }, func(n string) callbackRegistrar { return cb.Query().After(n) }, "gorm:query"},
		{"update", func(n string) callbackRegistrar { return cb.Update().Before(n) }, func(n string) callbackRegistrar { return cb.Update().After(n) }, "gorm:update"},
		{"delete", func(n string) callbackRegistrar { return cb.Delete().Before(n) }, func(n string) callbackRegistrar { return cb.Delete().After(n) }, "gorm:delete"},
		{"row", func(n string) callbackRegistrar { return cb.Row().Before(n) }, func(n string) callbackRegistrar { return cb.Row().After(n) }, "gorm:row"},
		{"raw", func(n string) callbackRegistrar { return cb.Raw().Before(n) }, func(n string) callbackRegistrar { return cb.Raw().After(n) }, "gorm:raw"},
	}
	for _, p := range processors {
		if err := p.before(p.anchorOp).Register("collector:timing_"+p.name, before); err != nil {
			return err
		}
		if err := p.after(p.anchorOp).Register("collector:slow_"+p.name, after); err != nil {
			return err
		}
	}

	logger.Info("Database tracing enabled",
		zap.Bool("log_full_sql", cfg.LogFullSQL),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThreshold),
	)
	return nil
}

// callbackRegistrar is the subset of gorm's callback builder used above
type callbackRegistrar interface {
	Register(name string, fn func(*gorm.DB)) error
}

func slowQueryCallback(threshold time.Duration) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		ctx := tx.Statement.Context
		if ctx == nil {
			return
		}
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}
		if tx.Statement.Table != "" {
			span.SetAttributes(attribute.String("db.sql.table", tx.Statement.Table))
		}
		if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			RecordError(span, tx.Error)
		}
		start, ok := ctx.Value(queryStartKey{}).(time.Time)
		if !ok {
			return
		}
		if elapsed := time.Since(start); elapsed > threshold {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
		}
	}
}
