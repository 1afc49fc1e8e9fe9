package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrRunNotRunning is returned when a result is recorded for a run that already finished
var ErrRunNotRunning = errors.New("persistence: run is not in running state")

// GormRunLedger implements extraction.RunLedger on the etl_controle table
type GormRunLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormRunLedger creates a new GormRunLedger
func NewGormRunLedger(db *gorm.DB) *GormRunLedger {
	return &GormRunLedger{db: db, now: time.Now}
}

// RecordAttempt inserts a new running record
func (l *GormRunLedger) RecordAttempt(ctx context.Context, run *extraction.RunRecord) error {
	m, err := models.RunRecordModelFromDomain(run)
	if err != nil {
		return fmt.Errorf("encode run details: %w", err)
	}
	if err := l.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("record run attempt: %w", err)
	}
	return nil
}

// RecordResult stores the terminal state of a run. Only a record still in
// running state is updated; anything else yields ErrRunNotRunning.
func (l *GormRunLedger) RecordResult(ctx context.Context, run *extraction.RunRecord) error {
	m, err := models.RunRecordModelFromDomain(run)
	if err != nil {
		return fmt.Errorf("encode run details: %w", err)
	}

	result := l.db.WithContext(ctx).
		Model(&models.RunRecordModel{}).
		Where("id = ? AND status = ?", run.ID, string(extraction.RunStatusRunning)).
		Updates(map[string]any{
			"status":           m.Status,
			"fim":              m.Fim,
			"data_referencia":  m.DataReferencia,
			"nfes_processadas": m.NfesProcessadas,
			"nfes_ignoradas":   m.NfesIgnoradas,
			"contatos_novos":   m.ContatosNovos,
			"produtos_novos":   m.ProdutosNovos,
			"erro_mensagem":    m.ErroMensagem,
			"detalhes":         m.Detalhes,
		})
	if result.Error != nil {
		return fmt.Errorf("record run result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotRunning, run.ID)
	}
	return nil
}

// LastSuccessful returns the successful run with the latest reference date, or nil
func (l *GormRunLedger) LastSuccessful(ctx context.Context) (*extraction.RunRecord, error) {
	var m models.RunRecordModel
	err := l.db.WithContext(ctx).
		Where("status = ?", string(extraction.RunStatusSuccess)).
		Order("data_referencia DESC").
		Order("fim DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last successful run: %w", err)
	}
	return m.ToDomain(), nil
}

// LastSuccessfulReferenceDate returns the watermark of the last successful
// run; ok is false when no run has succeeded yet.
func (l *GormRunLedger) LastSuccessfulReferenceDate(ctx context.Context) (ref time.Time, ok bool, err error) {
	run, err := l.LastSuccessful(ctx)
	if err != nil || run == nil || run.ReferenceDate == nil {
		return time.Time{}, false, err
	}
	return *run.ReferenceDate, true, nil
}

// SupersedeStale marks every running record started before cutoff as failed
// and returns their ids.
func (l *GormRunLedger) SupersedeStale(ctx context.Context, cutoff time.Time, by uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RunRecordModel{}).
			Where("status = ? AND inicio < ?", string(extraction.RunStatusRunning), cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&models.RunRecordModel{}).
			Where("id IN ? AND status = ?", ids, string(extraction.RunStatusRunning)).
			Updates(map[string]any{
				"status":        string(extraction.RunStatusError),
				"fim":           l.now(),
				"erro_mensagem": fmt.Sprintf("superseded by run %s", by),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("supersede stale runs: %w", err)
	}
	return ids, nil
}

// Recent returns the latest runs, newest first
func (l *GormRunLedger) Recent(ctx context.Context, limit int) ([]*extraction.RunRecord, error) {
	var rows []models.RunRecordModel
	if err := l.db.WithContext(ctx).Order("inicio DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*extraction.RunRecord, len(rows))
	for i := range rows {
		runs[i] = rows[i].ToDomain()
	}
	return runs, nil
}
