// Package orchestrator drives one validation run from uploaded CSV blob to
// persisted results.
//
// A run is restartable: the first step wipes any partial records and results
// left by an interrupted attempt, so a retried job rebuilds the run from the
// blob instead of duplicating rows. The blob itself is deleted only on
// success; file metadata outlives the blob.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"ramqval.facturis.org/engine"
	"ramqval.facturis.org/ingest"
	"ramqval.facturis.org/models"
	"ramqval.facturis.org/rules"
	"ramqval.facturis.org/store"
	"ramqval.facturis.org/vlog"
)

// ErrFileMissing reports a run whose uploaded blob no longer exists.
var ErrFileMissing = errors.New("uploaded file is missing")

// Processor executes validation runs.
type Processor struct {
	store     *store.Store
	engine    *engine.Engine
	sink      *vlog.Sink
	uploadDir string
	log       *logrus.Entry
}

// New builds a run processor.
func New(st *store.Store, eng *engine.Engine, sink *vlog.Sink, uploadDir string, log *logrus.Entry) *Processor {
	return &Processor{store: st, engine: eng, sink: sink, uploadDir: uploadDir, log: log}
}

// ProcessRun executes one validation run end to end. Completed runs are left
// untouched; a run that previously failed or was interrupted restarts from
// the blob.
func (p *Processor) ProcessRun(ctx context.Context, runID, fileName string) error {
	started := time.Now()
	log := p.log.WithField("run_id", runID)

	run, err := p.store.GetValidationRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load validation run: %w", err)
	}
	if run.Status == models.RunCompleted {
		log.Info("run already completed, skipping")
		return nil
	}

	file, err := p.store.GetUploadedFile(ctx, run.FileID)
	if err != nil {
		return fmt.Errorf("failed to load uploaded file: %w", err)
	}
	path := filepath.Join(p.uploadDir, file.StoredName)
	if _, err := os.Stat(path); err != nil {
		p.sink.Error(ctx, runID, "orchestrator",
			"Le fichier téléversé est introuvable; la validation ne peut pas démarrer.",
			&vlog.Meta{FileName: fileName, ErrorCode: "file_missing"})
		return fmt.Errorf("%w: %s", ErrFileMissing, file.StoredName)
	}

	// Wipe partial output from any interrupted attempt before re-ingesting.
	if err := p.store.DeleteValidationResults(ctx, runID); err != nil {
		return fmt.Errorf("failed to clear previous results: %w", err)
	}
	if err := p.store.DeleteBillingRecords(ctx, runID); err != nil {
		return fmt.Errorf("failed to clear previous records: %w", err)
	}

	if err := p.store.MarkRunProcessing(ctx, runID); err != nil {
		return fmt.Errorf("failed to mark run processing: %w", err)
	}
	p.sink.Info(ctx, runID, "orchestrator", "Début de la validation.", &vlog.Meta{FileName: fileName})

	result, err := p.ingestFile(ctx, runID, path)
	if err != nil {
		return err
	}

	// Re-read what was persisted so the engine sees exactly the stored rows.
	records, err := p.store.GetBillingRecords(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to reload billing records: %w", err)
	}
	p.sink.Info(ctx, runID, "orchestrator",
		fmt.Sprintf("%d enregistrement(s) importé(s) sur %d ligne(s).", len(records), result.TotalRows),
		ingestSummary(result, len(records)))

	drafts, err := p.engine.Run(ctx, runID, records, func(percent int) {
		if perr := p.store.UpdateRunProgress(ctx, runID, percent); perr != nil {
			log.WithError(perr).Warn("failed to update run progress")
		}
	})
	if err != nil {
		return fmt.Errorf("rule engine failed: %w", err)
	}

	if err := p.store.UpdateRunProgress(ctx, runID, 90); err != nil {
		log.WithError(err).Warn("failed to update run progress")
	}

	results := draftsToResults(runID, drafts)
	if err := p.store.CreateValidationResults(ctx, results); err != nil {
		return fmt.Errorf("failed to persist validation results: %w", err)
	}
	p.sink.Info(ctx, runID, "orchestrator",
		fmt.Sprintf("%d résultat(s) de validation enregistré(s).", len(results)),
		&vlog.Meta{ResultCount: vlog.Int(len(results))})

	// The blob has served its purpose; only metadata survives.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove uploaded blob")
	}

	if err := p.store.MarkRunCompleted(ctx, runID); err != nil {
		return fmt.Errorf("failed to mark run completed: %w", err)
	}
	p.sink.Info(ctx, runID, "orchestrator", "Validation terminée.",
		&vlog.Meta{DurationMS: vlog.Int64(time.Since(started).Milliseconds())})
	return nil
}

// ingestFile parses the CSV, persisting record batches as they stream.
func (p *Processor) ingestFile(ctx context.Context, runID, path string) (*ingest.Result, error) {
	result, err := ingest.Parse(path, runID, ingest.Options{
		OnProgress: func(percent int) {
			if perr := p.store.UpdateRunProgress(ctx, runID, percent); perr != nil {
				p.log.WithError(perr).WithField("run_id", runID).Warn("failed to update run progress")
			}
		},
		OnBatch: func(records []models.BillingRecord) error {
			return p.store.CreateBillingRecords(ctx, records)
		},
	})
	if err != nil {
		p.sink.Error(ctx, runID, "ingest",
			fmt.Sprintf("Échec de l'analyse du fichier CSV: %s.", err.Error()),
			&vlog.Meta{ErrorCode: "parse_failed"})
		return nil, fmt.Errorf("csv parse failed: %w", err)
	}

	if len(result.ParseErrors) > 0 {
		lines := make([]vlog.Line, 0, len(result.ParseErrors))
		for _, pe := range result.ParseErrors {
			lines = append(lines, vlog.Line{
				RunID:   runID,
				Level:   models.LogWarn,
				Source:  "ingest",
				Message: fmt.Sprintf("Ligne %d ignorée: %s.", pe.Row, pe.Reason),
				Meta:    &vlog.Meta{RowCount: vlog.Int(pe.Row)},
			})
		}
		p.sink.LogBatch(ctx, lines)
	}
	return result, nil
}

// ingestSummary builds the log metadata for the ingestion summary line.
func ingestSummary(result *ingest.Result, recordCount int) *vlog.Meta {
	return &vlog.Meta{
		RowCount:   vlog.Int(recordCount),
		TotalRows:  vlog.Int(result.TotalRows),
		ErrorCount: vlog.Int(len(result.ParseErrors)),
		Encoding:   result.Encoding,
		Delimiter:  string(result.Delimiter),
	}
}

// draftsToResults converts engine drafts into persistable rows, flattening the
// typed rule payloads to JSON.
func draftsToResults(runID string, drafts []rules.Draft) []models.ValidationResult {
	results := make([]models.ValidationResult, 0, len(drafts))
	for _, d := range drafts {
		results = append(results, models.ValidationResult{
			ValidationRunID: runID,
			RuleID:          d.RuleID,
			BillingRecordID: d.BillingRecordID,
			IDRamq:          d.IDRamq,
			Severity:        d.Severity,
			Category:        d.Category,
			Message:         d.Message,
			Solution:        d.Solution,
			AffectedRecords: d.AffectedRecords,
			RuleData:        toJSONMap(d.RuleData),
		})
	}
	return results
}

func toJSONMap(v interface{}) models.JSONMap {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m models.JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
