// Package vlog is the per-run validation log sink. Every line is persisted to
// the validation_logs table with a strictly-typed metadata contract: only the
// technical fields enumerated on Meta can travel with a log line, so CSV row
// content (PHI) cannot leak in by accident.
//
// The sink never propagates persistence failures; on error it falls back to
// the process logger.
package vlog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ramqval.facturis.org/models"
)

// LogStore is the slice of the persistence gateway the sink writes through.
type LogStore interface {
	CreateValidationLog(ctx context.Context, entry *models.ValidationLog) error
	CreateValidationLogsBatch(ctx context.Context, entries []models.ValidationLog) error
}

// Meta is the closed set of technical metadata allowed on a validation log
// line. Pointer fields distinguish "absent" from zero. There is deliberately
// no free-form map here.
type Meta struct {
	RowCount    *int
	TotalRows   *int
	BatchSize   *int
	ErrorCount  *int
	ResultCount *int
	RuleCount   *int
	Progress    *int
	DurationMS  *int64
	Encoding    string
	Delimiter   string
	ErrorCode   string
	RuleID      string
	JobID       string
	FileName    string
	Attempt     *int
}

// fields converts the set members into a JSON metadata map.
func (m *Meta) fields() models.JSONMap {
	if m == nil {
		return nil
	}
	out := models.JSONMap{}
	setInt := func(key string, v *int) {
		if v != nil {
			out[key] = *v
		}
	}
	setInt("rowCount", m.RowCount)
	setInt("totalRows", m.TotalRows)
	setInt("batchSize", m.BatchSize)
	setInt("errorCount", m.ErrorCount)
	setInt("resultCount", m.ResultCount)
	setInt("ruleCount", m.RuleCount)
	setInt("progress", m.Progress)
	setInt("attempt", m.Attempt)
	if m.DurationMS != nil {
		out["durationMs"] = *m.DurationMS
	}
	if m.Encoding != "" {
		out["encoding"] = m.Encoding
	}
	if m.Delimiter != "" {
		out["delimiter"] = m.Delimiter
	}
	if m.ErrorCode != "" {
		out["errorCode"] = m.ErrorCode
	}
	if m.RuleID != "" {
		out["ruleId"] = m.RuleID
	}
	if m.JobID != "" {
		out["jobId"] = m.JobID
	}
	if m.FileName != "" {
		out["fileName"] = m.FileName
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Int is a convenience for building Meta literals.
func Int(v int) *int { return &v }

// Int64 is a convenience for building Meta literals.
func Int64(v int64) *int64 { return &v }

// Sink writes validation log lines for runs.
type Sink struct {
	store LogStore
	log   *logrus.Entry
}

// New builds a sink over the persistence gateway.
func New(store LogStore, log *logrus.Entry) *Sink {
	return &Sink{store: store, log: log}
}

func (s *Sink) write(ctx context.Context, runID string, level models.LogLevel, source, message string, meta *Meta) {
	entry := models.ValidationLog{
		ValidationRunID: runID,
		Timestamp:       time.Now().UTC(),
		Level:           level,
		Source:          source,
		Message:         message,
		Metadata:        meta.fields(),
	}
	if err := s.store.CreateValidationLog(ctx, &entry); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"run_id": runID,
			"source": source,
			"level":  level,
		}).Error(message)
	}
}

// Debug writes a DEBUG line.
func (s *Sink) Debug(ctx context.Context, runID, source, message string, meta *Meta) {
	s.write(ctx, runID, models.LogDebug, source, message, meta)
}

// Info writes an INFO line.
func (s *Sink) Info(ctx context.Context, runID, source, message string, meta *Meta) {
	s.write(ctx, runID, models.LogInfo, source, message, meta)
}

// Warn writes a WARN line.
func (s *Sink) Warn(ctx context.Context, runID, source, message string, meta *Meta) {
	s.write(ctx, runID, models.LogWarn, source, message, meta)
}

// Error writes an ERROR line.
func (s *Sink) Error(ctx context.Context, runID, source, message string, meta *Meta) {
	s.write(ctx, runID, models.LogError, source, message, meta)
}

// Line is one entry for LogBatch.
type Line struct {
	RunID   string
	Level   models.LogLevel
	Source  string
	Message string
	Meta    *Meta
}

// LogBatch coalesces many lines into a single round-trip.
func (s *Sink) LogBatch(ctx context.Context, lines []Line) {
	if len(lines) == 0 {
		return
	}
	entries := make([]models.ValidationLog, 0, len(lines))
	now := time.Now().UTC()
	for _, l := range lines {
		entries = append(entries, models.ValidationLog{
			ValidationRunID: l.RunID,
			Timestamp:       now,
			Level:           l.Level,
			Source:          l.Source,
			Message:         l.Message,
			Metadata:        l.Meta.fields(),
		})
	}
	if err := s.store.CreateValidationLogsBatch(ctx, entries); err != nil {
		s.log.WithError(err).WithField("lines", len(lines)).Error("validation log batch write failed")
	}
}
