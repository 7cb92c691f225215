// Package store is the typed persistence gateway over Postgres. It owns every
// read and write of runs, billing records, validation results, reference
// entities, users, validation logs and the PHI audit log.
//
// The gateway does not perform authorization; callers pass either a run id
// (when access was already authorized at the boundary) or a user id for
// owner-filtered queries. Batched writes are chunked below the driver's
// parameter limit.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ramqval.facturis.org/models"
)

// ErrNotFound is returned when a requested row does not exist or is not owned
// by the requesting user.
var ErrNotFound = errors.New("store: not found")

// batchSize keeps multi-row inserts below Postgres' 65535 bind-parameter limit
// even for the widest table.
const batchSize = 500

// Config contains connection pool settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the gorm-backed persistence gateway.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and configures the pool.
func Open(cfg Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Store{db: db}, nil
}

// New wraps an existing gorm handle. Used by tests.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&models.User{},
		&models.UploadedFile{},
		&models.ValidationRun{},
		&models.BillingRecord{},
		&models.ValidationResult{},
		&models.Code{},
		&models.ServiceContext{},
		&models.Establishment{},
		&models.Rule{},
		&models.ValidationLog{},
		&models.AuditLog{},
	)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Users

// GetOrCreateUser fetches a user by auth subject id, creating a pending-role
// row on first sight.
func (s *Store) GetOrCreateUser(ctx context.Context, id, email, displayName string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	user = models.User{
		ID:                  id,
		Email:               email,
		DisplayName:         displayName,
		Role:                models.RolePending,
		PHIRedactionEnabled: true,
		RedactionLevel:      models.RedactionFull,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

// UpdateUser persists role and redaction mutations. Disabling redaction is
// restricted to admins.
func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	if !user.PHIRedactionEnabled && user.Role != models.RoleAdmin {
		return fmt.Errorf("only admins may disable PHI redaction")
	}
	return s.db.WithContext(ctx).Save(user).Error
}

// Uploaded files

// CreateUploadedFile persists the metadata row for an uploaded blob.
func (s *Store) CreateUploadedFile(ctx context.Context, file *models.UploadedFile) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(file).Error
}

// GetUploadedFile fetches file metadata by id.
func (s *Store) GetUploadedFile(ctx context.Context, id string) (*models.UploadedFile, error) {
	var file models.UploadedFile
	err := s.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// Validation runs

// CreateValidationRun inserts a new run in queued state.
func (s *Store) CreateValidationRun(ctx context.Context, run *models.ValidationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunQueued
	}
	return s.db.WithContext(ctx).Create(run).Error
}

// GetValidationRun fetches a run by id.
func (s *Store) GetValidationRun(ctx context.Context, runID string) (*models.ValidationRun, error) {
	var run models.ValidationRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetValidationRunForUser fetches a run only when owned by userID.
func (s *Store) GetValidationRunForUser(ctx context.Context, runID, userID string) (*models.ValidationRun, error) {
	var run models.ValidationRun
	err := s.db.WithContext(ctx).First(&run, "id = ? AND created_by = ?", runID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RunFilter narrows and pages run listings.
type RunFilter struct {
	UserID   string
	Status   models.RunStatus
	Page     int
	PageSize int
}

// GetValidationRuns lists runs newest-first for a user.
func (s *Store) GetValidationRuns(ctx context.Context, filter RunFilter) ([]models.ValidationRun, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.ValidationRun{})
	if filter.UserID != "" {
		q = q.Where("created_by = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size < 1 || size > 200 {
		size = 50
	}

	var runs []models.ValidationRun
	err := q.Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&runs).Error
	return runs, total, err
}

// MarkRunProcessing transitions a queued run to processing. No-op when the run
// already reached a terminal state.
func (s *Store) MarkRunProcessing(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status NOT IN ?", runID, []models.RunStatus{models.RunCompleted, models.RunFailed}).
		Updates(map[string]interface{}{
			"status":     models.RunProcessing,
			"started_at": now,
		}).Error
}

// UpdateRunProgress raises the progress value. Progress never decreases and
// terminal runs are never touched, so retried jobs keep partial progress.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status NOT IN ?", runID, []models.RunStatus{models.RunCompleted, models.RunFailed}).
		Update("progress", gorm.Expr("GREATEST(progress, ?)", progress)).Error
}

// MarkRunCompleted transitions a run to its successful terminal state.
func (s *Store) MarkRunCompleted(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status NOT IN ?", runID, []models.RunStatus{models.RunCompleted, models.RunFailed}).
		Updates(map[string]interface{}{
			"status":       models.RunCompleted,
			"progress":     100,
			"completed_at": now,
		}).Error
}

// MarkRunFailed transitions a run to failed with a sanitized message. Partial
// progress is preserved.
func (s *Store) MarkRunFailed(ctx context.Context, runID, message string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status <> ?", runID, models.RunCompleted).
		Updates(map[string]interface{}{
			"status":        models.RunFailed,
			"error_message": message,
			"completed_at":  now,
		}).Error
}

// SetRunJobID records the queue job id assigned at enqueue.
func (s *Store) SetRunJobID(ctx context.Context, runID, jobID string) error {
	return s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ?", runID).
		Update("job_id", jobID).Error
}

// Billing records

// CreateBillingRecords writes a batch of records, chunked below the transport
// parameter limit. IDs are assigned here when absent.
func (s *Store) CreateBillingRecords(ctx context.Context, records []models.BillingRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(records, batchSize).Error
}

// RecordQuery pages and sorts record reads.
type RecordQuery struct {
	Page     int
	PageSize int
	Sort     string // "date_service", "code" or "" for insertion order
}

// GetBillingRecords returns all records of a run in insertion order.
func (s *Store) GetBillingRecords(ctx context.Context, runID string) ([]models.BillingRecord, error) {
	var records []models.BillingRecord
	err := s.db.WithContext(ctx).
		Where("validation_run_id = ?", runID).
		Order("seq ASC").
		Find(&records).Error
	return records, err
}

// GetBillingRecordsPage returns one page of a run's records.
func (s *Store) GetBillingRecordsPage(ctx context.Context, runID string, q RecordQuery) ([]models.BillingRecord, int64, error) {
	base := s.db.WithContext(ctx).Model(&models.BillingRecord{}).
		Where("validation_run_id = ?", runID)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "seq ASC"
	switch q.Sort {
	case "date_service":
		order = "date_service ASC, seq ASC"
	case "code":
		order = "code ASC, seq ASC"
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size < 1 || size > 1000 {
		size = 100
	}

	var records []models.BillingRecord
	err := base.Order(order).
		Offset((page - 1) * size).
		Limit(size).
		Find(&records).Error
	return records, total, err
}

// DeleteBillingRecords removes all records of a run. The orchestrator calls
// this at job start so a retried job never duplicates rows.
func (s *Store) DeleteBillingRecords(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).
		Where("validation_run_id = ?", runID).
		Delete(&models.BillingRecord{}).Error
}

// Validation results

// CreateValidationResults writes a batch of results, chunked.
func (s *Store) CreateValidationResults(ctx context.Context, results []models.ValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	for i := range results {
		if results[i].ID == "" {
			results[i].ID = uuid.NewString()
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(results, batchSize).Error
}

// GetValidationResults returns all results of a run.
func (s *Store) GetValidationResults(ctx context.Context, runID string) ([]models.ValidationResult, error) {
	var results []models.ValidationResult
	err := s.db.WithContext(ctx).
		Where("validation_run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	return results, err
}

// DeleteValidationResults removes all results of a run.
func (s *Store) DeleteValidationResults(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).
		Where("validation_run_id = ?", runID).
		Delete(&models.ValidationResult{}).Error
}

// Cleanup

// CleanupValidationData cascade-deletes the records, results and logs of a run.
// The run row itself is kept for history.
func (s *Store) CleanupValidationData(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("validation_run_id = ?", runID).Delete(&models.BillingRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("validation_run_id = ?", runID).Delete(&models.ValidationResult{}).Error; err != nil {
			return err
		}
		return tx.Where("validation_run_id = ?", runID).Delete(&models.ValidationLog{}).Error
	})
}

// CleanupOldValidations removes runs older than daysOld along with their data.
// Returns the number of runs removed.
func (s *Store) CleanupOldValidations(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)

	var runIDs []string
	if err := s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("created_at < ?", cutoff).
		Pluck("id", &runIDs).Error; err != nil {
		return 0, err
	}
	if len(runIDs) == 0 {
		return 0, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("validation_run_id IN ?", runIDs).Delete(&models.BillingRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("validation_run_id IN ?", runIDs).Delete(&models.ValidationResult{}).Error; err != nil {
			return err
		}
		if err := tx.Where("validation_run_id IN ?", runIDs).Delete(&models.ValidationLog{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", runIDs).Delete(&models.ValidationRun{}).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(runIDs)), nil
}

// Validation logs

// CreateValidationLog appends one log line.
func (s *Store) CreateValidationLog(ctx context.Context, entry *models.ValidationLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// CreateValidationLogsBatch appends many log lines in one round-trip.
func (s *Store) CreateValidationLogsBatch(ctx context.Context, entries []models.ValidationLog) error {
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(entries, batchSize).Error
}

// GetValidationLogs returns a run's log lines in time order.
func (s *Store) GetValidationLogs(ctx context.Context, runID string) ([]models.ValidationLog, error) {
	var entries []models.ValidationLog
	err := s.db.WithContext(ctx).
		Where("validation_run_id = ?", runID).
		Order("timestamp ASC").
		Find(&entries).Error
	return entries, err
}

// Audit log

// CreateAuditLog records a raw-PHI access event.
func (s *Store) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}
