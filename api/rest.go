package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"ramqval.facturis.org/models"
	redisq "ramqval.facturis.org/queue/redis"
	"ramqval.facturis.org/store"
)

// handleUploadFile stores a CSV blob and its metadata row.
func (s *Server) handleUploadFile(c echo.Context) error {
	user := currentUser(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	if ext := strings.ToLower(filepath.Ext(fh.Filename)); ext != ".csv" {
		return echo.NewHTTPError(http.StatusBadRequest, "only CSV files are accepted")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read upload")
	}
	defer src.Close()

	id := uuid.NewString()
	storedName := id + ".csv"
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.log.WithError(err).Error("failed to create upload dir")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store file")
	}
	dst, err := os.Create(filepath.Join(s.uploadDir, storedName))
	if err != nil {
		s.log.WithError(err).Error("failed to create upload blob")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store file")
	}
	defer dst.Close()
	written, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(dst.Name())
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store file")
	}

	file := models.UploadedFile{
		ID:           id,
		OriginalName: fh.Filename,
		StoredName:   storedName,
		Size:         written,
		MimeType:     fh.Header.Get(echo.HeaderContentType),
		UploadedBy:   user.ID,
	}
	if err := s.store.CreateUploadedFile(c.Request().Context(), &file); err != nil {
		os.Remove(dst.Name())
		s.log.WithError(err).Error("failed to persist file metadata")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store file")
	}

	s.log.WithFields(map[string]interface{}{
		"file_id": file.ID,
		"size":    humanize.Bytes(uint64(written)),
		"user":    user.ID,
	}).Info("file uploaded")
	return c.JSON(http.StatusCreated, file)
}

type createValidationRequest struct {
	FileID string `json:"fileId"`
}

// handleCreateValidation creates a run for an uploaded file and queues it.
// Queueing the same run twice is a no-op at the queue level.
func (s *Server) handleCreateValidation(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	var req createValidationRequest
	if err := c.Bind(&req); err != nil || req.FileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "fileId is required")
	}

	file, err := s.store.GetUploadedFile(ctx, req.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load file")
	}
	if user.Role != models.RoleAdmin && file.UploadedBy != user.ID {
		return echo.NewHTTPError(http.StatusForbidden, "file belongs to another user")
	}

	run := models.ValidationRun{
		ID:        uuid.NewString(),
		FileID:    file.ID,
		FileName:  file.OriginalName,
		CreatedBy: user.ID,
		Status:    models.RunQueued,
	}
	if err := s.store.CreateValidationRun(ctx, &run); err != nil {
		s.log.WithError(err).Error("failed to create validation run")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create validation run")
	}

	jobID, duplicate, err := s.queue.Enqueue(ctx, run.ID, file.OriginalName)
	if err != nil {
		if errors.Is(err, redisq.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "job queue unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue validation")
	}
	if !duplicate {
		if err := s.store.SetRunJobID(ctx, run.ID, jobID); err != nil {
			s.log.WithError(err).Warn("failed to record job id")
		}
		run.JobID = jobID
	}
	return c.JSON(http.StatusAccepted, run)
}

// handleListValidations lists the caller's runs; admins see all runs.
func (s *Server) handleListValidations(c echo.Context) error {
	user := currentUser(c)
	filter := store.RunFilter{
		Status:   models.RunStatus(c.QueryParam("status")),
		Page:     atoiDefault(c.QueryParam("page"), 1),
		PageSize: atoiDefault(c.QueryParam("pageSize"), 20),
	}
	if user.Role != models.RoleAdmin {
		filter.UserID = user.ID
	}
	runs, total, err := s.store.GetValidationRuns(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list validations")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"validations": runs,
		"total":       total,
		"page":        filter.Page,
	})
}

func (s *Server) handleGetValidation(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// handleGetResults returns the findings of a completed run, redacted per the
// caller's PHI setting. Raw access is admin-only and audited.
func (s *Server) handleGetResults(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	results, err := s.store.GetValidationResults(ctx, run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load results")
	}

	redact := s.mustRedact(c, user, run.ID, len(results))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"validationId": run.ID,
		"status":       run.Status,
		"results":      s.redactor.RedactResults(results, redact),
	})
}

// handleGetRecords returns one page of a run's billing records.
func (s *Server) handleGetRecords(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	q := store.RecordQuery{
		Page:     atoiDefault(c.QueryParam("page"), 1),
		PageSize: atoiDefault(c.QueryParam("pageSize"), 100),
		Sort:     c.QueryParam("sort"),
	}
	records, total, err := s.store.GetBillingRecordsPage(ctx, run.ID, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load records")
	}

	redact := s.mustRedact(c, user, run.ID, len(records))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"validationId": run.ID,
		"records":      s.redactor.RedactRecords(records, redact),
		"total":        total,
		"page":         q.Page,
	})
}

func (s *Server) handleGetLogs(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	logs, err := s.store.GetValidationLogs(c.Request().Context(), run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load logs")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"validationId": run.ID,
		"logs":         logs,
	})
}

// handleCleanupRun deletes the billing data of one run, keeping the run row.
func (s *Server) handleCleanupRun(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	if err := s.store.CleanupValidationData(c.Request().Context(), run.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clean up validation data")
	}
	s.log.WithField("run_id", run.ID).Info("validation data cleaned up")
	return c.NoContent(http.StatusNoContent)
}

// handleCleanupOld purges billing data of runs older than daysOld (default 30).
func (s *Server) handleCleanupOld(c echo.Context) error {
	daysOld := atoiDefault(c.QueryParam("daysOld"), 30)
	if daysOld < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "daysOld must be positive")
	}
	cleaned, err := s.store.CleanupOldValidations(c.Request().Context(), daysOld)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clean up old validations")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cleaned": cleaned, "daysOld": daysOld})
}

// loadRun fetches the run named by :id, enforcing ownership for non-admins.
func (s *Server) loadRun(c echo.Context) (*models.ValidationRun, error) {
	user := currentUser(c)
	runID := c.Param("id")
	if _, err := uuid.Parse(runID); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid validation id")
	}

	ctx := c.Request().Context()
	var run *models.ValidationRun
	var err error
	if user.Role == models.RoleAdmin {
		run, err = s.store.GetValidationRun(ctx, runID)
	} else {
		run, err = s.store.GetValidationRunForUser(ctx, runID, user.ID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "validation not found")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load validation")
	}
	return run, nil
}

// mustRedact decides whether PHI redaction applies to this response. Only
// admins can opt out, and every raw access leaves an audit row.
func (s *Server) mustRedact(c echo.Context, user *models.User, runID string, recordCount int) bool {
	if user.PHIRedactionEnabled || user.Role != models.RoleAdmin {
		return true
	}
	audit := models.AuditLog{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		Email:           user.Email,
		Endpoint:        c.Path(),
		ValidationRunID: runID,
		RecordCount:     recordCount,
	}
	if err := s.store.CreateAuditLog(c.Request().Context(), &audit); err != nil {
		s.log.WithError(err).Error("failed to write audit log, forcing redaction")
		return true
	}
	return false
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
