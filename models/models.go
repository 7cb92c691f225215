// Package models defines the persisted entities of the RAMQ billing-validation
// service: uploaded files, validation runs, billing records, validation results,
// reference data (codes, contexts, establishments, rules), validation logs and
// the PHI audit log.
//
// All identifiers are UUID strings, timestamps are UTC, and monetary amounts are
// stored as decimal strings (two fractional digits) to avoid float drift; see
// money.go for the fixed-point arithmetic type.
package models

import (
	"time"
)

// RunStatus is the lifecycle state of a validation run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Severity classifies a validation result.
type Severity string

const (
	SeverityError        Severity = "error"
	SeverityWarning      Severity = "warning"
	SeverityOptimization Severity = "optimization"
	SeverityInfo         Severity = "info"
)

// UserRole is the authorization role assigned to a user.
type UserRole string

const (
	RolePending UserRole = "pending"
	RoleViewer  UserRole = "viewer"
	RoleEditor  UserRole = "editor"
	RoleAdmin   UserRole = "admin"
)

// RedactionLevel controls how much PHI is scrubbed at the API boundary.
type RedactionLevel string

const (
	RedactionFull RedactionLevel = "full"
	RedactionNone RedactionLevel = "none"
)

// User is created on first authenticated request. Only admins may hold
// PHIRedactionEnabled=false.
type User struct {
	ID                  string         `gorm:"primaryKey" json:"id"`
	Email               string         `json:"email"`
	DisplayName         string         `json:"displayName"`
	Role                UserRole       `gorm:"default:pending" json:"role"`
	PHIRedactionEnabled bool           `gorm:"default:true" json:"phiRedactionEnabled"`
	RedactionLevel      RedactionLevel `gorm:"default:full" json:"redactionLevel"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// UploadedFile is the metadata row for an uploaded CSV. The blob is deleted
// once the run reaches a terminal state; the row is retained.
type UploadedFile struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	OriginalName string    `json:"originalName"`
	StoredName   string    `json:"storedName"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	UploadedBy   string    `gorm:"index" json:"uploadedBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ValidationRun tracks one validation job over one uploaded file.
//
// Invariants: Progress is monotonically non-decreasing until a terminal state;
// terminal states are absorbing; ErrorMessage is set only when Status is failed.
type ValidationRun struct {
	ID           string     `gorm:"primaryKey;type:uuid" json:"id"`
	FileID       string     `gorm:"type:uuid" json:"fileId"`
	FileName     string     `json:"fileName"`
	CreatedBy    string     `gorm:"index" json:"createdBy"`
	Status       RunStatus  `gorm:"index;default:queued" json:"status"`
	Progress     int        `json:"progress"`
	JobID        string     `json:"jobId"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// BillingRecord is one canonicalized CSV line. Seq preserves insertion order
// inside a run.
type BillingRecord struct {
	ID                  string    `gorm:"primaryKey;type:uuid" json:"id"`
	ValidationRunID     string    `gorm:"index;type:uuid" json:"validationRunId"`
	Seq                 int64     `gorm:"autoIncrement;uniqueIndex" json:"-"`
	Facture             string    `json:"facture"`
	IDRamq              string    `json:"idRamq"`
	Patient             string    `json:"patient"`
	DoctorInfo          string    `json:"doctorInfo"`
	DateService         time.Time `gorm:"type:date;index" json:"dateService"`
	Debut               string    `json:"debut"`
	Fin                 string    `json:"fin"`
	LieuPratique        string    `json:"lieuPratique"`
	SecteurActivite     string    `json:"secteurActivite"`
	Diagnostic          string    `json:"diagnostic"`
	Code                string    `json:"code"`
	Unites              *float64  `json:"unites,omitempty"`
	ElementContexte     string    `json:"elementContexte"`
	MontantPreliminaire string    `json:"montantPreliminaire"`
	MontantPaye         string    `json:"montantPaye"`
	CustomFields        JSONMap   `gorm:"type:jsonb" json:"customFields,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// ContextTags splits ElementContexte on commas and trims each tag. Matching
// against the returned tags must be exact equality, never substring.
func (r *BillingRecord) ContextTags() []string {
	return SplitTags(r.ElementContexte)
}

// HasContext reports whether any of the given tags is present, by exact match.
func (r *BillingRecord) HasContext(tags ...string) bool {
	own := r.ContextTags()
	for _, t := range tags {
		for _, o := range own {
			if o == t {
				return true
			}
		}
	}
	return false
}

// Paid reports whether the record carries a non-zero paid amount.
func (r *BillingRecord) Paid() bool {
	m, err := ParseMoney(r.MontantPaye)
	return err == nil && m > 0
}

// ValidationResult is one finding produced by a rule.
//
// AffectedRecords holds the complete set of implicated billing-record ids for
// error/warning/optimization results; for info summaries it is a representative
// sample capped at ten ids.
type ValidationResult struct {
	ID              string     `gorm:"primaryKey;type:uuid" json:"id"`
	ValidationRunID string     `gorm:"index;type:uuid" json:"validationRunId"`
	RuleID          string     `json:"ruleId"`
	BillingRecordID *string    `gorm:"type:uuid" json:"billingRecordId,omitempty"`
	IDRamq          *string    `json:"idRamq,omitempty"`
	Severity        Severity   `gorm:"index" json:"severity"`
	Category        string     `json:"category"`
	Message         string     `json:"message"`
	Solution        *string    `json:"solution,omitempty"`
	AffectedRecords StringList `gorm:"type:jsonb" json:"affectedRecords"`
	RuleData        JSONMap    `gorm:"type:jsonb" json:"ruleData"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Code is a RAMQ billing code with its tariff and hierarchical classification.
type Code struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	Code        string    `gorm:"uniqueIndex" json:"code"`
	Description string    `json:"description"`
	TariffValue string    `json:"tariffValue"`
	Leaf        string    `json:"leaf"`
	TopLevel    string    `json:"topLevel"`
	Level1Group string    `json:"level1Group"`
	Active      bool      `gorm:"default:true" json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ServiceContext is a reference context element (e.g. G160, MTA13).
type ServiceContext struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	Tag         string    `gorm:"uniqueIndex" json:"tag"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Establishment is a practice location. EP33 marks GMF designation.
type Establishment struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Numero    string    `gorm:"uniqueIndex" json:"numero"`
	Name      string    `json:"name"`
	EP33      bool      `json:"ep33"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Rule is a data-driven validation rule. RuleType discriminates which generic
// handler executes it and which shape Condition carries.
type Rule struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	RuleType  string    `json:"ruleType"`
	Condition JSONMap   `gorm:"type:jsonb" json:"condition"`
	Threshold *float64  `json:"threshold,omitempty"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LogLevel is the severity of a validation log line.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// ValidationLog is one structured, PHI-safe log line tied to a run. Append-only.
type ValidationLog struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	ValidationRunID string    `gorm:"index;type:uuid" json:"validationRunId"`
	Timestamp       time.Time `json:"timestamp"`
	Level           LogLevel  `json:"level"`
	Source          string    `json:"source"`
	Message         string    `json:"message"`
	Metadata        JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
}

// AuditLog records a deliberate raw-PHI access by an admin.
type AuditLog struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string    `gorm:"index" json:"userId"`
	Email           string    `json:"email"`
	Endpoint        string    `json:"endpoint"`
	ValidationRunID string    `gorm:"type:uuid" json:"validationRunId"`
	RecordCount     int       `json:"recordCount"`
	CreatedAt       time.Time `json:"createdAt"`
}
