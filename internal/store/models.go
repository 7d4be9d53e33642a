package store

import "time"

// User account statuses.
const (
	UserActive   = "ACTIVE"
	UserDisabled = "DISABLED"
)

type User struct {
	ID                  string
	Name                string
	Email               string
	PasswordHash        string
	Role                string
	Status              string
	ForcePasswordChange bool
	CreatedAt           time.Time
}

// Dataset statuses.
const (
	DatasetUploading  = "UPLOADING"
	DatasetExtracting = "EXTRACTING"
	DatasetReady      = "READY"
	DatasetFailed     = "FAILED"
)

type Dataset struct {
	ID             string
	Name           string
	UploadedBy     string
	FileCount      int
	DuplicateCount int
	Status         string
	ErrorMessage   string
	CreatedAt      time.Time
}

// Job statuses. A job walks UPLOADED through DELIVERED; QA_REJECTED loops it
// back to the annotator, DISCARDED removes it from both queues.
const (
	JobUploaded             = "UPLOADED"
	JobAssignedAnnotator    = "ASSIGNED_ANNOTATOR"
	JobAnnotationInProgress = "ANNOTATION_IN_PROGRESS"
	JobSubmittedForQA       = "SUBMITTED_FOR_QA"
	JobAssignedQA           = "ASSIGNED_QA"
	JobQAInProgress         = "QA_IN_PROGRESS"
	JobQARejected           = "QA_REJECTED"
	JobQAAccepted           = "QA_ACCEPTED"
	JobDelivered            = "DELIVERED"
	JobDiscarded            = "DISCARDED"
)

type Job struct {
	ID                string
	DatasetID         string
	DatasetName       string
	FileName          string
	ContentHash       string
	ObjectKey         string
	Status            string
	AssignedAnnotator *string
	AssignedQA        *string
	AnnotatorName     string
	QAName            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type AnnotationClass struct {
	ID           string
	Name         string
	DisplayLabel string
	Color        string
	Description  string
	CreatedBy    string
	IsDeleted    bool
	CreatedAt    time.Time
}

// Annotation version sources.
const (
	SourceAnnotator = "ANNOTATOR"
	SourceQA        = "QA"
)

type AnnotationVersion struct {
	ID            string
	JobID         string
	VersionNumber int
	CreatedBy     string
	CreatedByName string
	Source        string
	CreatedAt     time.Time
}

type Annotation struct {
	ID                string
	VersionID         string
	ClassID           *string
	ClassName         string
	ClassColor        string
	ClassDisplayLabel string
	Tag               string
	SectionIndex      int
	StartOffset       int
	EndOffset         int
	OriginalText      string
	CreatedAt         time.Time
}

// QA review decisions.
const (
	DecisionAccept = "ACCEPT"
	DecisionReject = "REJECT"
)

type QAReview struct {
	ID                   string
	JobID                string
	VersionNumber        int
	AnnotationVersionID  *string
	ReviewedBy           string
	ReviewedByName       string
	Decision             string
	Comments             string
	ModificationsSummary string
	AnnotationNotes      string
	ReviewedAt           time.Time
}

type ExcludedFileHash struct {
	ID          string
	ContentHash string
	FileName    string
	Note        string
	CreatedBy   string
	CreatedAt   time.Time
}

type ExportRecord struct {
	ID         string
	DatasetID  *string
	JobIDs     []string
	FileSize   int64
	ObjectKey  string
	ExportedBy string
	ExportedAt time.Time
}

// JobPage is one page of a job listing plus the per-status totals for the
// same assignment scope. StatusCounts ignores the page's own status filter
// so queue tabs keep their badges while one tab is selected.
type JobPage struct {
	Jobs         []Job
	Total        int
	StatusCounts map[string]int
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   string
	Search   string
	Page     int
	PageSize int
}
