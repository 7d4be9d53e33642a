package annotation

// Status is the per-annotation QA review disposition.
type Status string

const (
	// StatusPending is the default for annotations inherited from the
	// annotation pass; the reviewer has not looked at them yet.
	StatusPending Status = "PENDING"
	// StatusOK and StatusFlagged toggle freely while the annotation is in
	// review scope.
	StatusOK      Status = "OK"
	StatusFlagged Status = "FLAGGED"
	// StatusQAAdded marks annotations created during QA edit mode. Terminal:
	// never reverts to PENDING/OK/FLAGGED.
	StatusQAAdded Status = "QA_ADDED"
	// StatusDeleted is terminal for the id. The annotation leaves the
	// current set but its id and prior state stay in the audit map.
	StatusDeleted Status = "DELETED"
)

// dispositionToggleable reports whether MarkOK/Flag may change this status.
func dispositionToggleable(s Status) bool {
	return s == StatusPending || s == StatusOK || s == StatusFlagged
}

// ModificationType classifies modification log entries.
type ModificationType string

const (
	ModAdded    ModificationType = "added"
	ModModified ModificationType = "modified"
	ModDeleted  ModificationType = "deleted"
)

// Modification is one append-only audit record. The log is a summary for the
// accept workflow; it is never replayed.
type Modification struct {
	Type         ModificationType `json:"type"`
	AnnotationID string           `json:"annotationId"`
	Description  string           `json:"description"`
}

// AcceptPayload is what a QA accept sends upstream. ModifiedAnnotations is
// nil when the reviewer made no edits, in which case the original annotation
// set is accepted unchanged.
type AcceptPayload struct {
	Comments            string         `json:"comments"`
	Modifications       []Modification `json:"modifications"`
	ModifiedAnnotations []Annotation   `json:"modifiedAnnotations"`
}

// RejectPayload returns the document to rework. Any QA edits made in this
// session are informational only; they ride along in the log but are not
// applied to the annotator's set.
type RejectPayload struct {
	Comments        string            `json:"comments"`
	AnnotationNotes map[string]string `json:"annotationNotes"`
}

// MinRejectCommentLength is the reject guard: shorter comments disable the
// action at the boundary rather than raising late.
const MinRejectCommentLength = 10
