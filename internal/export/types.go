// Package export builds delivery artifacts from reviewed jobs: annotation
// CSVs, redacted text bundles, and highlighted PDF reports.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatCSV    Format = "csv"
	FormatBundle Format = "bundle"
	FormatReport Format = "report"
)

// Request contains parameters for an export operation
type Request struct {
	DatasetID string
	JobIDs    []string
	Format    Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrNothingToExport indicates no job in the request had an annotation version.
	ErrNothingToExport = errors.New("export: no annotated jobs")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
