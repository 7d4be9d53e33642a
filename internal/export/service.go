package export

import (
	"context"
	"fmt"
	"time"

	"veil/api/internal/annotation"
	"veil/api/internal/store"
)

// DataStore defines the data access the exporter needs.
type DataStore interface {
	GetJob(ctx context.Context, id string) (store.Job, error)
	LatestVersion(ctx context.Context, jobID string) (store.AnnotationVersion, error)
	ListAnnotations(ctx context.Context, versionID string) ([]store.Annotation, error)
}

// SectionLoader resolves a job's raw email into its annotated sections.
type SectionLoader interface {
	Sections(ctx context.Context, job store.Job) ([]annotation.Section, error)
}

// Service builds export artifacts.
type Service struct {
	store    DataStore
	sections SectionLoader
}

// NewService creates a new export service.
func NewService(store DataStore, sections SectionLoader) *Service {
	return &Service{store: store, sections: sections}
}

// jobExport is everything about one job needed to emit any format.
type jobExport struct {
	Job         store.Job
	Version     store.AnnotationVersion
	Annotations []annotation.Annotation
	Sections    []annotation.Section
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	jobs, err := s.collect(ctx, req.JobIDs)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNothingToExport
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	switch req.Format {
	case FormatCSV:
		data, err := buildCSV(jobs)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: "annotations-" + stamp + ".csv",
			MimeType: "text/csv",
		}, nil
	case FormatBundle:
		data, err := buildBundle(jobs, stamp)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: "export-" + stamp + ".zip",
			MimeType: "application/zip",
		}, nil
	case FormatReport:
		if len(jobs) != 1 {
			return nil, fmt.Errorf("report export takes exactly one job, got %d", len(jobs))
		}
		html, err := renderReportHTML(jobs[0])
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		return exportPDF(html, jobs[0].Job.FileName)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// collect loads the latest annotation version and sections for each job.
// Jobs that never produced an annotation version are skipped.
func (s *Service) collect(ctx context.Context, jobIDs []string) ([]jobExport, error) {
	out := make([]jobExport, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", jobID, err)
		}

		version, err := s.store.LatestVersion(ctx, jobID)
		if err != nil {
			continue
		}

		stored, err := s.store.ListAnnotations(ctx, version.ID)
		if err != nil {
			return nil, fmt.Errorf("list annotations for %s: %w", jobID, err)
		}

		sections, err := s.sections.Sections(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("load sections for %s: %w", jobID, err)
		}

		out = append(out, jobExport{
			Job:         job,
			Version:     version,
			Annotations: toEngineAnnotations(stored),
			Sections:    sections,
		})
	}
	return out, nil
}

func toEngineAnnotations(stored []store.Annotation) []annotation.Annotation {
	out := make([]annotation.Annotation, 0, len(stored))
	for _, a := range stored {
		classID := ""
		if a.ClassID != nil {
			classID = *a.ClassID
		}
		out = append(out, annotation.Annotation{
			ID:                a.ID,
			ClassID:           classID,
			ClassName:         a.ClassName,
			ClassColor:        a.ClassColor,
			ClassDisplayLabel: a.ClassDisplayLabel,
			Tag:               a.Tag,
			SectionIndex:      a.SectionIndex,
			StartOffset:       a.StartOffset,
			EndOffset:         a.EndOffset,
			OriginalText:      a.OriginalText,
		})
	}
	return out
}

// sectionAnnotations filters a job's annotations down to one section.
func sectionAnnotations(annotations []annotation.Annotation, sectionIndex int) []annotation.Annotation {
	out := make([]annotation.Annotation, 0)
	for _, a := range annotations {
		if a.SectionIndex == sectionIndex {
			out = append(out, a)
		}
	}
	return out
}
