package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"veil/api/internal/annotation"
)

type bundleManifest struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	JobCount    int                 `json:"jobCount"`
	Jobs        []bundleManifestJob `json:"jobs"`
}

type bundleManifestJob struct {
	JobID           string `json:"jobId"`
	FileName        string `json:"fileName"`
	Version         int    `json:"version"`
	AnnotationCount int    `json:"annotationCount"`
	RedactedFile    string `json:"redactedFile"`
}

// buildBundle writes a zip containing one redacted text file per job, the
// combined annotation CSV, and a manifest.
func buildBundle(jobs []jobExport, stamp string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	manifest := bundleManifest{
		GeneratedAt: time.Now().UTC(),
		JobCount:    len(jobs),
	}

	seen := make(map[string]int)
	for _, je := range jobs {
		name := redactedFileName(je.Job.FileName, seen)
		entry, err := zw.Create("redacted/" + name)
		if err != nil {
			return nil, fmt.Errorf("create zip entry: %w", err)
		}
		if _, err := entry.Write([]byte(redactedText(je))); err != nil {
			return nil, fmt.Errorf("write redacted text: %w", err)
		}

		manifest.Jobs = append(manifest.Jobs, bundleManifestJob{
			JobID:           je.Job.ID,
			FileName:        je.Job.FileName,
			Version:         je.Version.VersionNumber,
			AnnotationCount: len(je.Annotations),
			RedactedFile:    "redacted/" + name,
		})
	}

	csvData, err := buildCSV(jobs)
	if err != nil {
		return nil, err
	}
	entry, err := zw.Create("annotations.csv")
	if err != nil {
		return nil, fmt.Errorf("create csv entry: %w", err)
	}
	if _, err := entry.Write(csvData); err != nil {
		return nil, fmt.Errorf("write csv entry: %w", err)
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	entry, err = zw.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("create manifest entry: %w", err)
	}
	if _, err := entry.Write(manifestData); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// redactedText renders all of a job's sections with every annotated span
// replaced by its tag, separated by section label banners.
func redactedText(je jobExport) string {
	var b strings.Builder
	for _, section := range je.Sections {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("=== ")
		b.WriteString(section.Label)
		b.WriteString(" ===\n")
		b.WriteString(annotation.Redact(section.Content, sectionAnnotations(je.Annotations, section.Index)))
	}
	return b.String()
}

// redactedFileName derives a .txt name from the source file, suffixing
// duplicates so every job gets a distinct entry.
func redactedFileName(fileName string, seen map[string]int) string {
	base := strings.TrimSuffix(fileName, ".eml")
	if base == "" {
		base = "email"
	}
	seen[base]++
	if n := seen[base]; n > 1 {
		return fmt.Sprintf("%s-%d.txt", base, n)
	}
	return base + ".txt"
}
