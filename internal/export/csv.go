package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
)

var csvHeader = []string{
	"job_id",
	"file_name",
	"version",
	"annotation_id",
	"tag",
	"class",
	"section_index",
	"section_label",
	"start_offset",
	"end_offset",
	"text",
}

// buildCSV emits one row per annotation across all jobs.
func buildCSV(jobs []jobExport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, je := range jobs {
		for _, a := range je.Annotations {
			label := ""
			if a.SectionIndex >= 0 && a.SectionIndex < len(je.Sections) {
				label = je.Sections[a.SectionIndex].Label
			}
			row := []string{
				je.Job.ID,
				je.Job.FileName,
				strconv.Itoa(je.Version.VersionNumber),
				a.ID,
				a.Tag,
				a.ClassName,
				strconv.Itoa(a.SectionIndex),
				label,
				strconv.Itoa(a.StartOffset),
				strconv.Itoa(a.EndOffset),
				a.OriginalText,
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
