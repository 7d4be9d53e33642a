package export

import (
	"bytes"
	"html/template"

	"veil/api/internal/annotation"
)

type reportSection struct {
	Label    string
	Segments []reportSegment
}

type reportSegment struct {
	Text  string
	Tag   string
	Color string
}

type reportData struct {
	FileName    string
	DatasetName string
	Version     int
	Annotator   string
	Sections    []reportSection
	Annotations []annotation.Annotation
}

// renderReportHTML builds the highlighted review report for one job. Spans
// are rendered inline with their class color; overlap resolution follows the
// same rules as the annotation view.
func renderReportHTML(je jobExport) (string, error) {
	data := reportData{
		FileName:    je.Job.FileName,
		DatasetName: je.Job.DatasetName,
		Version:     je.Version.VersionNumber,
		Annotator:   je.Version.CreatedByName,
		Annotations: je.Annotations,
	}

	for _, section := range je.Sections {
		rs := reportSection{Label: section.Label}
		for _, seg := range annotation.Segments(section.Content, sectionAnnotations(je.Annotations, section.Index)) {
			segment := reportSegment{Text: seg.Text}
			if seg.Annotation != nil {
				segment.Tag = seg.Annotation.Tag
				segment.Color = seg.Annotation.ClassColor
				if segment.Color == "" {
					segment.Color = "#fde68a"
				}
			}
			rs.Segments = append(rs.Segments, segment)
		}
		data.Sections = append(data.Sections, rs)
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.FileName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1f2937; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; font-size: 1.4rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    h2 { font-size: 1rem; margin: 1.5rem 0 0.5rem; border-bottom: 1px solid #ddd; }
    pre.section { white-space: pre-wrap; word-break: break-word; font-family: 'Courier New', monospace; font-size: 0.85em; background: #fafafa; padding: 1rem; border-radius: 4px; }
    mark { border-radius: 2px; padding: 0 2px; }
    sup { font-size: 0.7em; color: #444; }
    table { border-collapse: collapse; width: 100%; font-size: 0.85em; margin-top: 2rem; }
    th, td { border: 1px solid #ddd; padding: 4px 8px; text-align: left; }
    th { background: #f3f4f6; }
  </style>
</head>
<body>
  <h1>{{.FileName}}</h1>
  <div class="meta">{{.DatasetName}} | version {{.Version}} | annotated by {{.Annotator}}</div>

  {{range .Sections}}
  <h2>{{.Label}}</h2>
  <pre class="section">{{range .Segments}}{{if .Tag}}<mark style="background: {{.Color}}">{{.Text}}</mark><sup>{{.Tag}}</sup>{{else}}{{.Text}}{{end}}{{end}}</pre>
  {{end}}

  {{if .Annotations}}
  <table>
    <tr><th>Tag</th><th>Class</th><th>Section</th><th>Range</th><th>Text</th></tr>
    {{range .Annotations}}
    <tr><td>{{.Tag}}</td><td>{{.ClassName}}</td><td>{{.SectionIndex}}</td><td>{{.StartOffset}}&ndash;{{.EndOffset}}</td><td>{{.OriginalText}}</td></tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`))
