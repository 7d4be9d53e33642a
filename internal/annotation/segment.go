package annotation

import "sort"

// Segment is one renderable run of section text: either plain text or a
// highlighted span tied to a single annotation.
type Segment struct {
	Text       string      `json:"text"`
	Start      int         `json:"start"`
	End        int         `json:"end"`
	Annotation *Annotation `json:"annotation,omitempty"`
}

// Segments converts section content plus its annotations into an ordered,
// gap-filling sequence with no overlapping highlights. Annotations sort by
// (start asc, end desc) so that of two spans starting together the longer
// wins; a span starting before the previous kept span ends is dropped from
// this render pass entirely (it stays in the span table and in list views).
// Concatenating all segment texts reproduces the content exactly.
func Segments(content string, annotations []Annotation) []Segment {
	runes := []rune(content)

	sorted := make([]Annotation, len(annotations))
	copy(sorted, annotations)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartOffset != sorted[j].StartOffset {
			return sorted[i].StartOffset < sorted[j].StartOffset
		}
		return sorted[i].EndOffset > sorted[j].EndOffset
	})

	segments := make([]Segment, 0, 2*len(sorted)+1)
	lastEnd := 0
	for i := range sorted {
		ann := sorted[i]
		if ann.StartOffset < lastEnd {
			continue
		}
		if ann.StartOffset < 0 || ann.EndOffset > len(runes) || ann.StartOffset >= ann.EndOffset {
			continue
		}
		if ann.StartOffset > lastEnd {
			segments = append(segments, Segment{
				Text:  string(runes[lastEnd:ann.StartOffset]),
				Start: lastEnd,
				End:   ann.StartOffset,
			})
		}
		segments = append(segments, Segment{
			Text:       string(runes[ann.StartOffset:ann.EndOffset]),
			Start:      ann.StartOffset,
			End:        ann.EndOffset,
			Annotation: &sorted[i],
		})
		lastEnd = ann.EndOffset
	}
	if lastEnd < len(runes) {
		segments = append(segments, Segment{
			Text:  string(runes[lastEnd:]),
			Start: lastEnd,
			End:   len(runes),
		})
	}
	return segments
}
