package annotation

import "sort"

// Redact replaces every annotated span in content with its tag, producing
// the de-identified text. Spans are spliced from the end backwards so earlier
// offsets stay valid while later ones are rewritten. Overlapping spans are
// resolved the same way the viewer resolves them.
func Redact(content string, annotations []Annotation) string {
	kept := make([]Annotation, 0, len(annotations))
	for _, seg := range Segments(content, annotations) {
		if seg.Annotation != nil {
			kept = append(kept, *seg.Annotation)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].StartOffset > kept[j].StartOffset
	})
	runes := []rune(content)
	for _, ann := range kept {
		tag := ann.Tag
		if tag == "" {
			tag = "[" + ann.ClassName + "]"
		}
		var next []rune
		next = append(next, runes[:ann.StartOffset]...)
		next = append(next, []rune(tag)...)
		next = append(next, runes[ann.EndOffset:]...)
		runes = next
	}
	return string(runes)
}
