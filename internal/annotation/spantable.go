package annotation

// SpanTable is the in-memory, mutable set of annotations for one document
// session. It enforces id uniqueness and section bounds but deliberately not
// overlap: transient overlaps during active editing are expected, and overlap
// is a rendering concern handled by the segmenter.
type SpanTable struct {
	sections    []Section
	sectionLens []int
	byID        map[string]int
	order       []Annotation
}

// NewSpanTable builds a table scoped to the given sections. Section content
// lengths are pre-counted in code points for bounds checks.
func NewSpanTable(sections []Section) *SpanTable {
	lens := make([]int, len(sections))
	for i, section := range sections {
		lens[i] = len([]rune(section.Content))
	}
	return &SpanTable{
		sections:    sections,
		sectionLens: lens,
		byID:        make(map[string]int),
	}
}

func (t *SpanTable) validateBounds(ann Annotation) error {
	if ann.SectionIndex < 0 || ann.SectionIndex >= len(t.sections) {
		return validationErrorf("section index %d out of range", ann.SectionIndex)
	}
	if ann.StartOffset < 0 || ann.StartOffset >= ann.EndOffset {
		return validationErrorf("invalid span [%d, %d)", ann.StartOffset, ann.EndOffset)
	}
	if ann.EndOffset > t.sectionLens[ann.SectionIndex] {
		return validationErrorf("span end %d exceeds section length %d", ann.EndOffset, t.sectionLens[ann.SectionIndex])
	}
	return nil
}

// Add inserts a new annotation. Fails with a ValidationError on duplicate id
// or out-of-bounds span.
func (t *SpanTable) Add(ann Annotation) error {
	if ann.ID == "" {
		return validationErrorf("annotation id is required")
	}
	if _, exists := t.byID[ann.ID]; exists {
		return validationErrorf("annotation id %s already exists", ann.ID)
	}
	if err := t.validateBounds(ann); err != nil {
		return err
	}
	t.byID[ann.ID] = len(t.order)
	t.order = append(t.order, ann)
	return nil
}

// Patch carries the mutable fields of an annotation. Nil fields are left
// untouched; id, section, and offsets are never patched.
type Patch struct {
	ClassID           *string
	ClassName         *string
	ClassColor        *string
	ClassDisplayLabel *string
	Tag               *string
}

// Update applies a patch in place.
func (t *SpanTable) Update(id string, patch Patch) error {
	idx, ok := t.byID[id]
	if !ok {
		return validationErrorf("annotation %s not found", id)
	}
	ann := &t.order[idx]
	if patch.ClassID != nil {
		ann.ClassID = *patch.ClassID
	}
	if patch.ClassName != nil {
		ann.ClassName = *patch.ClassName
	}
	if patch.ClassColor != nil {
		ann.ClassColor = *patch.ClassColor
	}
	if patch.ClassDisplayLabel != nil {
		ann.ClassDisplayLabel = *patch.ClassDisplayLabel
	}
	if patch.Tag != nil {
		ann.Tag = *patch.Tag
	}
	return nil
}

// Remove drops an annotation from the table. Removal preserves the creation
// order of the survivors.
func (t *SpanTable) Remove(id string) error {
	idx, ok := t.byID[id]
	if !ok {
		return validationErrorf("annotation %s not found", id)
	}
	t.order = append(t.order[:idx], t.order[idx+1:]...)
	delete(t.byID, id)
	for i := idx; i < len(t.order); i++ {
		t.byID[t.order[i].ID] = i
	}
	return nil
}

// Get returns a copy of one annotation.
func (t *SpanTable) Get(id string) (Annotation, bool) {
	idx, ok := t.byID[id]
	if !ok {
		return Annotation{}, false
	}
	return t.order[idx], true
}

// List returns the annotations in creation order. The slice is a copy; the
// table cannot be mutated through it.
func (t *SpanTable) List() []Annotation {
	out := make([]Annotation, len(t.order))
	copy(out, t.order)
	return out
}

// Len reports the number of annotations currently held.
func (t *SpanTable) Len() int {
	return len(t.order)
}

// Replace swaps the whole annotation set, validating each entry. Used for
// bulk loads (draft restore, rework load); callers must rebuild tag counters
// and the same-value map afterwards.
func (t *SpanTable) Replace(annotations []Annotation) error {
	byID := make(map[string]int, len(annotations))
	order := make([]Annotation, 0, len(annotations))
	for _, ann := range annotations {
		if _, exists := byID[ann.ID]; exists {
			return validationErrorf("annotation id %s already exists", ann.ID)
		}
		if err := t.validateBounds(ann); err != nil {
			return err
		}
		byID[ann.ID] = len(order)
		order = append(order, ann)
	}
	t.byID = byID
	t.order = order
	return nil
}

// SectionContent returns the content of one section, or "" when out of range.
func (t *SpanTable) SectionContent(index int) string {
	if index < 0 || index >= len(t.sections) {
		return ""
	}
	return t.sections[index].Content
}

// Sections returns the sections this table is scoped to.
func (t *SpanTable) Sections() []Section {
	return t.sections
}
