package annotation

// TagAllocator issues per-class tag indexes. Counters only ever increase
// within a session; deleting a high-indexed annotation must not let its index
// be reissued, or two values would collide under one tag.
type TagAllocator struct {
	highest map[string]int
}

func NewTagAllocator() *TagAllocator {
	return &TagAllocator{highest: make(map[string]int)}
}

// Peek returns the tag the next Commit for this class would produce, without
// changing counter state. Used to preview a choice before the user commits.
func (a *TagAllocator) Peek(className string) string {
	return FormatTag(className, a.highest[className]+1)
}

// Commit increments the class counter and returns the newly issued tag.
func (a *TagAllocator) Commit(className string) string {
	a.highest[className]++
	return FormatTag(className, a.highest[className])
}

// Record raises the class counter to at least index. Used when a tag index is
// set explicitly by reassignment; the counter never decreases.
func (a *TagAllocator) Record(className string, index int) {
	if index > a.highest[className] {
		a.highest[className] = index
	}
}

// Rebuild resets every counter to the maximum index found per class across
// the given set. Called only on wholesale replacement of the span table,
// never incrementally.
func (a *TagAllocator) Rebuild(annotations []Annotation) {
	a.highest = make(map[string]int)
	for _, ann := range annotations {
		name, index, ok := ParseTag(ann.Tag)
		if !ok {
			continue
		}
		if index > a.highest[name] {
			a.highest[name] = index
		}
	}
}
