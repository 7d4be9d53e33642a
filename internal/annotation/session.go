package annotation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Mode selects the rules a session enforces. An annotation session edits the
// set directly; a review session tracks per-annotation dispositions and an
// append-only modification log, with set edits gated behind edit mode.
type Mode string

const (
	ModeAnnotate Mode = "ANNOTATE"
	ModeReview   Mode = "REVIEW"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrSessionClosed      = errors.New("session closed")
	ErrEditModeDisabled   = errors.New("edit mode disabled")
)

// Config describes one working session over a single document.
type Config struct {
	Sections       []Section
	Classes        []Class
	Mode           Mode
	MinTextLength  int
	LinkingEnabled bool

	// NewID mints annotation ids. Required.
	NewID func() string

	// OnChange fires after every mutation that should mark the draft dirty.
	// Optional.
	OnChange func()
}

// Session owns all mutable annotation state for one document. Nothing here
// is shared between documents or users; callers create one per open job.
type Session struct {
	mode     Mode
	classes  map[string]Class
	minLen   int
	newID    func() string
	onChange func()

	table  *SpanTable
	tags   *TagAllocator
	linker *Linker

	statuses map[string]Status
	notes    map[string]string
	mods     []Modification

	editMode    bool
	initialized bool
	closed      bool
}

// NewSession builds an empty session. State loads later via Initialize or
// RestoreDraft, exactly once.
func NewSession(cfg Config) (*Session, error) {
	if cfg.NewID == nil {
		return nil, errors.New("session: NewID is required")
	}
	if cfg.Mode != ModeAnnotate && cfg.Mode != ModeReview {
		return nil, fmt.Errorf("session: unknown mode %q", cfg.Mode)
	}
	classes := make(map[string]Class, len(cfg.Classes))
	for _, c := range cfg.Classes {
		classes[c.ID] = c
	}
	return &Session{
		mode:     cfg.Mode,
		classes:  classes,
		minLen:   cfg.MinTextLength,
		newID:    cfg.NewID,
		onChange: cfg.OnChange,
		table:    NewSpanTable(cfg.Sections),
		tags:     NewTagAllocator(),
		linker:   NewLinker(cfg.LinkingEnabled),
		statuses: map[string]Status{},
		notes:    map[string]string{},
	}, nil
}

// Initialize loads the saved annotation set. In review mode every loaded
// annotation starts PENDING. Calling it twice is an error: reloads must not
// clobber in-progress work.
func (s *Session) Initialize(annotations []Annotation) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if err := s.table.Replace(annotations); err != nil {
		return err
	}
	s.tags.Rebuild(annotations)
	s.linker.Rebuild(annotations)
	if s.mode == ModeReview {
		for _, a := range annotations {
			s.statuses[a.ID] = StatusPending
		}
	}
	s.initialized = true
	return nil
}

// RestoreDraft resumes from an autosaved draft instead of the committed set.
func (s *Session) RestoreDraft(d Draft) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if err := s.table.Replace(d.Annotations); err != nil {
		return err
	}
	s.tags.Rebuild(d.Annotations)
	s.linker.Rebuild(d.Annotations)
	if s.mode == ModeReview {
		for _, a := range d.Annotations {
			s.statuses[a.ID] = StatusPending
		}
		for id, st := range d.Statuses {
			s.statuses[id] = st
		}
		for id, note := range d.Notes {
			s.notes[id] = note
		}
		s.mods = append(s.mods, d.Modifications...)
		s.editMode = d.EditModeEnabled
	}
	s.initialized = true
	return nil
}

func (s *Session) Initialized() bool { return s.initialized }

// Close makes the session permanently read-only. Used after a terminal
// decision (submit, accept, reject) so late autosaves and stray edits fail
// instead of resurrecting state.
func (s *Session) Close() { s.closed = true }

func (s *Session) mutable() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// setEdits guards operations that change the annotation set itself.
func (s *Session) setEdits() error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.mode == ModeReview && !s.editMode {
		return ErrEditModeDisabled
	}
	return nil
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// SetEditMode toggles QA edit mode. No-op outside review sessions.
func (s *Session) SetEditMode(enabled bool) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.mode != ModeReview {
		return validationErrorf("edit mode only applies to review sessions")
	}
	if s.editMode != enabled {
		s.editMode = enabled
		s.changed()
	}
	return nil
}

func (s *Session) EditMode() bool { return s.editMode }

// Proposal is a two-phase annotation-in-progress: the class tag is peeked
// but not committed, so abandoning the proposal leaves counters untouched.
type Proposal struct {
	sectionIndex int
	sel          Selection
	class        Class

	// NewTag is the tag the annotation gets if no existing value is reused.
	NewTag string
	// Existing, when non-nil, offers the tag of an earlier annotation whose
	// text matches this selection.
	Existing *Match
}

// Propose validates a selection against a section and prepares a tag choice.
// It mutates nothing.
func (s *Session) Propose(sectionIndex int, sel Selection, classID string) (*Proposal, error) {
	if err := s.setEdits(); err != nil {
		return nil, err
	}
	class, ok := s.classes[classID]
	if !ok {
		return nil, validationErrorf("unknown annotation class %q", classID)
	}
	if sectionIndex < 0 || sectionIndex >= len(s.table.Sections()) {
		return nil, validationErrorf("section index %d out of range", sectionIndex)
	}
	resolved, err := ResolveRange(s.table.SectionContent(sectionIndex), sel.Start, sel.End)
	if err != nil {
		return nil, err
	}
	if err := validateText(resolved.Text, s.minLen); err != nil {
		return nil, err
	}
	return &Proposal{
		sectionIndex: sectionIndex,
		sel:          resolved,
		class:        class,
		NewTag:       s.tags.Peek(class.Name),
		Existing:     s.linker.Lookup(class.Name, resolved.Text, s.table.List()),
	}, nil
}

// Commit finalizes a proposal. useExisting reuses the matched tag; otherwise
// the peeked tag is committed and bound to the selection's value.
func (s *Session) Commit(p *Proposal, useExisting bool) (Annotation, error) {
	if err := s.setEdits(); err != nil {
		return Annotation{}, err
	}
	var tag string
	if useExisting {
		if p.Existing == nil {
			return Annotation{}, validationErrorf("no existing value to link to")
		}
		tag = p.Existing.Tag
	} else {
		tag = s.tags.Commit(p.class.Name)
	}
	s.linker.Bind(p.class.Name, p.sel.Text, tag)
	a := Annotation{
		ID:                s.newID(),
		ClassID:           p.class.ID,
		ClassName:         p.class.Name,
		ClassColor:        p.class.Color,
		ClassDisplayLabel: p.class.DisplayLabel,
		Tag:               tag,
		SectionIndex:      p.sectionIndex,
		StartOffset:       p.sel.Start,
		EndOffset:         p.sel.End,
		OriginalText:      p.sel.Text,
	}
	if err := s.table.Add(a); err != nil {
		return Annotation{}, err
	}
	if s.mode == ModeReview {
		s.statuses[a.ID] = StatusQAAdded
		s.logMod(ModAdded, a.ID, fmt.Sprintf("added %s annotation %s", a.ClassName, a.Tag))
	}
	s.changed()
	return a, nil
}

// MarkOK approves an annotation. Idempotent; rejected for terminal statuses.
func (s *Session) MarkOK(id string) error {
	return s.setDisposition(id, StatusOK, "")
}

// Flag marks an annotation problematic with an optional note for the
// annotator. Re-flagging replaces the note.
func (s *Session) Flag(id, note string) error {
	return s.setDisposition(id, StatusFlagged, note)
}

func (s *Session) setDisposition(id string, to Status, note string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.mode != ModeReview {
		return validationErrorf("review dispositions only apply to review sessions")
	}
	if _, ok := s.table.Get(id); !ok {
		return validationErrorf("annotation %s not found", id)
	}
	from := s.AnnotationStatus(id)
	if !dispositionToggleable(from) {
		return validationErrorf("annotation %s status %s cannot change to %s", id, from, to)
	}
	s.statuses[id] = to
	if to == StatusFlagged {
		s.notes[id] = note
	} else {
		delete(s.notes, id)
	}
	s.changed()
	return nil
}

// Reclassify moves an annotation to a different class, minting a fresh tag
// in the destination class and unbinding the old value entry.
func (s *Session) Reclassify(id, classID string) (Annotation, error) {
	if err := s.setEdits(); err != nil {
		return Annotation{}, err
	}
	class, ok := s.classes[classID]
	if !ok {
		return Annotation{}, validationErrorf("unknown annotation class %q", classID)
	}
	old, ok := s.table.Get(id)
	if !ok {
		return Annotation{}, validationErrorf("annotation %s not found", id)
	}
	if old.ClassID == class.ID {
		return old, nil
	}
	s.linker.Unbind(old.ClassName, old.OriginalText)
	tag := s.tags.Commit(class.Name)
	s.linker.Bind(class.Name, old.OriginalText, tag)
	if err := s.table.Update(id, Patch{
		ClassID:           &class.ID,
		ClassName:         &class.Name,
		ClassColor:        &class.Color,
		ClassDisplayLabel: &class.DisplayLabel,
		Tag:               &tag,
	}); err != nil {
		return Annotation{}, err
	}
	updated, _ := s.table.Get(id)
	if s.mode == ModeReview {
		if s.statuses[id] != StatusQAAdded {
			s.statuses[id] = StatusOK
		}
		s.logMod(ModModified, id, fmt.Sprintf("reclassified %s as %s (%s)", old.Tag, class.Name, tag))
	}
	s.changed()
	return updated, nil
}

// ReassignTag overrides an annotation's tag within its own class, for
// manually merging or splitting entity groups. The target index is recorded
// so the counter never hands it out again.
func (s *Session) ReassignTag(id, tag string) (Annotation, error) {
	if err := s.setEdits(); err != nil {
		return Annotation{}, err
	}
	old, ok := s.table.Get(id)
	if !ok {
		return Annotation{}, validationErrorf("annotation %s not found", id)
	}
	className, index, valid := ParseTag(tag)
	if !valid || className != old.ClassName {
		return Annotation{}, validationErrorf("tag %q is not valid for class %s", tag, old.ClassName)
	}
	if tag == old.Tag {
		return old, nil
	}
	s.tags.Record(className, index)
	if s.lastWithValue(old) {
		s.linker.Unbind(old.ClassName, old.OriginalText)
	}
	s.linker.Bind(className, old.OriginalText, tag)
	if err := s.table.Update(id, Patch{Tag: &tag}); err != nil {
		return Annotation{}, err
	}
	updated, _ := s.table.Get(id)
	if s.mode == ModeReview {
		s.logMod(ModModified, id, fmt.Sprintf("reassigned %s to %s", old.Tag, tag))
	}
	s.changed()
	return updated, nil
}

// Delete removes an annotation from the current set. In review mode the id
// keeps a DELETED status for the audit trail; in annotation mode it is gone.
func (s *Session) Delete(id string) error {
	if err := s.setEdits(); err != nil {
		return err
	}
	a, ok := s.table.Get(id)
	if !ok {
		return validationErrorf("annotation %s not found", id)
	}
	// Only drop the value binding when no sibling annotation still carries
	// the same normalized text in this class.
	last := s.lastWithValue(a)
	if err := s.table.Remove(id); err != nil {
		return err
	}
	if last {
		s.linker.Unbind(a.ClassName, a.OriginalText)
	}
	if s.mode == ModeReview {
		s.statuses[id] = StatusDeleted
		delete(s.notes, id)
		s.logMod(ModDeleted, id, fmt.Sprintf("deleted %s annotation %s", a.ClassName, a.Tag))
	}
	s.changed()
	return nil
}

// lastWithValue reports whether a is the only current annotation carrying
// its normalized text in its class.
func (s *Session) lastWithValue(a Annotation) bool {
	key := normalizeValue(a.OriginalText)
	for _, other := range s.table.List() {
		if other.ID == a.ID {
			continue
		}
		if other.ClassName == a.ClassName && normalizeValue(other.OriginalText) == key {
			return false
		}
	}
	return true
}

func (s *Session) logMod(t ModificationType, id, description string) {
	s.mods = append(s.mods, Modification{Type: t, AnnotationID: id, Description: description})
}

// Annotations returns the current set in creation order.
func (s *Session) Annotations() []Annotation { return s.table.List() }

// Segments renders one section for display, plain text interleaved with
// annotated spans.
func (s *Session) Segments(sectionIndex int) ([]Segment, error) {
	if sectionIndex < 0 || sectionIndex >= len(s.table.Sections()) {
		return nil, validationErrorf("section index %d out of range", sectionIndex)
	}
	content := s.table.SectionContent(sectionIndex)
	var spans []Annotation
	for _, a := range s.table.List() {
		if a.SectionIndex == sectionIndex {
			spans = append(spans, a)
		}
	}
	return Segments(content, spans), nil
}

func (s *Session) AnnotationStatus(id string) Status {
	if st, ok := s.statuses[id]; ok {
		return st
	}
	return StatusPending
}

// Statuses returns a copy of the full disposition map, deleted ids included.
func (s *Session) Statuses() map[string]Status {
	out := make(map[string]Status, len(s.statuses))
	for id, st := range s.statuses {
		out[id] = st
	}
	return out
}

func (s *Session) Notes() map[string]string {
	out := make(map[string]string, len(s.notes))
	for id, n := range s.notes {
		out[id] = n
	}
	return out
}

func (s *Session) Modifications() []Modification {
	return append([]Modification(nil), s.mods...)
}

// SubmitPayload validates the current set for submission and returns it.
func (s *Session) SubmitPayload() ([]Annotation, error) {
	if err := s.mutable(); err != nil {
		return nil, err
	}
	annotations := s.table.List()
	if err := ValidateForSubmit(annotations, s.table.Sections(), s.minLen); err != nil {
		return nil, err
	}
	return annotations, nil
}

// BuildAccept assembles the accept payload. The modified annotation set
// rides along only when the reviewer actually changed something.
func (s *Session) BuildAccept(comments string) (AcceptPayload, error) {
	if err := s.mutable(); err != nil {
		return AcceptPayload{}, err
	}
	if s.mode != ModeReview {
		return AcceptPayload{}, validationErrorf("accept only applies to review sessions")
	}
	p := AcceptPayload{Comments: comments, Modifications: s.Modifications()}
	if len(s.mods) > 0 {
		annotations := s.table.List()
		if err := ValidateForSubmit(annotations, s.table.Sections(), s.minLen); err != nil {
			return AcceptPayload{}, err
		}
		p.ModifiedAnnotations = annotations
	}
	return p, nil
}

// CanReject is the boundary guard for the reject action.
func CanReject(comments string) bool {
	return len([]rune(strings.TrimSpace(comments))) >= MinRejectCommentLength
}

// BuildReject assembles the reject payload. Comments are mandatory context
// for the annotator; set edits made this session are not carried over.
func (s *Session) BuildReject(comments string) (RejectPayload, error) {
	if err := s.mutable(); err != nil {
		return RejectPayload{}, err
	}
	if s.mode != ModeReview {
		return RejectPayload{}, validationErrorf("reject only applies to review sessions")
	}
	if !CanReject(comments) {
		return RejectPayload{}, validationErrorf("rejection comments must be at least %d characters", MinRejectCommentLength)
	}
	return RejectPayload{Comments: comments, AnnotationNotes: s.Notes()}, nil
}

// Draft captures the full session state for autosave.
func (s *Session) Draft() Draft {
	d := Draft{
		Version:     DraftVersion,
		Annotations: s.table.List(),
	}
	if s.mode == ModeReview {
		d.Statuses = s.Statuses()
		d.Notes = s.Notes()
		d.Modifications = s.Modifications()
		d.EditModeEnabled = s.editMode
	}
	return d
}

// FlaggedIDs returns flagged annotation ids in a stable order.
func (s *Session) FlaggedIDs() []string {
	var ids []string
	for id, st := range s.statuses {
		if st == StatusFlagged {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
