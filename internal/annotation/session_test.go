package annotation

import (
	"errors"
	"fmt"
	"testing"
)

const sessionContent = "email me: a@b.com or a@b.com now"

func testSections() []Section {
	return []Section{
		{Index: 0, Type: "TEXT_PLAIN", Label: "Text Body", Content: sessionContent},
	}
}

func testClasses() []Class {
	return []Class{
		{ID: "c-email", Name: "email", DisplayLabel: "Email", Color: "#e81123"},
		{ID: "c-phone", Name: "phone_number", DisplayLabel: "Phone Number", Color: "#0078d4"},
		{ID: "c-name", Name: "person_name", DisplayLabel: "Person Name", Color: "#107c10"},
	}
}

func newTestSession(t *testing.T, mode Mode, linking bool) *Session {
	t.Helper()
	n := 0
	s, err := NewSession(Config{
		Sections:       testSections(),
		Classes:        testClasses(),
		Mode:           mode,
		MinTextLength:  2,
		LinkingEnabled: linking,
		NewID: func() string {
			n++
			return fmt.Sprintf("ann-%d", n)
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func commitSelection(t *testing.T, s *Session, start, end int, classID string) Annotation {
	t.Helper()
	p, err := s.Propose(0, Selection{Start: start, End: end}, classID)
	if err != nil {
		t.Fatalf("propose [%d,%d): %v", start, end, err)
	}
	a, err := s.Commit(p, false)
	if err != nil {
		t.Fatalf("commit [%d,%d): %v", start, end, err)
	}
	return a
}

func TestSessionRequiresInitialize(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, true)
	if _, err := s.Propose(0, Selection{Start: 10, End: 17}, "c-email"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Initialize(nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second initialize err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestSessionExactLinkShareTag(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, true)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	first := commitSelection(t, s, 10, 17, "c-email")
	if first.Tag != "[email_1]" {
		t.Fatalf("first tag = %q", first.Tag)
	}
	if first.OriginalText != "a@b.com" {
		t.Fatalf("first text = %q", first.OriginalText)
	}

	// Identical text later in the section.
	p, err := s.Propose(0, Selection{Start: 21, End: 28}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Existing == nil || p.Existing.Tag != "[email_1]" || p.Existing.Distance != 0 {
		t.Fatalf("existing = %+v", p.Existing)
	}
	if p.NewTag != "[email_2]" {
		t.Fatalf("peeked tag = %q", p.NewTag)
	}
	second, err := s.Commit(p, true)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if second.Tag != "[email_1]" {
		t.Fatalf("second tag = %q", second.Tag)
	}

	// Choosing "use existing" must not burn the peeked counter value.
	p, err = s.Propose(0, Selection{Start: 10, End: 17}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.NewTag != "[email_2]" {
		t.Fatalf("peeked tag after link = %q", p.NewTag)
	}
}

func TestSessionFuzzyLinkOffered(t *testing.T) {
	content := "foo@bar.com and foo@baar.com"
	s, err := NewSession(Config{
		Sections:       []Section{{Index: 0, Type: "TEXT_PLAIN", Label: "Text Body", Content: content}},
		Classes:        testClasses(),
		Mode:           ModeAnnotate,
		MinTextLength:  2,
		LinkingEnabled: true,
		NewID:          func() string { return "ann-x" },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	p, err := s.Propose(0, Selection{Start: 0, End: 11}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := s.Commit(p, false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	p, err = s.Propose(0, Selection{Start: 16, End: 28}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Existing == nil {
		t.Fatal("expected fuzzy candidate")
	}
	if p.Existing.Tag != "[email_1]" || p.Existing.Distance != 1 {
		t.Fatalf("existing = %+v", p.Existing)
	}
}

func TestSessionLinkingDisabledMintsSilently(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, false)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	commitSelection(t, s, 10, 17, "c-email")
	p, err := s.Propose(0, Selection{Start: 21, End: 28}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Existing != nil {
		t.Fatalf("existing = %+v, want nil with linking disabled", p.Existing)
	}
	a, err := s.Commit(p, false)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if a.Tag != "[email_2]" {
		t.Fatalf("tag = %q", a.Tag)
	}
}

func TestSessionRejectsBadSelections(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, true)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	var ve *ValidationError
	if _, err := s.Propose(0, Selection{Start: 9, End: 10}, "c-email"); !errors.As(err, &ve) {
		t.Fatalf("blank text err = %v", err) // selection is a single space
	}
	if _, err := s.Propose(5, Selection{Start: 0, End: 4}, "c-email"); !errors.As(err, &ve) {
		t.Fatalf("bad section err = %v", err)
	}
	if _, err := s.Propose(0, Selection{Start: 10, End: 17}, "nope"); !errors.As(err, &ve) {
		t.Fatalf("unknown class err = %v", err)
	}
	if _, err := s.Propose(0, Selection{Start: 17, End: 17}, "c-email"); !errors.Is(err, ErrCollapsedSelection) {
		t.Fatalf("collapsed err = %v", err)
	}
}

func TestSessionOriginalTextRederivable(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, true)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	a := commitSelection(t, s, 21, 28, "c-email")
	if got := Slice(sessionContent, a.StartOffset, a.EndOffset); got != a.OriginalText {
		t.Fatalf("re-slice = %q, want %q", got, a.OriginalText)
	}
}

func TestReviewEditModeGatesSetEdits(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := s.Propose(0, Selection{Start: 21, End: 28}, "c-email"); !errors.Is(err, ErrEditModeDisabled) {
		t.Fatalf("propose err = %v, want ErrEditModeDisabled", err)
	}
	if err := s.Delete("seed-1"); !errors.Is(err, ErrEditModeDisabled) {
		t.Fatalf("delete err = %v, want ErrEditModeDisabled", err)
	}
	if _, err := s.Reclassify("seed-1", "c-phone"); !errors.Is(err, ErrEditModeDisabled) {
		t.Fatalf("reclassify err = %v, want ErrEditModeDisabled", err)
	}

	// Dispositions stay available outside edit mode.
	if err := s.Flag("seed-1", "check this"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	if err := s.Delete("seed-1"); err != nil {
		t.Fatalf("delete in edit mode: %v", err)
	}
}

func TestReviewDispositionToggle(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := s.AnnotationStatus("seed-1"); got != StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}

	if err := s.Flag("seed-1", "wrong span"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if got := s.AnnotationStatus("seed-1"); got != StatusFlagged {
		t.Fatalf("status = %s, want FLAGGED", got)
	}
	if got := s.Notes()["seed-1"]; got != "wrong span" {
		t.Fatalf("note = %q", got)
	}

	if err := s.MarkOK("seed-1"); err != nil {
		t.Fatalf("markOK: %v", err)
	}
	if got := s.AnnotationStatus("seed-1"); got != StatusOK {
		t.Fatalf("status = %s, want OK", got)
	}
	if _, ok := s.Notes()["seed-1"]; ok {
		t.Fatal("note should clear when flag lifts")
	}

	// Idempotent second markOK.
	if err := s.MarkOK("seed-1"); err != nil {
		t.Fatalf("second markOK: %v", err)
	}
	if got := s.AnnotationStatus("seed-1"); got != StatusOK {
		t.Fatalf("status = %s, want OK", got)
	}
}

func TestReviewDispositionDefaultsPending(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// An annotation with no recorded disposition counts as PENDING.
	delete(s.statuses, "seed-1")
	if got := s.AnnotationStatus("seed-1"); got != StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}
	if err := s.MarkOK("seed-1"); err != nil {
		t.Fatalf("markOK: %v", err)
	}
	if got := s.AnnotationStatus("seed-1"); got != StatusOK {
		t.Fatalf("status = %s, want OK", got)
	}
}

func TestReviewAddIsQAAddedAndLogged(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	a := commitSelection(t, s, 10, 17, "c-email")
	if got := s.AnnotationStatus(a.ID); got != StatusQAAdded {
		t.Fatalf("status = %s, want QA_ADDED", got)
	}
	mods := s.Modifications()
	if len(mods) != 1 || mods[0].Type != ModAdded || mods[0].AnnotationID != a.ID {
		t.Fatalf("modifications = %+v", mods)
	}
	// QA_ADDED is terminal: dispositions cannot touch it.
	var ve *ValidationError
	if err := s.MarkOK(a.ID); !errors.As(err, &ve) {
		t.Fatalf("markOK on QA_ADDED err = %v", err)
	}
}

func TestReviewReclassifyMintsNewTag(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	updated, err := s.Reclassify("seed-1", "c-phone")
	if err != nil {
		t.Fatalf("reclassify: %v", err)
	}
	if updated.ClassID != "c-phone" || updated.Tag != "[phone_number_1]" {
		t.Fatalf("updated = %+v", updated)
	}
	if got := s.AnnotationStatus("seed-1"); got != StatusOK {
		t.Fatalf("status = %s, want OK after reviewed edit", got)
	}
	mods := s.Modifications()
	if len(mods) != 1 || mods[0].Type != ModModified {
		t.Fatalf("modifications = %+v", mods)
	}
}

func TestReviewDeleteKeepsAuditEntry(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	if err := s.Delete("seed-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(s.Annotations()) != 0 {
		t.Fatalf("annotations = %+v, want empty", s.Annotations())
	}
	if got := s.Statuses()["seed-1"]; got != StatusDeleted {
		t.Fatalf("audit status = %s, want DELETED", got)
	}
	mods := s.Modifications()
	if len(mods) != 1 || mods[0].Type != ModDeleted {
		t.Fatalf("modifications = %+v", mods)
	}
	// Counter stays raised: the deleted index is never reissued.
	p, err := s.Propose(0, Selection{Start: 21, End: 28}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.NewTag != "[email_2]" {
		t.Fatalf("peeked tag = %q, want [email_2]", p.NewTag)
	}
}

func TestSessionDeleteKeepsSiblingValueBinding(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, true)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	first := commitSelection(t, s, 10, 17, "c-email")

	p, err := s.Propose(0, Selection{Start: 21, End: 28}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	second, err := s.Commit(p, true)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := s.Delete(first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// The sibling still carries the value, so identical text keeps linking.
	p, err = s.Propose(0, Selection{Start: 10, End: 17}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Existing == nil || p.Existing.Tag != second.Tag {
		t.Fatalf("existing = %+v", p.Existing)
	}

	if err := s.Delete(second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	p, err = s.Propose(0, Selection{Start: 10, End: 17}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Existing != nil {
		t.Fatalf("existing = %+v, want nil after last sibling deleted", p.Existing)
	}
}

func TestReviewReassignTag(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}

	var ve *ValidationError
	if _, err := s.ReassignTag("seed-1", "[phone_number_2]"); !errors.As(err, &ve) {
		t.Fatalf("cross-class reassign err = %v", err)
	}

	updated, err := s.ReassignTag("seed-1", "[email_7]")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if updated.Tag != "[email_7]" {
		t.Fatalf("tag = %q", updated.Tag)
	}
	// The counter jumps past the reassigned index.
	p, err := s.Propose(0, Selection{Start: 21, End: 28}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.NewTag != "[email_8]" {
		t.Fatalf("peeked tag = %q, want [email_8]", p.NewTag)
	}
}

func TestAcceptWithoutEditsOmitsAnnotations(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.MarkOK("seed-1"); err != nil {
		t.Fatalf("markOK: %v", err)
	}
	p, err := s.BuildAccept("looks good")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.ModifiedAnnotations != nil {
		t.Fatalf("modifiedAnnotations = %+v, want nil without edits", p.ModifiedAnnotations)
	}
	if len(p.Modifications) != 0 {
		t.Fatalf("modifications = %+v", p.Modifications)
	}
}

func TestAcceptWithEditsCarriesCurrentSet(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	added := commitSelection(t, s, 21, 28, "c-email")

	p, err := s.BuildAccept("fixed one span")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(p.Modifications) != 1 {
		t.Fatalf("modifications = %+v", p.Modifications)
	}
	if len(p.ModifiedAnnotations) != 2 {
		t.Fatalf("modifiedAnnotations = %+v", p.ModifiedAnnotations)
	}
	found := false
	for _, a := range p.ModifiedAnnotations {
		if a.ID == added.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("added annotation missing from accept payload")
	}
}

func TestRejectCommentGuard(t *testing.T) {
	cases := []struct {
		comments string
		ok       bool
	}{
		{"", false},
		{"too short", false},  // 9 characters
		{"just right", true},  // 10 characters
		{"long enough", true}, // 11 characters
		{"   padded out   ", true},
		{"         \t", false},
	}
	for _, tc := range cases {
		if got := CanReject(tc.comments); got != tc.ok {
			t.Errorf("CanReject(%q) = %v, want %v", tc.comments, got, tc.ok)
		}
	}
}

func TestRejectCarriesNotes(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Flag("seed-1", "span starts too late"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	var ve *ValidationError
	if _, err := s.BuildReject("short"); !errors.As(err, &ve) {
		t.Fatalf("short comments err = %v", err)
	}

	p, err := s.BuildReject("please re-check the highlighted spans")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.AnnotationNotes["seed-1"] != "span starts too late" {
		t.Fatalf("notes = %+v", p.AnnotationNotes)
	}
}

func TestSessionClosedIsReadOnly(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	if err := s.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	s.Close()
	if err := s.SetEditMode(true); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if _, err := s.BuildAccept("done"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSubmitPayloadValidatesSet(t *testing.T) {
	s := newTestSession(t, ModeAnnotate, true)
	if err := s.Initialize([]Annotation{
		{ID: "ok-1", ClassName: "email", Tag: "[email_1]", SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com"},
		{ID: "bad-1", ClassName: "email", Tag: "[email_2]", SectionIndex: 0, StartOffset: 9, EndOffset: 10, OriginalText: " "},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	var sve *SubmitValidationError
	if _, err := s.SubmitPayload(); !errors.As(err, &sve) {
		t.Fatalf("err = %v, want SubmitValidationError", err)
	}
	if sve.Count != 1 {
		t.Fatalf("count = %d", sve.Count)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	s := newTestSession(t, ModeReview, true)
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Flag("seed-1", "verify"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	added := commitSelection(t, s, 21, 28, "c-email")

	blob, err := s.Draft().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := DecodeDraft(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored := newTestSession(t, ModeReview, true)
	if err := restored.RestoreDraft(d); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.AnnotationStatus("seed-1"); got != StatusFlagged {
		t.Fatalf("status = %s, want FLAGGED", got)
	}
	if got := restored.AnnotationStatus(added.ID); got != StatusQAAdded {
		t.Fatalf("status = %s, want QA_ADDED", got)
	}
	if got := restored.Notes()["seed-1"]; got != "verify" {
		t.Fatalf("note = %q", got)
	}
	if !restored.EditMode() {
		t.Fatal("edit mode lost in round trip")
	}
	if len(restored.Modifications()) != 1 {
		t.Fatalf("modifications = %+v", restored.Modifications())
	}
	// Counters rebuilt from the restored set keep issuing fresh indexes.
	p, err := restored.Propose(0, Selection{Start: 10, End: 17}, "c-email")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.NewTag != "[email_3]" {
		t.Fatalf("peeked tag = %q", p.NewTag)
	}
}

func TestDecodeDraftRejectsBadBlobs(t *testing.T) {
	cases := []struct {
		name string
		blob string
	}{
		{"wrong version", `{"version":99,"annotations":[]}`},
		{"missing id", `{"version":1,"annotations":[{"tag":"[email_1]"}]}`},
		{"duplicate id", `{"version":1,"annotations":[{"id":"a","tag":"[email_1]"},{"id":"a","tag":"[email_2]"}]}`},
		{"bad tag", `{"version":1,"annotations":[{"id":"a","tag":"email_1"}]}`},
		{"bad status", `{"version":1,"annotations":[],"statuses":{"a":"WAT"}}`},
		{"not json", `{{`},
	}
	for _, tc := range cases {
		if _, err := DecodeDraft([]byte(tc.blob)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestSessionChangeNotifications(t *testing.T) {
	n := 0
	s, err := NewSession(Config{
		Sections:       testSections(),
		Classes:        testClasses(),
		Mode:           ModeReview,
		MinTextLength:  2,
		LinkingEnabled: true,
		NewID:          func() string { n++; return fmt.Sprintf("ann-%d", n) },
		OnChange:       func() { n += 100 },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	seed := []Annotation{{
		ID: "seed-1", ClassID: "c-email", ClassName: "email", Tag: "[email_1]",
		SectionIndex: 0, StartOffset: 10, EndOffset: 17, OriginalText: "a@b.com",
	}}
	if err := s.Initialize(seed); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	before := n
	if err := s.MarkOK("seed-1"); err != nil {
		t.Fatalf("markOK: %v", err)
	}
	if err := s.SetEditMode(true); err != nil {
		t.Fatalf("set edit mode: %v", err)
	}
	if n != before+200 {
		t.Fatalf("change notifications = %d, want 2 mutations observed", (n-before)/100)
	}
}
