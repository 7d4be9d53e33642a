package annotation

import "encoding/json"

// DraftVersion is the current draft schema version. Bump it when the shape
// changes; older drafts are rejected rather than half-loaded.
const DraftVersion = 1

// Draft is the autosaved working state of a session. Review-only fields are
// empty for annotation drafts.
type Draft struct {
	Version         int               `json:"version"`
	Annotations     []Annotation      `json:"annotations"`
	Statuses        map[string]Status `json:"statuses,omitempty"`
	Notes           map[string]string `json:"notes,omitempty"`
	Modifications   []Modification    `json:"modifications,omitempty"`
	EditModeEnabled bool              `json:"editModeEnabled,omitempty"`
}

// Validate checks a draft's schema version and internal consistency.
func (d Draft) Validate() error {
	if d.Version != DraftVersion {
		return validationErrorf("unsupported draft version %d", d.Version)
	}
	seen := make(map[string]struct{}, len(d.Annotations))
	for _, a := range d.Annotations {
		if a.ID == "" {
			return validationErrorf("draft annotation missing id")
		}
		if _, dup := seen[a.ID]; dup {
			return validationErrorf("draft has duplicate annotation id %s", a.ID)
		}
		seen[a.ID] = struct{}{}
		if _, _, ok := ParseTag(a.Tag); !ok {
			return validationErrorf("draft annotation %s has malformed tag %q", a.ID, a.Tag)
		}
	}
	for id, st := range d.Statuses {
		switch st {
		case StatusPending, StatusOK, StatusFlagged, StatusQAAdded, StatusDeleted:
		default:
			return validationErrorf("draft annotation %s has unknown status %q", id, st)
		}
	}
	for _, m := range d.Modifications {
		switch m.Type {
		case ModAdded, ModModified, ModDeleted:
		default:
			return validationErrorf("draft modification has unknown type %q", m.Type)
		}
	}
	return nil
}

// DecodeDraft parses and validates a stored draft blob.
func DecodeDraft(data []byte) (Draft, error) {
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return Draft{}, validationErrorf("malformed draft: %v", err)
	}
	if err := d.Validate(); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// Encode serializes the draft for storage.
func (d Draft) Encode() ([]byte, error) {
	return json.Marshal(d)
}
