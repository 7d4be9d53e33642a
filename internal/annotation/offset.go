package annotation

import (
	"errors"
	"unicode/utf16"
)

var (
	ErrCollapsedSelection = errors.New("selection is empty or collapsed")
	ErrSelectionBounds    = errors.New("selection is outside the section")
	ErrSplitSurrogate     = errors.New("selection splits a surrogate pair")
)

// Selection is a resolved text selection: Text is the exact code-point slice
// of the section at [Start, End), so re-slicing the section reproduces it.
type Selection struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ResolveUTF16Range maps a selection reported in UTF-16 code units (the unit
// browsers and most rendering layers count in) to code-point offsets against
// the section content. Astral characters occupy two UTF-16 units but one code
// point; a boundary landing between the two halves of a surrogate pair is
// rejected rather than rounded, since a rounded range would not re-derive the
// selected text.
func ResolveUTF16Range(content string, start16, end16 int) (Selection, error) {
	if start16 >= end16 {
		return Selection{}, ErrCollapsedSelection
	}
	if start16 < 0 {
		return Selection{}, ErrSelectionBounds
	}

	runes := []rune(content)
	start, end := -1, -1
	units := 0
	for i, r := range runes {
		if units == start16 {
			start = i
		}
		if units == end16 {
			end = i
		}
		units += utf16.RuneLen(r)
		if units > start16 && start == -1 {
			return Selection{}, ErrSplitSurrogate
		}
		if units > end16 && end == -1 {
			return Selection{}, ErrSplitSurrogate
		}
	}
	if units == start16 {
		start = len(runes)
	}
	if units == end16 {
		end = len(runes)
	}
	if start == -1 || end == -1 {
		return Selection{}, ErrSelectionBounds
	}

	return Selection{
		Text:  string(runes[start:end]),
		Start: start,
		End:   end,
	}, nil
}

// ResolveRange validates a code-point range directly (used when the caller
// already counts in code points, e.g. draft rehydration).
func ResolveRange(content string, start, end int) (Selection, error) {
	if start >= end {
		return Selection{}, ErrCollapsedSelection
	}
	runes := []rune(content)
	if start < 0 || end > len(runes) {
		return Selection{}, ErrSelectionBounds
	}
	return Selection{Text: string(runes[start:end]), Start: start, End: end}, nil
}

// Slice returns the code-point slice [start, end) of content. Callers must
// have validated the range.
func Slice(content string, start, end int) string {
	return string([]rune(content)[start:end])
}
