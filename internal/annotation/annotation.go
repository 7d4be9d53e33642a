// Package annotation implements the PII annotation engine: span bookkeeping,
// tag identity, same-value linking, overlap segmentation, and the QA review
// state machine. All state is owned by a Session instance; nothing here is
// package-global, so concurrent documents never share counters or maps.
package annotation

import (
	"fmt"
	"strconv"
	"strings"
)

// Class describes one annotation class from the registry. The engine treats
// classes as read-only reference data.
type Class struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DisplayLabel string `json:"displayLabel"`
	Color        string `json:"color"`
}

// Section is one structural part of the source document with its own offset
// space. Offsets everywhere in this package are Unicode code points, never
// bytes and never UTF-16 units.
type Section struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Label   string `json:"label"`
	Content string `json:"content"`
}

// Annotation is a labeled half-open span [StartOffset, EndOffset) of one
// section. OriginalText is the exact code-point slice captured at creation
// time; sections are immutable for the lifetime of a job, so it is not
// re-validated afterwards.
type Annotation struct {
	ID                string `json:"id"`
	ClassID           string `json:"classId"`
	ClassName         string `json:"className"`
	ClassColor        string `json:"classColor"`
	ClassDisplayLabel string `json:"classDisplayLabel"`
	Tag               string `json:"tag"`
	SectionIndex      int    `json:"sectionIndex"`
	StartOffset       int    `json:"startOffset"`
	EndOffset         int    `json:"endOffset"`
	OriginalText      string `json:"originalText"`
}

// ValidationError reports a rejected selection or annotation field. It is
// always recoverable: the offending input is discarded and nothing mutates.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// SubmitValidationError aggregates per-annotation validation failures at
// submit time. The submit is blocked entirely; First carries the first
// offending message for display.
type SubmitValidationError struct {
	Count int
	First string
}

func (e *SubmitValidationError) Error() string {
	return fmt.Sprintf("%d annotation(s) failed validation: %s", e.Count, e.First)
}

// FormatTag renders the tag grammar "[{name}_{N}]", N >= 1.
func FormatTag(className string, index int) string {
	return "[" + className + "_" + strconv.Itoa(index) + "]"
}

// ParseTag splits a tag back into class name and index. Class names may
// themselves contain underscores, so the index is taken from the last
// underscore-delimited run of digits.
func ParseTag(tag string) (className string, index int, ok bool) {
	if len(tag) < 4 || tag[0] != '[' || tag[len(tag)-1] != ']' {
		return "", 0, false
	}
	inner := tag[1 : len(tag)-1]
	sep := strings.LastIndexByte(inner, '_')
	if sep <= 0 || sep == len(inner)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(inner[sep+1:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return inner[:sep], n, true
}

// validateText applies the selection text rules: non-blank after trimming and
// at least minLength code points.
func validateText(text string, minLength int) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return validationErrorf("annotation text cannot be empty or blank")
	}
	if length := len([]rune(trimmed)); length < minLength {
		return validationErrorf("annotation text must be at least %d characters (got %d)", minLength, length)
	}
	return nil
}

// ValidateForSubmit checks every annotation the way the submit endpoint does
// and aggregates failures. A nil return means the whole set is submittable.
func ValidateForSubmit(annotations []Annotation, sections []Section, minLength int) error {
	count := 0
	first := ""
	record := func(i int, err error) {
		count++
		if first == "" {
			first = fmt.Sprintf("annotation %d: %v", i, err)
		}
	}
	for i, ann := range annotations {
		if ann.StartOffset >= ann.EndOffset {
			record(i, validationErrorf("startOffset must be less than endOffset"))
			continue
		}
		if ann.SectionIndex < 0 || ann.SectionIndex >= len(sections) {
			record(i, validationErrorf("sectionIndex %d out of range", ann.SectionIndex))
			continue
		}
		if err := validateText(ann.OriginalText, minLength); err != nil {
			record(i, err)
		}
	}
	if count > 0 {
		return &SubmitValidationError{Count: count, First: first}
	}
	return nil
}
