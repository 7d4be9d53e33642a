package annotation

import "strings"

// Fuzzy match bounds: a candidate is offered only when the edit distance is
// small in absolute terms and relative to the longer text.
const (
	maxLinkDistance = 2
	maxLinkRatio    = 0.35
)

// Linker decides whether new text denotes the same underlying value as an
// existing annotation of the same class, so repeated occurrences can share
// one tag. Scope is a single document; cross-document linking is out.
type Linker struct {
	enabled bool
	byKey   map[string]string
}

func NewLinker(enabled bool) *Linker {
	return &Linker{enabled: enabled, byKey: make(map[string]string)}
}

// Enabled reports whether same-value linking is on. When off, every
// annotation silently mints a fresh tag.
func (l *Linker) Enabled() bool {
	return l.enabled
}

func (l *Linker) SetEnabled(enabled bool) {
	l.enabled = enabled
}

func normalizeValue(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func valueKey(className, text string) string {
	return className + "\x00" + normalizeValue(text)
}

// Match is a link candidate: an existing tag the new text could reuse.
// Distance is 0 for exact (case-insensitive) matches.
type Match struct {
	Tag      string
	Text     string
	Distance int
}

// Lookup finds the best link candidate for (className, text) among the given
// annotations. Exact map hits win outright. Otherwise, when linking is
// enabled, same-class annotations are deduplicated by normalized text and
// scored by Levenshtein distance over code points; the closest candidate
// within bounds wins, ties broken by earliest-created annotation.
func (l *Linker) Lookup(className, text string, annotations []Annotation) *Match {
	if !l.enabled {
		return nil
	}
	if tag, ok := l.byKey[valueKey(className, text)]; ok {
		return &Match{Tag: tag, Text: text, Distance: 0}
	}

	norm := []rune(normalizeValue(text))
	seen := make(map[string]struct{})
	var best *Match
	for _, ann := range annotations {
		if ann.ClassName != className {
			continue
		}
		candNorm := normalizeValue(ann.OriginalText)
		if _, dup := seen[candNorm]; dup {
			continue
		}
		seen[candNorm] = struct{}{}

		cand := []rune(candNorm)
		distance := levenshtein(norm, cand)
		if distance == 0 || distance > maxLinkDistance {
			continue
		}
		longer := len(norm)
		if len(cand) > longer {
			longer = len(cand)
		}
		if longer == 0 || float64(distance)/float64(longer) > maxLinkRatio {
			continue
		}
		if best == nil || distance < best.Distance {
			best = &Match{Tag: ann.Tag, Text: ann.OriginalText, Distance: distance}
		}
	}
	return best
}

// Bind records text under a tag so future identical text links without a
// prompt. Called both when a tag is minted and when the user chooses "use
// existing" for a fuzzy match.
func (l *Linker) Bind(className, text, tag string) {
	l.byKey[valueKey(className, text)] = tag
}

// Unbind removes one (class, text) entry. The caller is responsible for the
// last-sibling rule: the entry goes only when no other annotation still
// carries the same key.
func (l *Linker) Unbind(className, text string) {
	delete(l.byKey, valueKey(className, text))
}

// Rebuild regenerates the map from scratch. Runs on every wholesale span
// table replacement.
func (l *Linker) Rebuild(annotations []Annotation) {
	l.byKey = make(map[string]string, len(annotations))
	for _, ann := range annotations {
		if ann.Tag == "" {
			continue
		}
		l.byKey[valueKey(ann.ClassName, ann.OriginalText)] = ann.Tag
	}
}

// levenshtein computes classic edit distance over code points with the
// two-row dynamic-programming formulation, O(len(a)*len(b)) time and
// O(min(len(a),len(b))) space.
func levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
