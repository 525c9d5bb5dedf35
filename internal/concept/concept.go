// Package concept defines the value types shared across the parser, the
// output writer, and the state manager: the Concept extracted from
// annotator output and the InputFile identity it was extracted from.
package concept

import "time"

// Concept is one mapped or candidate concept extracted from annotator
// XML output. Invariants: Start >= 0, Length >= 1, Start+Length <= the
// length of the source utterance text the concept was extracted from.
type Concept struct {
	CUI           string // concept unique identifier
	Score         float64
	MatchedText   string // matched surface form
	PreferredName string
	Phrase        string   // phrase text from the nearest enclosing phrase element
	SemTypes      []string // semantic type abbreviations
	Sources       []string // source vocabulary abbreviations
	Start         int      // zero-based character start within the utterance
	Length        int      // character span length
	PhraseStart   int
	PhraseLength  int
	UtteranceID   string
	Negated       bool
	IsMapping     bool // true if this concept came from the mapping list rather than the candidate list
}

// InputFile identifies one file enumerated for processing. Identity is
// the absolute, symlink-resolved path; the struct is immutable for the
// lifetime of a run.
type InputFile struct {
	Path    string // absolute, symlink-resolved
	Size    int64
	ModTime time.Time
	// ContentHash is optional and only populated when change detection
	// is requested; empty otherwise.
	ContentHash string
}
