// Package xmlparser transforms the XML document produced by the
// annotator binary into an ordered sequence of concept.Concept records.
//
// The annotator's XML nests utterances, phrases, and two kinds of
// concept lists (candidates and mappings) arbitrarily deep, with
// position information expressed either as a single start/length
// attribute pair or as a repeated list of start/length tokens (one per
// matched span, from which the parser derives a single covering span:
// the minimum start and the sum of the lengths). A streaming decode is
// used, rather than a whole-document unmarshal, because the parser must
// track "nearest enclosing phrase" and "nearest enclosing utterance" as
// it descends — state that a single struct tag tree cannot express.
package xmlparser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jpequegn/metamaprun/internal/concept"
)

// ParseError reports that the XML was not well-formed, or that the
// top-level result structure the parser expects was absent. Missing
// optional fields never produce a ParseError; they become zero values.
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xmlparser: %s: %v", e.Message, e.Cause)
	}
	return "xmlparser: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Cause }

// frame tracks the nearest enclosing phrase/utterance context while
// descending through the document. Frames never escape this package;
// Concept records only ever hold copies of the strings they need.
type frame struct {
	tag         string
	phraseText  string
	phraseStart int
	phraseLen   int
	utteranceID string
}

// positionAccumulator collects the repeated start/length token shape,
// so the minimum start and total span can be computed once the
// enclosing element closes.
type positionAccumulator struct {
	starts  []int
	lengths []int
}

func (p *positionAccumulator) add(start, length int) {
	p.starts = append(p.starts, start)
	p.lengths = append(p.lengths, length)
}

func (p *positionAccumulator) resolve() (start, length int) {
	if len(p.starts) == 0 {
		return 0, 0
	}
	start = p.starts[0]
	total := 0
	for i, s := range p.starts {
		if s < start {
			start = s
		}
		total += p.lengths[i]
	}
	return start, total
}

// Parse reads an annotator XML document and returns the ordered
// sequence of concepts it contains, from both the candidate-list and
// mapping-list shapes.
func Parse(r io.Reader) ([]*concept.Concept, error) {
	dec := xml.NewDecoder(r)

	var concepts []*concept.Concept
	var stack []frame
	sawResult := false

	var cur *concept.Concept
	var curPos *positionAccumulator
	var curIsMapping bool
	var textBuf strings.Builder
	var capturingPhraseText bool
	var uttIDBuf strings.Builder
	var capturingUttID bool

	push := func(tag string) frame {
		f := frame{tag: tag}
		if len(stack) > 0 {
			f.phraseText = stack[len(stack)-1].phraseText
			f.phraseStart = stack[len(stack)-1].phraseStart
			f.phraseLen = stack[len(stack)-1].phraseLen
			f.utteranceID = stack[len(stack)-1].utteranceID
		}
		stack = append(stack, f)
		return f
	}
	top := func() frame {
		if len(stack) == 0 {
			return frame{}
		}
		return stack[len(stack)-1]
	}
	pop := func() frame {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return f
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Message: "document is not well-formed", Cause: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch name {
			case "MMOresult", "MMO", "Utterances", "metamap":
				sawResult = true
			}

			f := push(name)

			switch name {
			case "Utterance":
				f = stack[len(stack)-1]
				f.utteranceID = attrOrChild(t, "UttId")
				stack[len(stack)-1] = f
			case "UttId":
				capturingUttID = true
				uttIDBuf.Reset()
			case "Phrase", "PhraseText":
				capturingPhraseText = true
				textBuf.Reset()
			case "Candidate", "Mapping":
				cur = &concept.Concept{
					IsMapping:    name == "Mapping",
					UtteranceID:  top().utteranceID,
					Phrase:       top().phraseText,
					PhraseStart:  top().phraseStart,
					PhraseLength: top().phraseLen,
				}
				curIsMapping = name == "Mapping"
				curPos = &positionAccumulator{}
			case "ConceptPIMatch", "Position":
				if start, length, ok := attrPosition(t); ok && cur != nil {
					curPos.add(start, length)
				}
			case "PosInfo":
				capturingPhraseText = true
				textBuf.Reset()
			case "Negation", "NegConcept":
				if cur != nil {
					cur.Negated = true
				}
			}

		case xml.EndElement:
			name := t.Name.Local
			switch name {
			case "Phrase":
				if len(stack) > 0 {
					txt := strings.TrimSpace(textBuf.String())
					stack[len(stack)-1].phraseText = txt
				}
				capturingPhraseText = false
			case "PhraseText":
				if len(stack) >= 2 {
					txt := strings.TrimSpace(textBuf.String())
					stack[len(stack)-2].phraseText = txt
				}
				capturingPhraseText = false
			case "UttId":
				if len(stack) >= 2 {
					stack[len(stack)-2].utteranceID = strings.TrimSpace(uttIDBuf.String())
				}
				capturingUttID = false
			case "PosInfo":
				if cur != nil {
					start, length := parsePosInfoToken(strings.TrimSpace(textBuf.String()))
					if length > 0 {
						curPos.add(start, length)
					}
				}
				capturingPhraseText = false
			case "Candidate", "Mapping":
				if cur != nil {
					cur.Start, cur.Length = curPos.resolve()
					cur.IsMapping = curIsMapping
					concepts = append(concepts, cur)
				}
				cur = nil
				curPos = nil
			}
			if len(stack) > 0 {
				pop()
			}

		case xml.CharData:
			if cur != nil {
				assignCharField(cur, top().tag, string(t))
			}
			if capturingPhraseText {
				textBuf.Write(t)
			}
			if capturingUttID {
				uttIDBuf.Write(t)
			}
		}
	}

	if !sawResult {
		return nil, &ParseError{Message: "top-level result structure absent"}
	}

	return concepts, nil
}

// assignCharField maps character data under a known leaf tag onto the
// Concept field it represents. Unknown tags are ignored: the parser
// never fails on an optional field it doesn't recognize.
func assignCharField(c *concept.Concept, tag, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	switch tag {
	case "CandidateCUI", "CUI":
		c.CUI = text
	case "CandidateScore", "NegScore":
		if v, err := strconv.ParseFloat(text, 64); err == nil {
			c.Score = v
		}
	case "CandidateMatched":
		c.MatchedText = text
	case "CandidatePreferred":
		c.PreferredName = text
	case "SemType":
		c.SemTypes = append(c.SemTypes, text)
	case "SourceInfo":
		c.Sources = append(c.Sources, text)
	}
}

// attrOrChild returns the named attribute's value, or empty if absent.
func attrOrChild(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// attrPosition reads a single start/length attribute pair from an
// element, if present.
func attrPosition(t xml.StartElement) (start, length int, ok bool) {
	var hasStart, hasLength bool
	for _, a := range t.Attr {
		switch a.Name.Local {
		case "start", "StartPos":
			if v, err := strconv.Atoi(a.Value); err == nil {
				start = v
				hasStart = true
			}
		case "length", "Length":
			if v, err := strconv.Atoi(a.Value); err == nil {
				length = v
				hasLength = true
			}
		}
	}
	return start, length, hasStart && hasLength
}

// parsePosInfoToken parses the "start/length" text token format used
// inside a <PosInfo> element.
func parsePosInfoToken(text string) (start, length int) {
	parts := strings.SplitN(text, "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	s, err1 := strconv.Atoi(parts[0])
	l, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return s, l
}
