// Package csvwriter converts a concept.Concept sequence into the
// per-file CSV output, guaranteeing that a reader never observes a
// truncated file: the CSV is built in a sibling temp file and only
// atomically renamed into place once the completion marker has been
// written, following the write-to-temp-then-rename discipline used
// throughout this codebase for crash-safe output.
package csvwriter

import (
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/jpequegn/metamaprun/internal/concept"
)

// Header is the exact, ordered column list required by the CSV schema.
var Header = []string{"CUI", "Score", "ConceptName", "PrefName", "Phrase", "SemTypes", "Sources", "Position"}

// EndOfFileMarker is the literal line written after the last data row;
// its presence on disk is the completion proof the state manager checks.
const EndOfFileMarker = "# END_OF_FILE"

// Write renders concepts into destPath, a CSV whose stem matches the
// input file and whose last line is EndOfFileMarker. An empty concepts
// slice still produces a header-only CSV plus marker. delimiter
// defaults to ',' when zero.
func Write(fs afero.Fs, destPath string, concepts []*concept.Concept, delimiter rune) error {
	dir := filepath.Dir(destPath)
	tmp, err := afero.TempFile(fs, dir, ".csv-tmp-*")
	if err != nil {
		return fmt.Errorf("csvwriter: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeBody(tmp, concepts, delimiter); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}

	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("csvwriter: close temp file: %w", err)
	}

	if err := fs.Rename(tmpName, destPath); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("csvwriter: rename into place: %w", err)
	}

	return nil
}

func writeBody(f afero.File, concepts []*concept.Concept, delimiter rune) error {
	w := csv.NewWriter(f)
	if delimiter != 0 {
		w.Comma = delimiter
	}

	if err := w.Write(Header); err != nil {
		return fmt.Errorf("csvwriter: write header: %w", err)
	}

	for _, c := range concepts {
		row := []string{
			c.CUI,
			formatScore(c.Score),
			c.MatchedText,
			c.PreferredName,
			c.Phrase,
			strings.Join(c.SemTypes, ":"),
			strings.Join(c.Sources, "|"),
			fmt.Sprintf("%d:%d", c.Start, c.Length),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("csvwriter: write row for %s: %w", c.CUI, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csvwriter: flush: %w", err)
	}

	if _, err := f.Write([]byte(EndOfFileMarker + "\n")); err != nil {
		return fmt.Errorf("csvwriter: write marker: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("csvwriter: sync: %w", err)
	}

	return nil
}

func formatScore(score float64) string {
	if score == float64(int64(score)) {
		return strconv.FormatInt(int64(score), 10)
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// IsComplete reports whether destPath exists, is readable, and ends with
// EndOfFileMarker — the filesystem half of the completion proof the
// state manager combines with its own record on resume.
func IsComplete(fs afero.Fs, destPath string) bool {
	data, err := afero.ReadFile(fs, destPath)
	if err != nil {
		return false
	}
	trimmed := strings.TrimRight(string(data), "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) == 0 {
		return false
	}
	return lines[len(lines)-1] == EndOfFileMarker
}
