package csvwriter

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpequegn/metamaprun/internal/concept"
)

func TestWrite_HeaderAndRows(t *testing.T) {
	fs := afero.NewMemMapFs()
	concepts := []*concept.Concept{
		{CUI: "C0018787", Score: 1000, MatchedText: "heart", PreferredName: "Heart", Phrase: "the heart", SemTypes: []string{"bpoc"}, Sources: []string{"SNOMEDCT_US"}, Start: 4, Length: 5},
		{CUI: "C0011849", Score: 861.5, MatchedText: "diabetes", PreferredName: "Diabetes Mellitus", SemTypes: []string{"dsyn"}, Sources: []string{"MSH", "SNOMEDCT_US"}, Start: 20, Length: 8},
	}

	require.NoError(t, Write(fs, "/out/note1.csv", concepts, 0))

	data, err := afero.ReadFile(fs, "/out/note1.csv")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4) // header + 2 rows + marker

	assert.Equal(t, "CUI,Score,ConceptName,PrefName,Phrase,SemTypes,Sources,Position", lines[0])
	assert.Equal(t, "C0018787,1000,heart,Heart,the heart,bpoc,SNOMEDCT_US,4:5", lines[1])
	assert.Equal(t, "C0011849,861.5,diabetes,Diabetes Mellitus,,dsyn,MSH|SNOMEDCT_US,20:8", lines[2])
	assert.Equal(t, EndOfFileMarker, lines[3])
}

func TestWrite_EmptyConceptsStillProducesMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Write(fs, "/out/empty.csv", nil, 0))

	assert.True(t, IsComplete(fs, "/out/empty.csv"))
}

func TestWrite_CustomDelimiter(t *testing.T) {
	fs := afero.NewMemMapFs()
	concepts := []*concept.Concept{{CUI: "C1", MatchedText: "x"}}

	require.NoError(t, Write(fs, "/out/semicolon.csv", concepts, ';'))

	data, err := afero.ReadFile(fs, "/out/semicolon.csv")
	require.NoError(t, err)
	assert.Contains(t, string(data), "CUI;Score;ConceptName")
}

func TestIsComplete(t *testing.T) {
	fs := afero.NewMemMapFs()
	concepts := []*concept.Concept{{CUI: "C1"}}
	require.NoError(t, Write(fs, "/out/note.csv", concepts, 0))

	assert.True(t, IsComplete(fs, "/out/note.csv"))
	assert.False(t, IsComplete(fs, "/out/missing.csv"))

	require.NoError(t, afero.WriteFile(fs, "/out/truncated.csv", []byte("CUI,Score\nC1,1\n"), 0o644))
	assert.False(t, IsComplete(fs, "/out/truncated.csv"))
}

func TestWrite_DoesNotLeaveTempFileOnSuccess(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Write(fs, "/out/note.csv", nil, 0))

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "note.csv", entries[0].Name())
}
