package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestBuild_FirstOccurrenceWinsAcrossRuns mirrors Scenario 5 of the join
// contract: the carry-column lookup key is the TestDateUTC column, not
// whatever happens to sit in column zero. NaturalKey is deliberately given
// distinct values across rows that share a TestDateUTC so a bug that keys
// on column zero instead of TestDateUTC would miss the duplicate entirely.
func TestBuild_FirstOccurrenceWinsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	lmd := filepath.Join(dir, "lmd.csv")
	body := "NaturalKey,TestDateUTC,Make,Model\n" +
		"k1,T1,Ford,Focus\n" +
		"k2,T2,Honda,Civic\n" +
		"k3,T1,Toyota,Mismatched\n" // later duplicate TestDateUTC, discarded
	require.NoError(t, os.WriteFile(lmd, []byte(body), 0o644))

	idx, err := Build(lmd, Config{CarryColumns: []string{"Make", "Model"}, RunRowLimit: 1, TempDir: t.TempDir()}, logrus.New())
	require.NoError(t, err)
	defer idx.Close()

	vals, found := idx.Lookup("T1")
	require.True(t, found)
	require.Equal(t, []string{"Ford", "Focus"}, vals)

	vals, found = idx.Lookup("T2")
	require.True(t, found)
	require.Equal(t, []string{"Honda", "Civic"}, vals)

	_, found = idx.Lookup("k1")
	require.False(t, found, "NaturalKey column must not be usable as the join key")

	_, found = idx.Lookup("missing")
	require.False(t, found)
}
