package foldermerge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
)

const header = "NaturalKey,TestDateUTC,RawSlope170,RawSlope270,TrailingFactor,tsdSlopeMinY,tsdSlopeMaxY,Lane,Ignore\n"

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(header+body), 0o644))
}

func TestMerger_DedupsAcrossFiles(t *testing.T) {
	inDir := t.TempDir()
	writeFile(t, inDir, "a_file.csv", "k1,2024-01-01T00:00:00Z,1,,0.20,-2,10,LaneA,false\n")
	writeFile(t, inDir, "b_file.csv", "k1,2024-01-01T00:00:00,1,,0.20,-2,10,LaneA,false\nk2,2024-01-01T00:00:01Z,1,,0.20,-2,10,LaneA,false\n")

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "merged.csv")

	jc, err := jobctx.New(t.TempDir(), outPath, jobctx.DefaultLimits(), nil, logrus.New())
	require.NoError(t, err)
	defer jc.Cleanup()

	m := New(jc, nil)
	require.NoError(t, m.Run(inDir))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "k1,2024-01-01T00:00:00Z")
	require.Contains(t, string(data), "k2,2024-01-01T00:00:01Z")
	require.Equal(t, int64(1), jc.Stats.Dropped["duplicate"])
}

func TestMerger_SchemaMismatchFailsJob(t *testing.T) {
	inDir := t.TempDir()
	writeFile(t, inDir, "a_file.csv", "k1,2024-01-01T00:00:00Z,1,,0.20,-2,10,LaneA,false\n")
	require.NoError(t, os.WriteFile(filepath.Join(inDir, "b_file.csv"),
		[]byte("NaturalKey,TestDateUTC,SomethingElse\nk2,2024-01-01T00:00:01Z,x\n"), 0o644))

	outPath := filepath.Join(t.TempDir(), "merged.csv")
	jc, err := jobctx.New(t.TempDir(), outPath, jobctx.DefaultLimits(), nil, logrus.New())
	require.NoError(t, err)
	defer jc.Cleanup()

	m := New(jc, nil)
	err = m.Run(inDir)
	require.Error(t, err)
}
