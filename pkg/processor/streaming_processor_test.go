package processor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

func TestProcessor_FiltersAndDedupsWithinFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.csv")
	content := "NaturalKey,TestDateUTC,RawSlope170,RawSlope270,TrailingFactor,tsdSlopeMinY,tsdSlopeMaxY,Lane,Ignore\n" +
		"k1,2024-01-01T00:00:00Z,1,,0.20,-2,10,LaneA,false\n" +
		"k1,2024-01-01T00:00:00,1,,0.20,-2,10,LaneA,false\n" + // duplicate after canonicalization
		",2024-01-01T00:00:01Z,1,,0.20,-2,10,LaneA,false\n" + // empty key
		"k2,2024-01-01T00:00:02Z,,,0.20,-2,10,LaneA,false\n" + // no slopes
		"k3,2024-01-01T00:00:03Z,1,,0.05,-2,10,LaneA,false\n" + // trailing factor too low
		"k4,2024-01-01T00:00:04Z,1,,0.20,-2,10,SK-1,false\n" + // lane excluded
		"k5,2024-01-01T00:00:05Z,1,,0.20,-2,10,LaneA,true\n" + // ignored
		"k6,2024-01-01T00:00:06Z,1,,0.20,-2,10,LaneA,false\n" // survivor
	require.NoError(t, os.WriteFile(input, []byte(content), 0o644))

	jc, err := jobctx.New(t.TempDir(), filepath.Join(dir, "out.csv"), jobctx.DefaultLimits(), nil, logrus.New())
	require.NoError(t, err)
	defer jc.Cleanup()

	ds := dedup.New(dedup.Config{MaxMemKeys: 1000, SpillDir: jc.TempDir}, jc.Logger)
	p := New(jc, nil, ds)

	cols, err := p.Run(input, mustWriter(t, jc, dir))
	require.NoError(t, err)
	require.NotNil(t, cols)

	require.Equal(t, int64(8), jc.Stats.RowsRead)
	require.Equal(t, int64(2), jc.Stats.RowsWritten) // k1 and k6
	require.Equal(t, int64(1), jc.Stats.Dropped["duplicate"])
	require.Equal(t, int64(1), jc.Stats.Dropped["empty_key"])
	require.Equal(t, int64(1), jc.Stats.Dropped["slopes"])
	require.Equal(t, int64(1), jc.Stats.Dropped["trailing"])
	require.Equal(t, int64(1), jc.Stats.Dropped["lane"])
	require.Equal(t, int64(1), jc.Stats.Dropped["ignore"])
}

func mustWriter(t *testing.T, jc *jobctx.JobContext, dir string) *writer.Writer {
	t.Helper()
	cols := model.NewColumnSet([]string{
		"NaturalKey", "TestDateUTC", "RawSlope170", "RawSlope270",
		"TrailingFactor", "tsdSlopeMinY", "tsdSlopeMaxY", "Lane", "Ignore",
	})
	w, err := writer.New(writer.Config{
		OutputPath: jc.OutputPath,
		TempDir:    jc.TempDir,
	}, cols, jc.Logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Finalize()
	})
	return w
}
