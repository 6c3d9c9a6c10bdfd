package joiner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssw-telemetry/cleanengine/pkg/index"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

// TestJoiner_LeftOuterJoinPreservesOrder follows the shape of Scenario 5 of
// the join contract: LMD T1,T2 joined against Details T2,T4,T1 keyed on
// TestDateUTC. NaturalKey is given unrelated values on both sides so a
// join that (incorrectly) keys on column zero instead of TestDateUTC would
// produce no matches at all, making the bug impossible to miss.
func TestJoiner_LeftOuterJoinPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	lmd := filepath.Join(dir, "lmd.csv")
	require.NoError(t, os.WriteFile(lmd, []byte(
		"NaturalKey,TestDateUTC,Make,Model\n"+
			"k1,T1,Ford,Focus\n"+
			"k2,T2,Honda,Civic\n"), 0o644))

	idx, err := index.Build(lmd, index.Config{CarryColumns: []string{"Make", "Model"}, TempDir: t.TempDir()}, logrus.New())
	require.NoError(t, err)
	defer idx.Close()

	details := filepath.Join(dir, "details.csv")
	require.NoError(t, os.WriteFile(details, []byte(
		"NaturalKey,TestDateUTC,Odometer\n"+
			"d1,T2,1000\n"+
			"d2,T4,2000\n"+ // no match -- empty carry cells
			"d3,T1,3000\n"), 0o644))

	outPath := filepath.Join(t.TempDir(), "out.csv")
	jc, err := jobctx.New(t.TempDir(), outPath, jobctx.DefaultLimits(), nil, logrus.New())
	require.NoError(t, err)
	defer jc.Cleanup()

	outCols := OutputColumns(model.NewColumnSet([]string{"NaturalKey", "TestDateUTC", "Odometer"}), idx.CarryColumns)
	w, err := writer.New(writer.Config{OutputPath: outPath, TempDir: jc.TempDir}, outCols, jc.Logger)
	require.NoError(t, err)

	j := New(jc, idx)
	require.NoError(t, j.Run(details, w))
	require.NoError(t, w.Finalize())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "NaturalKey,TestDateUTC,Odometer,Make,Model\n"+
		"d1,T2,1000,Honda,Civic\n"+
		"d2,T4,2000,,\n"+
		"d3,T1,3000,Ford,Focus\n", string(data))
}
