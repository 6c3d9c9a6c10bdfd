package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssw-telemetry/cleanengine/pkg/model"
)

func TestWriter_AppendAndFinalize(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.csv")
	cols := model.NewColumnSet([]string{"key", "value"})

	w, err := New(Config{OutputPath: outPath, TempDir: filepath.Join(dir, "tmp")}, cols, logrus.New())
	require.NoError(t, err)

	require.NoError(t, w.Append([]model.Row{{"a", "1"}, {"b", "2"}}))
	require.NoError(t, w.Finalize())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "key,value\na,1\nb,2\n", string(data))
}

func TestWriter_BackupRetention(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.csv")
	cols := model.NewColumnSet([]string{"key"})

	for i := 0; i < 7; i++ {
		w, err := New(Config{OutputPath: outPath, TempDir: filepath.Join(dir, "tmp"), MaxBackups: 5}, cols, logrus.New())
		require.NoError(t, err)
		require.NoError(t, w.Append([]model.Row{{"row"}}))
		require.NoError(t, w.Finalize())
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	backups := 0
	for _, e := range entries {
		if filepath.Base(e.Name()) != "out.csv" && e.Name() != "tmp" {
			backups++
		}
	}
	require.LessOrEqual(t, backups, 5, "at most MaxBackups backups should be retained")
}

func TestWriter_SameFilesystemStagingAccepted(t *testing.T) {
	// A temp dir and output dir on the same filesystem must succeed; this
	// test documents the happy path since simulating a real mountpoint
	// split isn't possible in a unit test sandbox.
	dir := t.TempDir()
	cols := model.NewColumnSet([]string{"key"})
	_, err := New(Config{OutputPath: filepath.Join(dir, "out.csv"), TempDir: filepath.Join(dir, "tmp")}, cols, logrus.New())
	require.NoError(t, err)
}
