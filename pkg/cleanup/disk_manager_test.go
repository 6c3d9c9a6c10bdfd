package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestGuard_CheckPassesWithAmpleSpace(t *testing.T) {
	g := New(Config{MinFreeBytes: 1, MinFreePercent: 0}, logrus.New())
	usage, err := g.Check(os.TempDir())
	require.NoError(t, err)
	require.Greater(t, usage.Total, uint64(0))
}

func TestGuard_CheckFailsOnUnreasonableFloor(t *testing.T) {
	g := New(Config{MinFreeBytes: 1 << 62, MinFreePercent: 0}, logrus.New())
	_, err := g.Check(os.TempDir())
	require.Error(t, err)
}

func TestGuard_ReclaimStaleRemovesOldJobDirs(t *testing.T) {
	base := t.TempDir()
	oldDir := filepath.Join(base, "job_old")
	newDir := filepath.Join(base, "job_new")
	require.NoError(t, os.Mkdir(oldDir, 0o755))
	require.NoError(t, os.Mkdir(newDir, 0o755))

	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, oldTime, oldTime))

	g := New(Config{StaleAge: 24 * time.Hour}, logrus.New())
	removed, err := g.ReclaimStale(base)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(oldDir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(newDir)
	require.NoError(t, err)
}
