package lock

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquire_SecondAcquireFailsOutputLocked(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.csv")

	l1, err := Acquire(out, time.Hour)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(out, time.Hour)
	require.Error(t, err)
}

func TestAcquire_StaleLockWithDeadOwnerIsStolen(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.csv")

	pid := deadPID(t)
	writeLockFile(t, out+suffix, pid, time.Now().Add(-2*time.Hour))

	l, err := Acquire(out, time.Hour)
	require.NoError(t, err)
	defer l.Release()
}

// TestAcquire_StaleLockWithLiveOwnerIsNotStolen proves age alone is never
// enough: the lock file is old enough to pass the staleAge check, but its
// recorded owner (this test process itself) is demonstrably still alive, so
// Acquire must refuse to steal it.
func TestAcquire_StaleLockWithLiveOwnerIsNotStolen(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.csv")

	writeLockFile(t, out+suffix, os.Getpid(), time.Now().Add(-2*time.Hour))

	_, err := Acquire(out, time.Hour)
	require.Error(t, err)
}

func TestRelease_AllowsReacquire(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.csv")

	l1, err := Acquire(out, time.Hour)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(out, time.Hour)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

// deadPID returns a pid that is guaranteed to belong to no running process:
// it starts and waits out a trivial child, then hands back its now-reaped
// pid.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())
	return pid
}

func writeLockFile(t *testing.T, path string, pid int, modTime time.Time) {
	t.Helper()
	content := fmt.Sprintf("%d\n%d\n", pid, time.Now().UnixNano())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}
