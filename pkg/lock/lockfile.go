// Package lock implements the advisory output-path lock that serializes
// jobs writing to the same output path (§5: "Output path protected by an
// advisory lock file for the job's duration").
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ssw-telemetry/cleanengine/pkg/errors"
)

// suffix is appended to the output path to derive the lock file's path.
const suffix = ".lock"

// Lock is a held advisory lock on an output path.
type Lock struct {
	path string
}

// Acquire creates path+".lock" exclusively, recording the current pid and the
// acquisition time as wall-clock Unix nanoseconds; it is not a monotonic
// clock reading, and staleness is judged from the file's modification time.
// A lock is only stolen when both its age exceeds staleAge AND its recorded owner pid is no longer alive -- age alone never
// justifies stealing a healthy, long-running job's lock. Otherwise, if a
// lock file already exists, acquisition fails with OutputLocked.
func Acquire(outputPath string, staleAge time.Duration) (*Lock, error) {
	path := outputPath + suffix

	if info, err := os.Stat(path); err == nil {
		pid := readLockPID(path)
		if time.Since(info.ModTime()) < staleAge || processAlive(pid) {
			return nil, errors.New(errors.CodeOutputLocked, "lock", "acquire",
				fmt.Sprintf("output path is locked by pid %d", pid)).
				WithMetadata("lock_path", path)
		}
		// Stale and the owner pid is provably dead: a previous job crashed
		// without cleaning up.
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			pid := readLockPID(path)
			return nil, errors.New(errors.CodeOutputLocked, "lock", "acquire",
				fmt.Sprintf("output path is locked by pid %d", pid)).
				WithMetadata("lock_path", path)
		}
		return nil, errors.NewCritical(errors.CodeIoFatal, "lock", "acquire",
			"failed to create lock file").Wrap(err)
	}
	defer f.Close()

	fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().UnixNano())

	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once per successful Acquire.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewCritical(errors.CodeIoFatal, "lock", "release",
			"failed to remove lock file").Wrap(err)
	}
	return nil
}

func readLockPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 {
		return -1
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return -1
	}
	return pid
}

// processAlive reports whether pid refers to a live process. Sending signal
// 0 performs no action but still surfaces ESRCH for a pid that no longer
// exists; an unreadable or non-positive pid is treated as unknown and
// therefore NOT provably dead, so callers err on the side of not stealing.
func processAlive(pid int) bool {
	if pid <= 0 {
		return true
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
