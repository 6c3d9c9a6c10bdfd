// Package writer implements the Chunk Writer: staged, atomically-renamed
// CSV output with timestamped backups and post-rename verification.
package writer

import (
	stdgzip "compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
)

// DefaultMaxBackups mirrors the spec's retention default.
const DefaultMaxBackups = 5

// backupTimeFormat produces "<stem>_backup_<YYYYMMDDThhmmss>.<ext>".
const backupTimeFormat = "20060102T150405"

// Config configures a Writer.
type Config struct {
	OutputPath string
	TempDir    string
	MaxBackups int
	// UseFastGzip selects klauspost/compress's gzip implementation for
	// compressing retired backups instead of the standard library's.
	UseFastGzip bool
}

// Writer stages rows into the job's temp directory and atomically renames
// them into place at Finalize.
type Writer struct {
	config Config
	cols   *model.ColumnSet
	logger *logrus.Logger

	mu          sync.Mutex
	stagingPath string
	file        *os.File
	csvw        *csv.Writer
	finalized   bool
}

// New opens a staging file under cfg.TempDir and writes the header once.
func New(cfg Config, cols *model.ColumnSet, logger *logrus.Logger) (*Writer, error) {
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "open",
			"failed to create temp directory").Wrap(err)
	}

	if sameFS, err := sameFilesystem(cfg.TempDir, filepath.Dir(cfg.OutputPath)); err != nil {
		return nil, errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "open",
			"failed to stat output directory").Wrap(err)
	} else if !sameFS {
		return nil, errors.New(errors.CodeCrossFilesystemStaging, "chunk_writer", "open",
			"temp directory and output directory are on different filesystems")
	}

	stagingPath := filepath.Join(cfg.TempDir, fmt.Sprintf("staging_%d.csv", time.Now().UnixNano()))
	f, err := os.Create(stagingPath)
	if err != nil {
		return nil, errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "open",
			"failed to create staging file").Wrap(err)
	}

	w := &Writer{
		config:      cfg,
		cols:        cols,
		logger:      logger,
		stagingPath: stagingPath,
		file:        f,
		csvw:        csv.NewWriter(f),
	}

	if err := w.csvw.Write(cols.Names()); err != nil {
		f.Close()
		return nil, errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "open",
			"failed to write header").Wrap(err)
	}
	w.csvw.Flush()

	return w, nil
}

// Append writes rows to the staging file in order. Append order across
// calls equals chunk-production order.
func (w *Writer) Append(rows []model.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, row := range rows {
		if err := w.csvw.Write([]string(row)); err != nil {
			return errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "append",
				"failed writing row").Wrap(err)
		}
	}
	w.csvw.Flush()
	return w.csvw.Error()
}

// Finalize flushes, closes the staging file, backs up any pre-existing
// output, atomically renames staging into place, and verifies the result.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.csvw.Flush()
	if err := w.csvw.Error(); err != nil {
		return errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "finalize",
			"buffered write error before finalize").Wrap(err)
	}
	if err := w.file.Close(); err != nil {
		return errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "finalize",
			"failed to close staging file").Wrap(err)
	}

	var backupPath string
	if _, err := os.Stat(w.config.OutputPath); err == nil {
		backupPath, err = w.backupExisting()
		if err != nil {
			return err
		}
	}

	if err := os.Rename(w.stagingPath, w.config.OutputPath); err != nil {
		w.restoreBackup(backupPath)
		return errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "finalize",
			"atomic rename to output path failed").Wrap(err)
	}

	if err := w.verify(); err != nil {
		w.restoreBackup(backupPath)
		return err
	}

	w.finalized = true
	if err := w.enforceRetention(); err != nil && w.logger != nil {
		w.logger.WithError(err).Warn("backup retention enforcement failed")
	}
	return nil
}

// verify re-opens the final file, reads its header, and checks arity.
func (w *Writer) verify() error {
	f, err := os.Open(w.config.OutputPath)
	if err != nil {
		return errors.NewCritical(errors.CodeOutputVerificationFailed, "chunk_writer", "verify",
			"failed to reopen output for verification").Wrap(err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil && err != io.EOF {
		return errors.NewCritical(errors.CodeOutputVerificationFailed, "chunk_writer", "verify",
			"failed to read output header").Wrap(err)
	}
	if len(header) != w.cols.Len() {
		return errors.NewCritical(errors.CodeOutputVerificationFailed, "chunk_writer", "verify",
			fmt.Sprintf("output header arity %d does not match expected %d", len(header), w.cols.Len()))
	}
	return nil
}

// backupExisting moves the pre-existing output to a timestamped backup.
func (w *Writer) backupExisting() (string, error) {
	ext := filepath.Ext(w.config.OutputPath)
	stem := strings.TrimSuffix(w.config.OutputPath, ext)
	backupPath := fmt.Sprintf("%s_backup_%s%s", stem, time.Now().Format(backupTimeFormat), ext)

	if err := os.Rename(w.config.OutputPath, backupPath); err != nil {
		return "", errors.NewCritical(errors.CodeIoFatal, "chunk_writer", "backup",
			"failed to move existing output to backup").Wrap(err)
	}
	return backupPath, nil
}

// restoreBackup best-efforts restoring a backup created this call if the
// rename or verification step subsequently failed.
func (w *Writer) restoreBackup(backupPath string) {
	if backupPath == "" {
		return
	}
	_ = os.Remove(w.config.OutputPath)
	if err := os.Rename(backupPath, w.config.OutputPath); err != nil && w.logger != nil {
		w.logger.WithError(err).Error("failed to restore backup after finalize failure")
	}
}

// enforceRetention keeps at most MaxBackups backups for this output path,
// deleting the oldest first, and gzip-compresses any backup beyond the most
// recent one.
func (w *Writer) enforceRetention() error {
	ext := filepath.Ext(w.config.OutputPath)
	stem := strings.TrimSuffix(filepath.Base(w.config.OutputPath), ext)
	dir := filepath.Dir(w.config.OutputPath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup
	prefix := stem + "_backup_"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	for i, b := range backups {
		switch {
		case i >= w.config.MaxBackups:
			if err := os.Remove(b.path); err != nil && w.logger != nil {
				w.logger.WithError(err).WithField("backup", filepath.Base(b.path)).Warn("failed to remove retired backup")
			}
		case i > 0 && !strings.HasSuffix(b.path, ".gz"):
			if err := w.compressBackup(b.path); err != nil && w.logger != nil {
				w.logger.WithError(err).WithField("backup", filepath.Base(b.path)).Warn("failed to compress retired backup")
			}
		}
	}
	return nil
}

func (w *Writer) compressBackup(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	var gw io.WriteCloser
	if w.config.UseFastGzip {
		gw = kgzip.NewWriter(dst)
	} else {
		gw = stdgzip.NewWriter(dst)
	}
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

// Abort removes the staging file without finalizing — used when the job
// fails before Finalize runs.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.finalized {
		w.file.Close()
		os.Remove(w.stagingPath)
	}
}

func sameFilesystem(a, b string) (bool, error) {
	if err := os.MkdirAll(b, 0o755); err != nil {
		return false, err
	}
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	stA, ok1 := sa.Sys().(*syscall.Stat_t)
	stB, ok2 := sb.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return true, nil
	}
	return stA.Dev == stB.Dev, nil
}
