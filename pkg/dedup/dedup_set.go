// Package dedup implements the external-memory deduplicator: a set of
// canonical timestamp keys that transparently spills from an in-memory hash
// set to a disk-backed store once the working set grows too large.
package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/ssw-telemetry/cleanengine/internal/metrics"
	"github.com/ssw-telemetry/cleanengine/pkg/circuit"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
)

// Mode is the DedupSet's state-machine position. The transition is
// monotonic: once Spill, a set never returns to Mem for the life of the job.
type Mode int

const (
	ModeMem Mode = iota
	ModeSpill
)

const spillBucket = "keys"

// Config configures a DedupSet.
type Config struct {
	// MaxMemKeys bounds the in-memory hash set; exceeding it on the next
	// insert triggers the one-way transition to spill mode.
	MaxMemKeys int
	// SpillDir is the job's temp directory; the spill file is created here.
	SpillDir string
}

// DedupSet tracks canonical keys already seen in this job. It is owned by
// exactly one pipeline at a time and is never accessed concurrently.
type DedupSet struct {
	config Config
	logger *logrus.Logger

	mode    Mode
	memKeys map[uint64]struct{}

	spillDB   *bbolt.DB
	spillPath string
	breaker   *circuit.Breaker

	mu sync.Mutex // guards mode/memKeys/spillDB during the single transition
}

// New creates a DedupSet in MemMode.
func New(config Config, logger *logrus.Logger) *DedupSet {
	if config.MaxMemKeys <= 0 {
		config.MaxMemKeys = 5_000_000
	}
	return &DedupSet{
		config:  config,
		logger:  logger,
		mode:    ModeMem,
		memKeys: make(map[uint64]struct{}),
		breaker: circuit.New(circuit.Config{
			Name:             "dedup_spill",
			FailureThreshold: 5,
			Timeout:          10 * time.Second,
		}, logger),
	}
}

// Canonicalize trims the timestamp, drops a trailing "Z", and truncates
// sub-millisecond precision. Two keys canonicalizing to the same string are
// duplicates.
func Canonicalize(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.TrimSuffix(key, "Z")
	if dot := strings.IndexByte(key, '.'); dot >= 0 {
		frac := key[dot+1:]
		// Keep at most 3 fractional digits (millisecond resolution); stop
		// at the first non-digit (timezone offset, etc.) and keep it as-is.
		end := 0
		for end < len(frac) && frac[end] >= '0' && frac[end] <= '9' {
			end++
		}
		digits := frac[:end]
		if len(digits) > 3 {
			digits = digits[:3]
		}
		key = key[:dot+1] + digits + frac[end:]
	}
	return key
}

// ContainsOrInsert returns true if key was already present (the caller must
// drop the row) or false if it was newly inserted.
func (d *DedupSet) ContainsOrInsert(rawKey string) (bool, error) {
	key := Canonicalize(rawKey)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == ModeMem {
		h := xxhash.Sum64String(key)
		if _, exists := d.memKeys[h]; exists {
			return true, nil
		}
		if len(d.memKeys)+1 > d.config.MaxMemKeys {
			if err := d.transitionToSpillLocked(); err != nil {
				return false, err
			}
			// fall through to spill-mode insert below
		} else {
			d.memKeys[h] = struct{}{}
			metrics.DedupCacheSize.Set(float64(len(d.memKeys)))
			return false, nil
		}
	}

	return d.spillContainsOrInsert(key)
}

// transitionToSpillLocked copies every in-memory key into a fresh spill
// store under a single transaction before accepting new inserts. Called
// with d.mu held.
func (d *DedupSet) transitionToSpillLocked() error {
	if err := os.MkdirAll(d.config.SpillDir, 0o755); err != nil {
		return errors.NewCritical(errors.CodeDedupSpillFailed, "dedup", "transition",
			"failed to create spill directory").Wrap(err)
	}

	path := filepath.Join(d.config.SpillDir, fmt.Sprintf("dedup_spill_%d.db", time.Now().UnixNano()))
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return errors.NewCritical(errors.CodeDedupSpillFailed, "dedup", "transition",
			"failed to open spill store").Wrap(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(spillBucket))
		if err != nil {
			return err
		}
		for h := range d.memKeys {
			if err := bucket.Put(encodeHash(h), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		os.Remove(path)
		return errors.NewCritical(errors.CodeDedupSpillFailed, "dedup", "transition",
			"failed to batch-copy keys to spill store").Wrap(err)
	}

	d.spillDB = db
	d.spillPath = path
	d.mode = ModeSpill
	d.memKeys = nil

	metrics.DedupSpillTransitionsTotal.Inc()
	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"component":  "dedup",
			"spill_path": filepath.Base(path),
		}).Info("dedup set transitioned to spill mode")
	}
	return nil
}

// spillContainsOrInsert performs one indexed lookup plus a possible insert.
// Transient I/O errors are retried once; persistence errors are fatal.
func (d *DedupSet) spillContainsOrInsert(key string) (bool, error) {
	if d.breaker.IsOpen() {
		return false, errors.NewCritical(errors.CodeIoFatal, "dedup", "spill_lookup",
			"spill store circuit breaker is open after repeated failures")
	}

	h := xxhash.Sum64String(key)
	k := encodeHash(h)

	var existed bool
	attempt := func() error {
		return d.breaker.Execute(func() error {
			return d.spillDB.Update(func(tx *bbolt.Tx) error {
				bucket := tx.Bucket([]byte(spillBucket))
				if bucket.Get(k) != nil {
					existed = true
					return nil
				}
				return bucket.Put(k, []byte{1})
			})
		})
	}

	if err := attempt(); err != nil {
		// Retry once, per the spec's transient-I/O-error policy.
		existed = false
		if err := attempt(); err != nil {
			return false, errors.NewCritical(errors.CodeIoFatal, "dedup", "spill_lookup",
				"persistent error accessing spill store").Wrap(err)
		}
	}
	return existed, nil
}

// Mode reports the current state-machine position.
func (d *DedupSet) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Close releases the spill store, if any. The backing file is deleted by the
// JobContext's temp directory cleanup, not here — the DedupSet only owns the
// open handle.
func (d *DedupSet) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spillDB != nil {
		return d.spillDB.Close()
	}
	return nil
}

func encodeHash(h uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(h >> (8 * i))
	}
	return b
}
