package benchmarks

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
)

// BenchmarkDedupSet_SpillMode measures lookup/insert cost once the set has
// transitioned out of memory mode, the path a folder-merge job spends most
// of its time in once MaxMemKeys is exceeded.
func BenchmarkDedupSet_SpillMode(b *testing.B) {
	dir := b.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ds := dedup.New(dedup.Config{MaxMemKeys: 10, SpillDir: dir}, logger)
	defer ds.Close()

	// Force the transition to spill mode before timing starts.
	for i := 0; i < 20; i++ {
		if _, err := ds.ContainsOrInsert(fmt.Sprintf("2026-01-01T00:00:%02d.000Z", i)); err != nil {
			b.Fatalf("priming insert failed: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("2026-01-01T01:%02d:%02d.000Z", (i/60)%60, i%60)
		if _, err := ds.ContainsOrInsert(key); err != nil {
			b.Fatalf("insert failed: %v", err)
		}
	}
}
