package benchmarks

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/monitor"
	"github.com/ssw-telemetry/cleanengine/pkg/processor"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

func writeSampleLMD(b *testing.B, path string, rows int) {
	f, err := os.Create(path)
	if err != nil {
		b.Fatalf("creating sample file: %v", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "timestamp,vehicle_id,speed,lat,lon,heading,odometer,fuel,status")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(f, "2026-01-01T00:%02d:%02dZ,V1,%d,1.0,1.0,0,100,50,ok\n", (i/60)%60, i%60, i%120)
	}
}

// BenchmarkStreamingProcessor_Throughput measures rows/sec through the
// chunked read -> filter -> dedup -> write pipeline, the same shape as a
// production LMD clean run.
func BenchmarkStreamingProcessor_Throughput(b *testing.B) {
	dir := b.TempDir()
	input := filepath.Join(dir, "sample.csv")
	writeSampleLMD(b, input, 50_000)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runOnce(b, input, dir, logger)
	}
}

func runOnce(b *testing.B, input, dir string, logger *logrus.Logger) {
	jc, err := jobctx.New(dir, filepath.Join(dir, "out.csv"), jobctx.DefaultLimits(), nil, logger)
	if err != nil {
		b.Fatalf("creating job context: %v", err)
	}
	defer jc.Cleanup()

	mon, err := monitor.New(monitor.DefaultConfig(), logger)
	if err != nil {
		b.Fatalf("creating monitor: %v", err)
	}
	mon.Start()
	defer mon.Stop()

	ds := dedup.New(dedup.Config{MaxMemKeys: jc.Limits.MaxMemKeys, SpillDir: jc.TempDir}, logger)
	defer ds.Close()

	cols := model.NewColumnSet([]string{"timestamp", "vehicle_id", "speed", "lat", "lon", "heading", "odometer", "fuel", "status"})
	w, err := writer.New(writer.Config{OutputPath: jc.OutputPath, TempDir: jc.TempDir, MaxBackups: 1}, cols, logger)
	if err != nil {
		b.Fatalf("creating writer: %v", err)
	}

	proc := processor.New(jc, mon, ds)
	if _, err := proc.Run(input, w); err != nil {
		b.Fatalf("processor run failed: %v", err)
	}
	if err := w.Finalize(); err != nil {
		b.Fatalf("finalize failed: %v", err)
	}
}
