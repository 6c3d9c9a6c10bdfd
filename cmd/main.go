// Command cleanengine runs one data-cleaning job: a single LMD file
// through the streaming processor, a folder merge, or a column-add join,
// then exits. The admin HTTP surface, if enabled, stays up for the
// duration of the job.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ssw-telemetry/cleanengine/internal/app"
	"github.com/ssw-telemetry/cleanengine/internal/config"
)

func main() {
	var (
		configFile   string
		kind         string
		input        string
		details      string
		lmd          string
		output       string
		carryColumns string
	)
	flag.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	flag.StringVar(&kind, "kind", "clean", "job kind: clean|merge|columnadd")
	flag.StringVar(&input, "input", "", "input file (clean) or folder (merge)")
	flag.StringVar(&details, "details", "", "details file to enrich (columnadd)")
	flag.StringVar(&lmd, "lmd", "", "LMD file carry columns are read from (columnadd)")
	flag.StringVar(&output, "output", "", "output file path")
	flag.StringVar(&carryColumns, "carry-columns", "", "comma-separated carry column names (columnadd)")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.Server.Enabled {
		server = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: application.Router(),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "admin server error: %v\n", err)
			}
		}()
	}

	req := app.JobRequest{
		Kind:         app.Kind(kind),
		InputPath:    input,
		DetailsPath:  details,
		LMDPath:      lmd,
		OutputPath:   output,
		CarryColumns: splitNonEmpty(carryColumns),
	}

	runErr := application.RunJob(ctx, req)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownGrace())
		server.Shutdown(shutdownCtx)
		cancel()
	}
	application.Shutdown(context.Background())

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "job failed: %v\n", runErr)
		os.Exit(1)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
