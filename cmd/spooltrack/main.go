// Command spooltrack is the operational CLI for the tracking engine:
// inspect a spool, report spools left occupied by crashed sessions,
// and verify or export the audit chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fabline/spooltrack/pkg/audit"
	"github.com/fabline/spooltrack/pkg/config"
	"github.com/fabline/spooltrack/pkg/engine"
	"github.com/fabline/spooltrack/pkg/spool"
	"github.com/fabline/spooltrack/pkg/store"
	"github.com/fabline/spooltrack/pkg/workers"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	cfg := config.Load()
	initLogging(cfg.LogLevel, stderr)

	eng, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	switch args[1] {
	case "status":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: spooltrack status <tag>")
			return 2
		}
		return runStatus(ctx, eng, args[2], stdout, stderr)
	case "reconcile":
		return runReconcile(ctx, eng, stdout, stderr)
	case "verify-audit":
		return runVerifyAudit(ctx, eng, stdout, stderr)
	case "export":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: spooltrack export <tag> [-out file]")
			return 2
		}
		return runExport(ctx, eng, args[2], args[3:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: spooltrack <status|reconcile|verify-audit|export> [args]")
}

func initLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func buildEngine(cfg *config.Config) (*engine.Engine, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var dir workers.Directory = workers.StaticDirectory{}
	if cfg.RedisAddr != "" {
		dir = workers.NewCachedDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, dir, 0)
	}
	return engine.New(cfg, st, dir, slog.Default()), nil
}

func openStore(cfg *config.Config) (store.TableStore, error) {
	var (
		st  store.TableStore
		err error
	)
	if cfg.PostgresURL != "" {
		st, err = store.OpenPostgres(cfg.PostgresURL)
	} else {
		st, err = store.OpenSQLite(cfg.StorePath)
	}
	if err != nil {
		return nil, err
	}
	return store.NewRateLimited(st, cfg.StoreWritesPerMinute, cfg.StoreWriteBurst), nil
}

func runStatus(ctx context.Context, eng *engine.Engine, tag string, stdout, stderr io.Writer) int {
	s, progress, err := eng.Status(ctx, tag)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "spool %s\n", s.Tag)
	if s.Occupant != "" {
		fmt.Fprintf(stdout, "  occupant:   %s (since %s)\n", s.Occupant, s.OccupiedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(stdout, "  occupant:   (free)")
	}
	fmt.Fprintf(stdout, "  status:     %s\n", progress.Status())
	fmt.Fprintf(stdout, "  assembly:   %s (%s)\n", progress.Ratio(spool.OpAssembly), s.AssemblyState)
	fmt.Fprintf(stdout, "  welding:    %s (%s)\n", progress.Ratio(spool.OpWelding), s.WeldingState)
	if s.Inspection != spool.InspectionNotDue {
		fmt.Fprintf(stdout, "  inspection: %s\n", s.Inspection)
	}
	if s.Repair != spool.RepairNone {
		fmt.Fprintf(stdout, "  repair:     %s (cycle %d)\n", s.Repair, s.RepairCycle)
	}
	return 0
}

func runReconcile(ctx context.Context, eng *engine.Engine, stdout, stderr io.Writer) int {
	held, err := eng.Reconcile(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if len(held) == 0 {
		fmt.Fprintln(stdout, "no occupied spools")
		return 0
	}
	for _, h := range held {
		fmt.Fprintf(stdout, "%s\toccupied by %s\tfor %s\n", h.Tag, h.Occupant, h.HeldFor.Round(time.Second))
	}
	return 0
}

func runVerifyAudit(ctx context.Context, eng *engine.Engine, stdout, stderr io.Writer) int {
	events, err := eng.VerifyAudit(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "audit chain verification FAILED: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "audit chain OK: %d events\n", len(events))
	return 0
}

func runExport(ctx context.Context, eng *engine.Engine, tag string, rest []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "output file (default <tag>-audit.zip)")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	pack, checksum, err := eng.ExportAuditPack(ctx, audit.ExportRequest{SpoolTag: tag}, nil)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	path := *out
	if path == "" {
		path = tag + "-audit.zip"
	}
	if err := os.WriteFile(path, pack, 0o644); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d bytes, sha256 %s)\n", path, len(pack), checksum)
	return 0
}
