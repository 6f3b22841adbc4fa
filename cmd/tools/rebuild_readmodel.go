// Command rebuild_readmodel rebuilds or verifies order projections from the
// event log. It takes the same configuration as the API server and honours the
// shared rebuild lease, so it is safe to run next to live workers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/config"
	"github.com/lllypuk/orderledger/internal/container"
)

const verifyPageSize = 200

// verifyReport is written by -verify -all -report.
type verifyReport struct {
	CheckedAt    time.Time `json:"checked_at"`
	Checked      int       `json:"checked"`
	Inconsistent []string  `json:"inconsistent"`
	Errors       []string  `json:"errors,omitempty"`
}

func main() {
	// Setup logger first
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Define flags
	aggregateID := flag.String("id", "", "Order ID (omit with -all)")
	all := flag.Bool("all", false, "Rebuild or verify every order projection")
	verify := flag.Bool("verify", false, "Verify consistency instead of rebuilding")
	reportFile := flag.String("report", "", "File to write a JSON verification report (only with -verify -all)")
	configPath := flag.String("config", "", "Path to a config file (defaults to the standard search paths)")

	flag.Parse()

	// Validate flags
	if !*all && *aggregateID == "" {
		logger.Error("either -id or -all must be specified")
		flag.Usage()
		os.Exit(1)
	}
	if *all && *aggregateID != "" {
		logger.Error("-id and -all are mutually exclusive")
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	c, err := container.New(cfg, container.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build container", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()

	var ok bool
	switch {
	case *verify && *all:
		ok = runVerifyAll(ctx, c.Projector, c.Queries, *reportFile, logger)
	case *verify:
		ok = runVerifyOne(ctx, c.Projector, *aggregateID, logger)
	case *all:
		ok = runRebuildAll(ctx, c.Projector, logger)
	default:
		ok = runRebuildOne(ctx, c.Projector, *aggregateID, logger)
	}

	if closeErr := c.Close(); closeErr != nil {
		logger.Error("failed to close connections", slog.String("error", closeErr.Error()))
	}
	if !ok {
		os.Exit(1)
	}
}

func runRebuildOne(ctx context.Context, proj appcore.ReadModelProjector, id string, logger *slog.Logger) bool {
	logger.InfoContext(ctx, "rebuilding projection", slog.String("order_id", id))

	if rebuildErr := proj.RebuildOne(ctx, id); rebuildErr != nil {
		logger.ErrorContext(ctx, "rebuild failed", slog.String("error", rebuildErr.Error()))
		return false
	}

	logger.InfoContext(ctx, "rebuild completed successfully")
	return true
}

func runRebuildAll(ctx context.Context, proj appcore.ReadModelProjector, logger *slog.Logger) bool {
	logger.InfoContext(ctx, "rebuilding all projections")

	report, rebuildErr := proj.RebuildAll(ctx)
	if rebuildErr != nil {
		logger.ErrorContext(ctx, "rebuild all failed", slog.String("error", rebuildErr.Error()))
		return false
	}

	logger.InfoContext(ctx, "rebuild all completed successfully",
		slog.Int("events", report.Events),
		slog.Int("orders", report.Aggregates),
		slog.Int64("last_offset", report.LastOffset),
		slog.Duration("duration", report.Duration),
	)
	return true
}

func runVerifyOne(ctx context.Context, proj appcore.ReadModelProjector, id string, logger *slog.Logger) bool {
	logger.InfoContext(ctx, "verifying consistency", slog.String("order_id", id))

	consistent, verifyErr := proj.VerifyConsistency(ctx, id)
	if verifyErr != nil {
		logger.ErrorContext(ctx, "verification failed", slog.String("error", verifyErr.Error()))
		return false
	}

	if !consistent {
		logger.WarnContext(ctx, "projection is INCONSISTENT - rebuild recommended")
		return false
	}

	logger.InfoContext(ctx, "projection is consistent")
	return true
}

func runVerifyAll(
	ctx context.Context,
	proj appcore.ReadModelProjector,
	queries *orderapp.QueryService,
	reportFile string,
	logger *slog.Logger,
) bool {
	logger.InfoContext(ctx, "verifying all projections")

	report := verifyReport{CheckedAt: time.Now().UTC(), Inconsistent: []string{}}

	for offset := 0; ; offset += verifyPageSize {
		page, listErr := queries.ListProjections(ctx, orderapp.Filters{Offset: offset, Limit: verifyPageSize})
		if listErr != nil {
			logger.ErrorContext(ctx, "failed to list projections", slog.String("error", listErr.Error()))
			return false
		}

		for _, rm := range page {
			report.Checked++
			consistent, verifyErr := proj.VerifyConsistency(ctx, rm.AggregateID)
			switch {
			case verifyErr != nil:
				report.Errors = append(report.Errors, rm.AggregateID+": "+verifyErr.Error())
			case !consistent:
				report.Inconsistent = append(report.Inconsistent, rm.AggregateID)
			}
		}

		if len(page) < verifyPageSize {
			break
		}
	}

	logger.InfoContext(ctx, "verification finished",
		slog.Int("checked", report.Checked),
		slog.Int("inconsistent", len(report.Inconsistent)),
		slog.Int("errors", len(report.Errors)),
	)

	if reportFile != "" {
		data, marshalErr := json.MarshalIndent(report, "", "  ")
		if marshalErr != nil {
			logger.ErrorContext(ctx, "failed to encode report", slog.String("error", marshalErr.Error()))
			return false
		}
		if writeErr := os.WriteFile(reportFile, data, 0o600); writeErr != nil {
			logger.ErrorContext(ctx, "failed to write report", slog.String("error", writeErr.Error()))
			return false
		}
		logger.InfoContext(ctx, "report written", slog.String("file", reportFile))
	}

	return len(report.Inconsistent) == 0 && len(report.Errors) == 0
}
