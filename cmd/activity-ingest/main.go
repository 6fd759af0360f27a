// Command activity-ingest fetches GitHub activity (commits, pull requests,
// reviews, issues) for a set of repositories over a time window, resiliently:
// quota-aware scheduling, resumable checkpoints and a page cache make reruns
// cheap and interruptions safe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/contriblens/activity-ingest/internal/archive"
	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/cache"
	"github.com/contriblens/activity-ingest/internal/catalog"
	"github.com/contriblens/activity-ingest/internal/checkpoint"
	"github.com/contriblens/activity-ingest/internal/config"
	"github.com/contriblens/activity-ingest/internal/executor"
	"github.com/contriblens/activity-ingest/internal/ghapi"
	"github.com/contriblens/activity-ingest/internal/logging"
	"github.com/contriblens/activity-ingest/internal/metrics"
	"github.com/contriblens/activity-ingest/internal/notify"
	"github.com/contriblens/activity-ingest/internal/pipeline"
	"github.com/contriblens/activity-ingest/internal/quota"
	"github.com/contriblens/activity-ingest/internal/record"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.Init("activity_ingest")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Warn("metrics server exited", "error", err)
			}
		}()
	}

	cacheStore, err := cache.NewStore(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheStore.Close()

	checkpoints, err := checkpoint.NewStore(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("initialize checkpoint store: %w", err)
	}

	tracker := quota.NewTracker(cfg.Quota.LowWater)
	sched := backoff.NewScheduler(cfg.Retry, tracker)
	client := ghapi.New(cfg.GitHub)
	exec := executor.New(client, cacheStore, cfg.Cache, checkpoints, tracker, sched)

	pipe := pipeline.New(exec, checkpoints, cacheStore, cfg.Cache,
		emitRecord, cfg.Performance.Workers)

	if cfg.Archive.Enabled {
		aw, err := archive.NewWriter(cfg.Archive)
		if err != nil {
			return fmt.Errorf("initialize archive: %w", err)
		}
		pipe.AddHook(&archive.Hook{Writer: aw})
	}

	catalogWriter, err := catalog.NewWriter(ctx, cfg.Catalog)
	if err != nil {
		// The catalog is observability, not correctness.
		slog.Warn("catalog unavailable, continuing without it", "error", err)
	} else {
		defer catalogWriter.Close()
		pipe.AddHook(&catalog.Hook{Writer: catalogWriter})
	}

	if cfg.Notify.Enabled {
		pipe.AddHook(notify.NewEmitter(cfg.Notify))
	}

	ops, err := cfg.Operations()
	if err != nil {
		return err
	}

	outcomes, runErr := pipe.Run(ctx, ops)
	report(outcomes)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			slog.Info("interrupted, progress checkpointed for resume")
			return nil
		}
		return runErr
	}
	if failed := countFailed(outcomes); failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(outcomes))
	}
	return nil
}

func report(outcomes []pipeline.Outcome) {
	for _, o := range outcomes {
		switch o.State {
		case pipeline.StateComplete:
			slog.Info("operation succeeded",
				"operation", o.Op.String(),
				"pages", o.Pages,
				"records", o.Records,
				"resumed_from", o.ResumedFrom,
			)
		case pipeline.StateFailed:
			slog.Error("operation failed",
				"operation", o.Op.String(),
				"last_good_page", o.Err.LastGoodPage,
				"class", o.Err.Class,
				"error", o.Err.Err,
			)
		default:
			slog.Warn("operation did not finish", "operation", o.Op.String(), "state", o.State)
		}
	}
}

func countFailed(outcomes []pipeline.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.State == pipeline.StateFailed {
			n++
		}
	}
	return n
}

// emitRecord is the default downstream: one JSON line per record on stdout.
func emitRecord(r record.Record) {
	b, err := json.Marshal(r)
	if err != nil {
		slog.Warn("failed to marshal record", "id", r.ID, "error", err)
		return
	}
	fmt.Println(string(b))
}
