// Command ciremote-gcd is the Compactor's standalone entrypoint: a
// timer-driven background daemon with no listening socket, grounded on
// internal/gitaly/maintenance's daily-job scheduling idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/config"
	"gitlab.com/ci-platform/ciremote/internal/gc"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/registry"
	"gitlab.com/ci-platform/ciremote/internal/ticker"
	"gitlab.com/ci-platform/ciremote/internal/tracing"
)

var configPath = flag.String("config", "", "path to a ciremote-gcd toml config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ciremote-gcd: loading config: %v\n", err)
		os.Exit(1)
	}

	log.Configure(cfg.Logging.Format, cfg.Logging.Level)

	if err := sentry.Init(sentry.ClientOptions{}); err != nil {
		log.Default().WithError(err).Debug("ciremote-gcd: sentry not configured")
	}

	if closer := tracing.Configure("ciremote-gcd"); closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cgroupPlacer := command.CgroupPlacer(command.NoopCgroupPlacer{})
	if cfg.GcProcessMaxMemory > 0 {
		cgroupPlacer = command.CgroupsV1Placer{}
	}
	facade := gitcmd.New(cfg.Git.BinPath, cgroupPlacer)

	compactors := make([]*gc.Compactor, 0, len(cfg.StoragePaths()))
	for _, storage := range cfg.StoragePaths() {
		manager := mirror.NewManager(mirror.Config{
			BaseDir:         storage.Path,
			TTL:             time.Duration(cfg.MirrorExpirationDays) * 24 * time.Hour,
			DeleteTempFiles: cfg.DeleteTempFiles,
		}, facade)

		rec := registry.New()
		compactors = append(compactors, gc.NewCompactor(compactorConfig(cfg), facade, manager, rec))

		log.Default().WithField("storage", storage.Name).Info("ciremote-gcd: watching storage")
	}

	if len(compactors) == 0 {
		log.Default().Warn("ciremote-gcd: no storages configured, exiting")
		return
	}

	run(ctx, compactors, ticker.NewTimerTicker(time.Duration(cfg.GcPollIntervalMinutes)*time.Minute))
}

// compactorConfig translates the loaded Cfg into gc.Config.
func compactorConfig(cfg config.Cfg) gc.Config {
	out := gc.DefaultConfig()
	if cfg.RunInPlaceGc {
		out.Variant = gc.InPlace
	}
	if cfg.NativeGCQuotaMinutes > 0 {
		out.QuotaPerRun = time.Duration(cfg.NativeGCQuotaMinutes) * time.Minute
	}
	if len(cfg.RepackArgs) > 0 {
		out.RepackArgs = cfg.RepackArgs
	}
	return out
}

// run drives every compactor off one shared ticker until ctx is
// cancelled, logging (never aborting the process on) a single
// compactor's failure, per Cleanup.java's "one broken mirror never takes
// down the whole sweep" contract.
func run(ctx context.Context, compactors []*gc.Compactor, t ticker.Ticker) {
	defer t.Stop()
	t.Reset()

	for {
		select {
		case <-ctx.Done():
			log.Default().Info("ciremote-gcd: shutting down")
			return
		case <-t.C():
		}

		for _, c := range compactors {
			if err := c.Run(ctx); err != nil {
				log.Default().WithError(err).Error("ciremote-gcd: compaction run failed")
			}
		}
		t.Reset()
	}
}
