// Command ciremote-ctl is an operator CLI over the mirror pool: resolve a
// remote into its mirror, force a fetch, collect changes between two
// states, or print tabular status, grounded on the pack's tablewriter
// usage (desc.go's printPkgs) for the tabular bits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"gitlab.com/ci-platform/ciremote/internal/changes"
	"gitlab.com/ci-platform/ciremote/internal/checkout"
	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/config"
	"gitlab.com/ci-platform/ciremote/internal/fetch"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/model"
	"gitlab.com/ci-platform/ciremote/internal/registry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	configPath := flag.String("config", "", "path to a ciremote-ctl toml config file")
	flag.CommandLine.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	fatalOn(err, "loading config")
	log.Configure(cfg.Logging.Format, cfg.Logging.Level)

	facade := gitcmd.New(cfg.Git.BinPath, command.NoopCgroupPlacer{})
	manager := mirror.NewManager(mirror.Config{
		BaseDir:         cfg.StoragePaths()[0].Path,
		TTL:             time.Duration(cfg.MirrorExpirationDays) * 24 * time.Hour,
		DeleteTempFiles: cfg.DeleteTempFiles,
	}, facade)
	rec := registry.New()
	coordinator := fetch.NewCoordinator(fetch.Config{
		NativeGitOperationsEnabled: cfg.NativeGitOperationsEnabled,
		NativeGitURLPrefixes:       cfg.NativeGitURLPrefixes,
		RetryAttempts:              uint(cfg.ConnectionRetryAttempts),
		RetryInterval:              time.Duration(cfg.ConnectionRetryIntervalMillis) * time.Millisecond,
	}, facade, rec)

	ctx := context.Background()

	switch os.Args[1] {
	case "resolve":
		runResolve(ctx, manager, flag.Args())
	case "fetch":
		runFetch(ctx, manager, coordinator, flag.Args())
	case "collect-changes":
		runCollectChanges(ctx, facade, manager, coordinator, flag.Args())
	case "status":
		runStatus(ctx, manager, rec)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ciremote-ctl <command> [-config path] [args]

commands:
  resolve <url>                           print the mirror path for url
  fetch <url> <ref=sha>...                ensure the given ref->sha pairs are present
  collect-changes <url> <from-ref=sha>... -- <to-ref=sha>...   print changes between two states
  status                                  print a table of known mirrors and their last error`)
}

func fatalOn(err error, context string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "ciremote-ctl: %s: %v\n", context, err)
		os.Exit(1)
	}
}

func runResolve(ctx context.Context, manager *mirror.Manager, args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	dir, err := manager.Resolve(ctx, mirror.ParseRepoUrl(args[0]))
	fatalOn(err, "resolving mirror")
	fmt.Println(dir.Path())
}

// parseSnapshot parses "ref=sha" pairs into a model.StateSnapshot.
func parseSnapshot(pairs []string) model.StateSnapshot {
	snapshot := make(model.StateSnapshot, len(pairs))
	for _, pair := range pairs {
		ref, sha, ok := strings.Cut(pair, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "ciremote-ctl: invalid ref=sha pair %q\n", pair)
			os.Exit(2)
		}
		snapshot[ref] = sha
	}
	return snapshot
}

func runFetch(ctx context.Context, manager *mirror.Manager, coordinator *fetch.Coordinator, args []string) {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	dir, err := manager.Resolve(ctx, mirror.ParseRepoUrl(args[0]))
	fatalOn(err, "resolving mirror")

	// EnsurePresent manages dir's inner read/write locks itself (a plain
	// presence check takes the read lock, an actual fetch escalates to the
	// write lock); wrapping it in another lock here would self-deadlock
	// the moment it needs to escalate.
	snapshot := parseSnapshot(args[1:])
	err = coordinator.EnsurePresent(ctx, dir, snapshot, true)
	fatalOn(err, "fetching")
	fmt.Println("ok")
}

func runCollectChanges(ctx context.Context, facade *gitcmd.Facade, manager *mirror.Manager, coordinator *fetch.Coordinator, args []string) {
	sepIdx := -1
	for i, a := range args {
		if a == "--" {
			sepIdx = i
			break
		}
	}
	if len(args) < 1 || sepIdx < 0 {
		usage()
		os.Exit(2)
	}

	url := args[0]
	from := parseSnapshot(args[1:sepIdx])
	to := parseSnapshot(args[sepIdx+1:])

	dir, err := manager.Resolve(ctx, mirror.ParseRepoUrl(url))
	fatalOn(err, "resolving mirror")

	collector := &changes.Collector{Facade: facade, Coordinator: coordinator, Manager: manager}
	result, err := collector.CollectChanges(ctx, dir, url, from, to, checkout.AllRules())
	fatalOn(err, "collecting changes")

	if result.Truncated {
		fmt.Fprintln(os.Stderr, "ciremote-ctl: result truncated at MaxCommits")
	}
	for _, record := range result.Records {
		fmt.Printf("%s %s\n", record.CommitSha[:12], strings.TrimSpace(record.Message))
		for _, fc := range record.FileChanges {
			fmt.Printf("  %-10s %s\n", fc.ChangeKind, fc.Path)
		}
	}
}

func runStatus(ctx context.Context, manager *mirror.Manager, rec *registry.Registry) {
	if err := manager.DiscoverAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ciremote-ctl: scanning base dir: %v\n", err)
	}

	errs := rec.View()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Mirror", "Path", "Last Used", "Last Error"})

	for _, dir := range manager.All() {
		lastErr := "-"
		if entry, ok := errs[dir.Hash()]; ok {
			lastErr = fmt.Sprintf("%s: %s", entry.Kind, entry.Message)
		}
		table.Append([]string{
			dir.Hash(),
			dir.Path(),
			dir.LastUsed().Format(time.RFC3339),
			lastErr,
		})
	}
	table.Render()
}
