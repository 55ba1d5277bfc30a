package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/mouradhm/content-dbsync/pkg/config"
	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/models"
	"github.com/mouradhm/content-dbsync/pkg/orchestrator"
)

var version = "dev"

var log = logger.Get("DBSync")

type options struct {
	EnvFile string `long:"env-file" description:"Read settings from this .env or yaml file before the environment"`
	Verbose bool   `short:"v" long:"verbose" description:"Show debug output"`
	Version bool   `long:"version" description:"Print the version and exit"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()

	os.Exit(code)
}

// run executes one sync and returns the process exit code.
func run(ctx context.Context, args []string, out io.Writer) int {
	var opts options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	if opts.Version {
		fmt.Fprintf(out, "dbsync %s\n", version)
		return 0
	}
	if opts.Verbose {
		logger.Log.SetMinStatus(logger.DEBUG)
	}

	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		log.Emit(logger.FATAL, "%v\n", err)
		return 1
	}

	res, err := orchestrator.New(cfg, config.DefaultCollections()).Run(ctx)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			log.Emit(logger.FATAL, "Cannot start sync: %v\n", cfgErr)
			return 1
		}
	}

	printSummary(out, res)
	if err != nil || !res.Success {
		return 1
	}

	return 0
}

// printSummary prints a summary of the sync results
func printSummary(out io.Writer, res *models.SyncResult) {
	fmt.Fprintf(out, "\n=== Sync Summary (%s) ===\n", res.RunID)
	fmt.Fprintf(out, "Strategy: %s\n", res.Strategy)
	fmt.Fprintf(out, "Elapsed: %s\n", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Success: %v\n", res.Success)

	if n := res.Documents(models.RoleCopy); n > 0 {
		fmt.Fprintf(out, "Documents copied: %s\n", humanize.Comma(n))
	}

	fmt.Fprintln(out, "\nCollection details:")
	successCount := 0
	for _, result := range res.Results {
		status := "✓ Success"
		if !result.Success {
			status = "✗ Failed: " + result.Error
		} else {
			successCount++
		}

		detail := result.Elapsed.Round(time.Millisecond).String()
		if result.Role == models.RoleCopy {
			detail = fmt.Sprintf("%s documents, %s", humanize.Comma(result.Documents), detail)
			if result.Failures > 0 {
				detail += fmt.Sprintf(", %s rejected", humanize.Comma(result.Failures))
			}
		}
		fmt.Fprintf(out, "  - %s %s: %s, %s\n", result.Role, result.Collection, detail, status)
	}

	if len(res.Counts) > 0 {
		fmt.Fprintln(out, "\nDestination counts:")
		for _, collection := range config.DefaultCollections() {
			if count, ok := res.Counts[collection]; ok {
				fmt.Fprintf(out, "  - %s: %s\n", collection, humanize.Comma(count))
			}
		}
	}

	fmt.Fprintf(out, "\n%d out of %d tasks succeeded\n", successCount, len(res.Results))
}
