package activities

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/models"
	"github.com/mouradhm/content-dbsync/pkg/runner"
)

const DefaultCommandTimeout = 15 * time.Minute

// DumpRestoreParams contains what the dump/restore path needs to move
// collections through a local working directory.
type DumpRestoreParams struct {
	SourceURI       string
	DestinationURI  string
	SourceDB        string
	DestinationDB   string
	Dir             string
	Timeout         time.Duration
	MongodumpBin    string
	MongorestoreBin string
}

// DumpRestore exports each collection with mongodump, then imports it
// with mongorestore, dropping whatever the destination held before.
// One tool invocation is made per collection.
type DumpRestore struct {
	params DumpRestoreParams
	runner CommandRunner
}

func NewDumpRestore(params DumpRestoreParams, r CommandRunner) *DumpRestore {
	if params.MongodumpBin == "" {
		params.MongodumpBin = "mongodump"
	}
	if params.MongorestoreBin == "" {
		params.MongorestoreBin = "mongorestore"
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultCommandTimeout
	}

	return &DumpRestore{params: params, runner: r}
}

func (d *DumpRestore) Name() string {
	return "dump/restore"
}

// Open provisions an empty working directory. It must succeed before
// any export starts.
func (d *DumpRestore) Open(ctx context.Context) error {
	if err := os.RemoveAll(d.params.Dir); err != nil {
		return errors.Wrapf(err, "failed to empty working directory %s", d.params.Dir)
	}
	if err := os.MkdirAll(d.params.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create working directory %s", d.params.Dir)
	}

	log.Emit(logger.NEW, "Created working directory %s\n", d.params.Dir)
	return nil
}

func (d *DumpRestore) Phases() []Phase {
	return []Phase{
		{Role: models.RoleExport, Run: d.Export},
		{Role: models.RoleImport, Run: d.Import},
	}
}

// Close removes the working directory and everything exported into it.
func (d *DumpRestore) Close(ctx context.Context) error {
	if err := os.RemoveAll(d.params.Dir); err != nil {
		return errors.Wrapf(err, "failed to remove working directory %s", d.params.Dir)
	}

	log.Emit(logger.REMOVE, "Removed working directory %s\n", d.params.Dir)
	return nil
}

// ExportCommand builds the mongodump invocation for one collection.
func (d *DumpRestore) ExportCommand(collection string) runner.Command {
	return runner.Command{
		Path: d.params.MongodumpBin,
		Args: []string{
			"--uri=" + d.params.SourceURI,
			"--collection=" + collection,
			"--out=" + d.params.Dir,
		},
	}
}

// ImportCommand builds the mongorestore invocation for one collection.
func (d *DumpRestore) ImportCommand(collection string) runner.Command {
	return runner.Command{
		Path: d.params.MongorestoreBin,
		Args: []string{
			"--uri=" + d.params.DestinationURI,
			"--db=" + d.params.DestinationDB,
			"--collection=" + collection,
			"--drop",
			d.DumpPath(collection),
		},
	}
}

// DumpPath is where mongodump leaves the given collection's data.
func (d *DumpRestore) DumpPath(collection string) string {
	return filepath.Join(d.params.Dir, d.params.SourceDB, collection+".bson")
}

// Export dumps a single collection from the source deployment.
func (d *DumpRestore) Export(ctx context.Context, collection string) (models.TransferResult, error) {
	return d.run(ctx, models.RoleExport, collection, d.ExportCommand(collection))
}

// Import restores a single collection into the destination deployment.
// A collection that was never dumped fails like any other tool error.
func (d *DumpRestore) Import(ctx context.Context, collection string) (models.TransferResult, error) {
	return d.run(ctx, models.RoleImport, collection, d.ImportCommand(collection))
}

func (d *DumpRestore) run(ctx context.Context, role models.Role, collection string, cmd runner.Command) (models.TransferResult, error) {
	res := models.TransferResult{Collection: collection, Role: role}
	start := time.Now()

	log.Emit(logger.INFO, "Starting %s of %s\n", role, collection)
	out, err := d.runner.Run(ctx, cmd, d.params.Timeout)
	if err != nil {
		log.Emit(logger.ERROR, "%s of %s failed: %v\n", role, collection, err)
		return failedResult(res, start, errors.Wrapf(err, "%s of %s", role, collection))
	}

	res.Success = true
	res.Elapsed = out.Elapsed
	log.Emit(logger.SUCCESS, "Finished %s of %s in %s\n", role, collection, out.Elapsed.Round(time.Millisecond))
	return res, nil
}
