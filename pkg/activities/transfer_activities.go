package activities

import (
	"context"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/models"
)

const defaultBatchSize = 1000

// TransferParams contains the parameters needed for direct collection transfer
type TransferParams struct {
	SourceURI      string
	DestinationURI string
	SourceDB       string
	DestinationDB  string
	BatchSize      int
}

// DirectTransfer copies collections document by document over live
// connections to both deployments, without an intermediate dump.
type DirectTransfer struct {
	params TransferParams
	source *mongo.Client
	dest   *mongo.Client
}

func NewDirectTransfer(params TransferParams) *DirectTransfer {
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}

	return &DirectTransfer{params: params}
}

func (d *DirectTransfer) Name() string {
	return "direct transfer"
}

// Open connects to both deployments. ErrFallbackRequired is returned
// when this build has no driver support or a client cannot be created;
// an unreachable deployment is an ordinary error.
func (d *DirectTransfer) Open(ctx context.Context) error {
	if !driverAvailable {
		return errors.Wrap(ErrFallbackRequired, "binary built without MongoDB driver support")
	}

	log.Emit(logger.INFO, "Validating MongoDB connections\n")

	var err error
	if d.source, err = newClient(ctx, d.params.SourceURI); err != nil {
		return errors.Wrapf(ErrFallbackRequired, "source: %v", err)
	}
	if d.dest, err = newClient(ctx, d.params.DestinationURI); err != nil {
		return errors.Wrapf(ErrFallbackRequired, "destination: %v", err)
	}

	if err := pingMongoDB(ctx, d.source); err != nil {
		return errors.Wrap(err, "source")
	}
	if err := pingMongoDB(ctx, d.dest); err != nil {
		return errors.Wrap(err, "destination")
	}

	log.Emit(logger.SUCCESS, "Successfully validated MongoDB connections\n")
	return nil
}

func (d *DirectTransfer) Phases() []Phase {
	return []Phase{{Role: models.RoleCopy, Run: d.TransferCollection}}
}

// Close disconnects from both deployments.
func (d *DirectTransfer) Close(ctx context.Context) error {
	var firstErr error
	for label, client := range map[string]*mongo.Client{"source": d.source, "destination": d.dest} {
		if client == nil {
			continue
		}
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "error disconnecting from %s MongoDB", label)
		}
	}

	d.source, d.dest = nil, nil
	return firstErr
}

// CountDocuments counts a destination collection over the open connection.
func (d *DirectTransfer) CountDocuments(ctx context.Context, collection string) (int64, error) {
	if d.dest == nil {
		return 0, errors.New("destination is not connected")
	}

	return d.dest.Database(d.params.DestinationDB).Collection(collection).CountDocuments(ctx, bson.D{})
}

// TransferCollection replaces a destination collection with the
// contents of the source collection of the same name.
func (d *DirectTransfer) TransferCollection(ctx context.Context, collectionName string) (models.TransferResult, error) {
	res := models.TransferResult{Collection: collectionName, Role: models.RoleCopy}
	start := time.Now()

	log.Emit(logger.INFO, "Starting transfer of collection: %s\n", collectionName)

	sourceCollection := d.source.Database(d.params.SourceDB).Collection(collectionName)
	destCollection := d.dest.Database(d.params.DestinationDB).Collection(collectionName)

	if err := dropCollection(ctx, destCollection); err != nil {
		return failedResult(res, start, err)
	}

	count, err := sourceCollection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return failedResult(res, start, errors.Wrap(err, "failed to count documents"))
	}

	if err := d.copyIndexes(ctx, sourceCollection, destCollection); err != nil {
		return failedResult(res, start, err)
	}

	findOptions := options.Find().
		SetNoCursorTimeout(true).
		SetAllowDiskUse(true).
		SetBatchSize(int32(d.params.BatchSize))

	cursor, err := sourceCollection.Find(ctx, bson.D{}, findOptions)
	if err != nil {
		return failedResult(res, start, errors.Wrap(err, "failed to execute find"))
	}
	defer cursor.Close(ctx)

	stats, err := copyDocuments(ctx, cursor, destCollection, d.params.BatchSize, count, progressLogger(collectionName))
	res.Documents = stats.Inserted
	res.Failures = stats.Failures
	if err != nil {
		return failedResult(res, start, errors.Wrapf(err, "transfer of %s", collectionName))
	}

	if stats.Failures > 0 {
		log.Emit(logger.WARNING, "%s: %s documents rejected by the destination\n", collectionName, humanize.Comma(stats.Failures))
	}

	res.Success = true
	res.Elapsed = time.Since(start)
	log.Emit(logger.SUCCESS, "Collection transfer completed: %s, %s/%s documents (%.1f%%) in %s\n",
		collectionName, humanize.Comma(stats.Processed), humanize.Comma(count),
		progressPercent(stats.Processed, count), res.Elapsed.Round(time.Millisecond))

	return res, nil
}

func (d *DirectTransfer) copyIndexes(ctx context.Context, source, dest *mongo.Collection) error {
	indexes, err := getCollectionIndexes(ctx, source)
	if err != nil {
		return errors.Wrap(err, "failed to get source collection indexes")
	}
	if len(indexes) == 0 {
		return nil
	}

	if _, err := dest.Indexes().CreateMany(ctx, indexes); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	log.Emit(logger.INFO, "Created %d indexes for collection %s\n", len(indexes), dest.Name())
	return nil
}

// progressLogger logs every batch at debug level, and each new tenth of
// the collection at info level.
func progressLogger(collection string) func(copyProgress) {
	lastStep := -1.0
	return func(p copyProgress) {
		step := math.Floor(p.Percent / 10)
		status := logger.DEBUG
		if step > lastStep {
			status = logger.INFO
			lastStep = step
		}

		log.Emit(status, "Progress for %s: %s/%s documents (%.1f%%)\n",
			collection, humanize.Comma(p.Processed), humanize.Comma(p.Total), p.Percent)
	}
}
