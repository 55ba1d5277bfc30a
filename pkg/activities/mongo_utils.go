package activities

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/tomb.v2"
)

const namespaceNotFoundCode = 26

// newClient builds a client for the given URI. Server discovery happens
// in the background; nothing here waits on the network.
func newClient(ctx context.Context, uri string) (*mongo.Client, error) {
	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)

	clientOptions.SetMaxPoolSize(100)
	clientOptions.SetMinPoolSize(10)
	clientOptions.SetMaxConnIdleTime(30 * time.Second)
	clientOptions.SetRetryWrites(true)
	clientOptions.SetRetryReads(true)
	clientOptions.SetCompressors([]string{"snappy"})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MongoDB client")
	}

	return client, nil
}

// pingMongoDB verifies the deployment behind client is reachable.
func pingMongoDB(ctx context.Context, client *mongo.Client) error {
	if err := client.Ping(ctx, nil); err != nil {
		return errors.Wrap(err, "failed to ping MongoDB")
	}

	return nil
}

// dropCollection drops a collection. A collection that does not exist
// is not an error.
func dropCollection(ctx context.Context, collection *mongo.Collection) error {
	if err := collection.Drop(ctx); err != nil && !isNamespaceNotFound(err) {
		return errors.Wrapf(err, "failed to drop collection %s", collection.Name())
	}

	return nil
}

func isNamespaceNotFound(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == namespaceNotFoundCode
}

// indexSpec is a listIndexes entry. Keys are decoded into a bson.D so
// compound index key order survives.
type indexSpec struct {
	Name                    string   `bson:"name"`
	Key                     bson.D   `bson:"key"`
	Unique                  *bool    `bson:"unique,omitempty"`
	Sparse                  *bool    `bson:"sparse,omitempty"`
	ExpireAfterSeconds      *int32   `bson:"expireAfterSeconds,omitempty"`
	PartialFilterExpression bson.Raw `bson:"partialFilterExpression,omitempty"`
}

// getCollectionIndexes retrieves all secondary indexes from a collection
func getCollectionIndexes(ctx context.Context, collection *mongo.Collection) ([]mongo.IndexModel, error) {
	cursor, err := collection.Indexes().List(ctx)
	if isNamespaceNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list indexes")
	}
	defer cursor.Close(ctx)

	var indexes []mongo.IndexModel
	for cursor.Next(ctx) {
		var spec indexSpec
		if err := cursor.Decode(&spec); err != nil {
			return nil, errors.Wrap(err, "failed to decode index")
		}

		if model, ok := indexModel(spec); ok {
			indexes = append(indexes, model)
		}
	}

	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "cursor error")
	}

	return indexes, nil
}

// indexModel converts a listed index into a model that can recreate
// it. The _id index is created with the collection and is skipped.
func indexModel(spec indexSpec) (mongo.IndexModel, bool) {
	if spec.Name == "_id_" || len(spec.Key) == 0 {
		return mongo.IndexModel{}, false
	}

	opts := options.Index().SetName(spec.Name)
	if spec.Unique != nil {
		opts.SetUnique(*spec.Unique)
	}
	if spec.Sparse != nil {
		opts.SetSparse(*spec.Sparse)
	}
	if spec.ExpireAfterSeconds != nil {
		opts.SetExpireAfterSeconds(*spec.ExpireAfterSeconds)
	}
	if len(spec.PartialFilterExpression) > 0 {
		opts.SetPartialFilterExpression(spec.PartialFilterExpression)
	}

	return mongo.IndexModel{Keys: spec.Key, Options: opts}, true
}

// documentCursor is the part of *mongo.Cursor the copy needs.
type documentCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
}

// batchInserter is the part of *mongo.Collection the copy needs.
type batchInserter interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

// copyProgress is reported after every inserted batch.
type copyProgress struct {
	Processed int64
	Total     int64
	Percent   float64
}

// copyStats summarises a finished copy.
type copyStats struct {
	Processed int64
	Inserted  int64
	Failures  int64
	Batches   int
}

// progressPercent is processed/total as a percentage truncated to one
// decimal place. An empty collection is trivially complete.
func progressPercent(processed, total int64) float64 {
	if total <= 0 {
		return 100
	}

	return math.Trunc(float64(processed)*1000/float64(total)) / 10
}

// copyDocuments streams documents from the cursor into the destination
// in batches of batchSize, using unordered inserts. Decoding and
// inserting run in separate goroutines so the next batch is read while
// the previous one is written.
//
// Documents rejected individually by an unordered insert are counted as
// failures without stopping the copy; any other insert error aborts it.
func copyDocuments(
	ctx context.Context,
	cursor documentCursor,
	dest batchInserter,
	batchSize int,
	total int64,
	report func(copyProgress),
) (copyStats, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var stats copyStats
	t, tctx := tomb.WithContext(ctx)
	batches := make(chan []interface{}, 1)
	insertOptions := options.InsertMany().SetOrdered(false)

	// The inserter must be running before the reader can finish.
	t.Go(func() error {
		for batch := range batches {
			result, err := dest.InsertMany(tctx, batch, insertOptions)
			inserted, failed, err := insertOutcome(result, err, len(batch))
			if err != nil {
				return errors.Wrapf(err, "failed to insert batch %d", stats.Batches+1)
			}

			stats.Batches++
			stats.Processed += int64(len(batch))
			stats.Inserted += inserted
			stats.Failures += failed

			if report != nil {
				report(copyProgress{
					Processed: stats.Processed,
					Total:     total,
					Percent:   progressPercent(stats.Processed, total),
				})
			}
		}

		return nil
	})

	t.Go(func() error {
		defer close(batches)

		batch := make([]interface{}, 0, batchSize)
		flush := func() bool {
			select {
			case batches <- batch:
				batch = make([]interface{}, 0, batchSize)
				return true
			case <-t.Dying():
				return false
			}
		}

		for cursor.Next(tctx) {
			var document bson.Raw
			if err := cursor.Decode(&document); err != nil {
				return errors.Wrap(err, "failed to decode document")
			}

			batch = append(batch, document)
			if len(batch) >= batchSize && !flush() {
				return nil
			}
		}

		if err := cursor.Err(); err != nil {
			return errors.Wrap(err, "cursor error")
		}

		if len(batch) > 0 {
			flush()
		}

		return nil
	})

	err := t.Wait()
	return stats, err
}

// insertOutcome splits an unordered insert's result into inserted and
// rejected documents. Only per-document write errors are tolerated.
func insertOutcome(result *mongo.InsertManyResult, err error, attempted int) (int64, int64, error) {
	if err == nil {
		if result == nil {
			return int64(attempted), 0, nil
		}
		return int64(len(result.InsertedIDs)), 0, nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || bulkErr.WriteConcernError != nil || len(bulkErr.WriteErrors) == 0 {
		return 0, 0, err
	}

	failed := int64(len(bulkErr.WriteErrors))
	return int64(attempted) - failed, failed, nil
}
