package activities

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type fakeInserter struct {
	mu    sync.Mutex
	calls [][]interface{}
	fail  func(call int, docs []interface{}) error
}

func (f *fakeInserter) InsertMany(_ context.Context, docs []interface{}, _ ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, docs)
	if f.fail != nil {
		if err := f.fail(len(f.calls), docs); err != nil {
			return nil, err
		}
	}

	ids := make([]interface{}, len(docs))
	return &mongo.InsertManyResult{InsertedIDs: ids}, nil
}

func (f *fakeInserter) inserted() []interface{} {
	var all []interface{}
	for _, call := range f.calls {
		all = append(all, call...)
	}
	return all
}

func episodes(t *testing.T, n int) []interface{} {
	t.Helper()

	docs := make([]interface{}, n)
	for i := range docs {
		docs[i] = bson.D{
			{Key: "_id", Value: i},
			{Key: "title", Value: fmt.Sprintf("Episode %d", i)},
			{Key: "rawMediaId", Value: nil},
		}
	}
	return docs
}

func cursorOver(t *testing.T, docs []interface{}) *mongo.Cursor {
	t.Helper()

	cursor, err := mongo.NewCursorFromDocuments(docs, nil, nil)
	require.NoError(t, err)
	return cursor
}

func TestCopyDocumentsBatching(t *testing.T) {
	tests := []struct {
		docs      int
		batchSize int
		inserts   int
	}{
		{docs: 0, batchSize: 1000, inserts: 0},
		{docs: 1, batchSize: 1000, inserts: 1},
		{docs: 999, batchSize: 1000, inserts: 1},
		{docs: 1000, batchSize: 1000, inserts: 1},
		{docs: 1001, batchSize: 1000, inserts: 2},
		{docs: 2500, batchSize: 1000, inserts: 3},
		{docs: 10, batchSize: 3, inserts: 4},
		{docs: 7, batchSize: 1, inserts: 7},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d docs in batches of %d", tt.docs, tt.batchSize), func(t *testing.T) {
			source := episodes(t, tt.docs)
			dest := &fakeInserter{}
			var reports []copyProgress

			stats, err := copyDocuments(context.Background(), cursorOver(t, source), dest, tt.batchSize, int64(tt.docs), func(p copyProgress) {
				reports = append(reports, p)
			})

			require.NoError(t, err)
			assert.Len(t, dest.calls, tt.inserts)
			assert.Equal(t, tt.inserts, stats.Batches)
			assert.Equal(t, int64(tt.docs), stats.Processed)
			assert.Equal(t, int64(tt.docs), stats.Inserted)
			assert.Zero(t, stats.Failures)
			for _, call := range dest.calls {
				assert.LessOrEqual(t, len(call), tt.batchSize)
			}

			require.Len(t, reports, tt.inserts)
			if tt.inserts > 0 {
				assert.Equal(t, 100.0, reports[len(reports)-1].Percent)
			}
		})
	}
}

func TestCopyDocumentsPreservesContent(t *testing.T) {
	source := episodes(t, 5)
	dest := &fakeInserter{}

	_, err := copyDocuments(context.Background(), cursorOver(t, source), dest, 2, 5, nil)
	require.NoError(t, err)

	inserted := dest.inserted()
	require.Len(t, inserted, len(source))
	for i, doc := range inserted {
		want, err := bson.Marshal(source[i])
		require.NoError(t, err)
		assert.Equal(t, bson.Raw(want), doc)
	}
}

func TestCopyDocumentsCountsRejectedDocuments(t *testing.T) {
	dest := &fakeInserter{fail: func(call int, docs []interface{}) error {
		if call != 2 {
			return nil
		}
		return mongo.BulkWriteException{
			WriteErrors: []mongo.BulkWriteError{
				{WriteError: mongo.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}},
			},
		}
	}}

	stats, err := copyDocuments(context.Background(), cursorOver(t, episodes(t, 9)), dest, 3, 9, nil)

	require.NoError(t, err)
	assert.Len(t, dest.calls, 3)
	assert.Equal(t, int64(9), stats.Processed)
	assert.Equal(t, int64(8), stats.Inserted)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestCopyDocumentsAbortsOnInsertError(t *testing.T) {
	boom := errors.New("connection reset")
	dest := &fakeInserter{fail: func(call int, _ []interface{}) error {
		if call == 2 {
			return boom
		}
		return nil
	}}

	stats, err := copyDocuments(context.Background(), cursorOver(t, episodes(t, 50)), dest, 5, 50, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int64(5), stats.Processed)
	assert.Less(t, len(dest.calls), 10)
}

func TestCopyDocumentsAbortsOnWriteConcernError(t *testing.T) {
	dest := &fakeInserter{fail: func(int, []interface{}) error {
		return mongo.BulkWriteException{
			WriteConcernError: &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"},
		}
	}}

	_, err := copyDocuments(context.Background(), cursorOver(t, episodes(t, 4)), dest, 2, 4, nil)

	require.Error(t, err)
	assert.Len(t, dest.calls, 1)
}

func TestCopyDocumentsReportsCursorError(t *testing.T) {
	cursor, err := mongo.NewCursorFromDocuments(episodes(t, 3), errors.New("cursor killed"), nil)
	require.NoError(t, err)
	dest := &fakeInserter{}

	_, err = copyDocuments(context.Background(), cursor, dest, 2, 3, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor killed")
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 100.0, progressPercent(0, 0))
	assert.Equal(t, 33.3, progressPercent(1, 3))
	assert.Equal(t, 66.6, progressPercent(2, 3))
	assert.Equal(t, 99.9, progressPercent(9999, 10000))
	assert.Equal(t, 100.0, progressPercent(3, 3))
	assert.Equal(t, 0.0, progressPercent(0, 10))
}

func TestIndexModel(t *testing.T) {
	unique := true
	ttl := int32(3600)

	_, ok := indexModel(indexSpec{Name: "_id_", Key: bson.D{{Key: "_id", Value: 1}}})
	assert.False(t, ok)

	model, ok := indexModel(indexSpec{
		Name:               "showId_1_number_1",
		Key:                bson.D{{Key: "showId", Value: 1}, {Key: "number", Value: 1}},
		Unique:             &unique,
		ExpireAfterSeconds: &ttl,
	})
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "showId", Value: 1}, {Key: "number", Value: 1}}, model.Keys)
	require.NotNil(t, model.Options)
	assert.Equal(t, "showId_1_number_1", *model.Options.Name)
	assert.True(t, *model.Options.Unique)
	assert.Equal(t, int32(3600), *model.Options.ExpireAfterSeconds)
	assert.Nil(t, model.Options.Sparse)
}

func TestIsNamespaceNotFound(t *testing.T) {
	assert.True(t, isNamespaceNotFound(mongo.CommandError{Code: 26, Name: "NamespaceNotFound"}))
	assert.True(t, isNamespaceNotFound(errors.Wrap(mongo.CommandError{Code: 26}, "drop")))
	assert.False(t, isNamespaceNotFound(mongo.CommandError{Code: 13, Name: "Unauthorized"}))
	assert.False(t, isNamespaceNotFound(errors.New("network error")))
}
