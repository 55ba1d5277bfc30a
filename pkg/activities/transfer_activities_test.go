package activities

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/models"
)

func TestDirectTransferFallsBackWithoutDriver(t *testing.T) {
	prev := driverAvailable
	driverAvailable = false
	defer func() { driverAvailable = prev }()

	d := NewDirectTransfer(TransferParams{
		SourceURI:      "mongodb://remote:27017/streaming",
		DestinationURI: "mongodb://localhost:27017/streaming",
	})

	err := d.Open(context.Background())

	assert.True(t, errors.Is(err, ErrFallbackRequired))
	assert.NoError(t, d.Close(context.Background()))
}

func TestDirectTransferFallsBackWhenClientCannotBeCreated(t *testing.T) {
	d := NewDirectTransfer(TransferParams{
		SourceURI:      "postgres://remote:5432/streaming",
		DestinationURI: "mongodb://localhost:27017/streaming",
	})

	err := d.Open(context.Background())

	assert.True(t, errors.Is(err, ErrFallbackRequired), "got %v", err)
	assert.NoError(t, d.Close(context.Background()))
}

func TestDirectTransferDefaults(t *testing.T) {
	d := NewDirectTransfer(TransferParams{})

	assert.Equal(t, defaultBatchSize, d.params.BatchSize)
	assert.Equal(t, "direct transfer", d.Name())

	phases := d.Phases()
	require.Len(t, phases, 1)
	assert.Equal(t, models.RoleCopy, phases[0].Role)

	_, err := d.CountDocuments(context.Background(), "shows")
	assert.Error(t, err)
}

func TestProgressLoggerPromotesEachTenth(t *testing.T) {
	color.NoColor = true
	buf := &bytes.Buffer{}
	logger.Log.SetOutput(buf)
	defer logger.Log.SetOutput(color.Output)

	report := progressLogger("episodes")
	for processed := int64(100); processed <= 1000; processed += 50 {
		report(copyProgress{Processed: processed, Total: 1000, Percent: progressPercent(processed, 1000)})
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// Debug lines are filtered at the default level, leaving one per tenth.
	assert.Len(t, lines, 10)
	assert.Contains(t, lines[0], "Progress for episodes: 100/1,000 documents (10.0%)")
	assert.Contains(t, lines[len(lines)-1], "(100.0%)")
}
