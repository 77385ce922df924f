package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic/internal/inference"
	"mosaic/internal/pipeline"
	"mosaic/internal/view"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "mosaic.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Migrate(context.Background()))
}

func TestSaveAndListStreams(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveStream(ctx, &StreamRecord{
		ID: uuid.NewString(), Name: "traffic", UnitType: "pipelined", Description: "cars", Tiles: []int{0},
	}))
	require.NoError(t, db.SaveStream(ctx, &StreamRecord{
		ID: uuid.NewString(), Name: "birds", UnitType: "detection", Tiles: []int{1, 2},
	}))

	streams, err := db.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "birds", streams[0].Name)
	assert.Equal(t, []int{1, 2}, streams[0].Tiles)
	assert.Equal(t, "traffic", streams[1].Name)
	assert.Equal(t, "cars", streams[1].Description)
}

func TestSaveStreamReplacesStaleRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	oldID := uuid.NewString()
	require.NoError(t, db.SaveStream(ctx, &StreamRecord{ID: oldID, Name: "traffic", UnitType: "detection", Tiles: []int{0}}))
	require.NoError(t, db.SaveStats(ctx, []pipeline.Stats{{StreamID: oldID, Stream: "traffic", Frames: 3}}))

	newID := uuid.NewString()
	require.NoError(t, db.SaveStream(ctx, &StreamRecord{ID: newID, Name: "traffic", UnitType: "pipelined", Tiles: []int{0}}))

	streams, err := db.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, newID, streams[0].ID)
	assert.Equal(t, "pipelined", streams[0].UnitType)

	stats, err := db.ListStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestViewEventsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tiled := view.State{Mode: view.ModeTiled, Stream: view.NoStream}
	full := view.State{Mode: view.ModeFullscreen, Stream: 2}

	first, err := db.RecordViewChange(ctx, tiled, full)
	require.NoError(t, err)
	second, err := db.RecordViewChange(ctx, full, tiled)
	require.NoError(t, err)

	events, err := db.ListViewEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, second, events[0].ID)
	assert.Equal(t, full, events[0].From)
	assert.Equal(t, tiled, events[0].To)
	assert.Equal(t, first, events[1].ID)

	events, err = db.ListViewEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSaveStatsUpserts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, db.SaveStream(ctx, &StreamRecord{ID: id, Name: "people", UnitType: "detection", Tiles: []int{3}}))

	require.NoError(t, db.SaveStats(ctx, []pipeline.Stats{{StreamID: id, Stream: "people", Frames: 10, Admitted: 4, Skipped: 6}}))
	require.NoError(t, db.SaveStats(ctx, []pipeline.Stats{{
		StreamID: id, Stream: "people", Frames: 20, Admitted: 12, Skipped: 8, Inferences: 12,
		LastInferenceMs: 4.5, AvgInferenceMs: 5,
	}}))

	stats, err := db.ListStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, id, s.StreamID)
	assert.Equal(t, "people", s.Stream)
	assert.Equal(t, inference.TypeDetection, s.Unit)
	assert.Equal(t, uint64(20), s.Frames)
	assert.Equal(t, uint64(12), s.Admitted)
	assert.Equal(t, uint64(8), s.Skipped)
	assert.Equal(t, uint64(12), s.Inferences)
	assert.InDelta(t, 4.5, s.LastInferenceMs, 1e-9)
	assert.False(t, s.UpdatedAt.IsZero())
}

func TestSaveStatsUnknownStreamFails(t *testing.T) {
	db := newTestDB(t)
	err := db.SaveStats(context.Background(), []pipeline.Stats{{StreamID: "missing", Stream: "ghost"}})
	assert.Error(t, err)
}
