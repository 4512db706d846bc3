package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/parser"
)

func walk() models.StepSession {
	start := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	coords := []models.Coordinate{
		{Lat: 46.0000, Lon: 7.0, Timestamp: models.Millis(start.Add(5 * time.Second))},
		{Lat: 46.0010, Lon: 7.0, Timestamp: models.Millis(start.Add(65 * time.Second))},
		{Lat: 46.0020, Lon: 7.0, Timestamp: models.Millis(start.Add(125 * time.Second))},
	}
	end := models.Millis(start.Add(10 * time.Minute))
	distance := geo.TotalDistanceKm(coords)
	calories := 12.0
	return models.StepSession{
		ID:          "01J0WALK",
		StartTime:   models.Millis(start),
		EndTime:     &end,
		Coordinates: coords,
		Steps:       300,
		Distance:    &distance,
		Calories:    &calories,
	}
}

func TestWriteFIT_DecodesBack(t *testing.T) {
	s := walk()
	var buf bytes.Buffer
	require.NoError(t, WriteFIT(&buf, s))

	decoded, err := fit.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	activity, err := decoded.Activity()
	require.NoError(t, err)

	require.Len(t, activity.Records, 3)
	assert.InDelta(t, 46.001, activity.Records[1].PositionLat.Degrees(), 1e-5)
	assert.Equal(t, time.UnixMilli(s.Coordinates[2].Timestamp).UTC(), activity.Records[2].Timestamp.UTC())

	require.Len(t, activity.Sessions, 1)
	sess := activity.Sessions[0]
	assert.Equal(t, fit.SportWalking, sess.Sport)
	assert.Equal(t, uint32(150), sess.TotalCycles)
	assert.Equal(t, uint16(12), sess.TotalCalories)
	assert.Equal(t, uint32(10*60*1000), sess.TotalElapsedTime)
	assert.InDelta(t, *s.Distance*1000*100, float64(sess.TotalDistance), 1)
}

func TestWriteFIT_ReadableAsReplayTrack(t *testing.T) {
	s := walk()
	var buf bytes.Buffer
	require.NoError(t, WriteFIT(&buf, s))

	assert.Equal(t, parser.FileTypeFIT, parser.DetectFileTypeFromData(buf.Bytes()))
	track, err := parser.ParseData(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, track.Points, 3)
	assert.InDelta(t, 46.002, track.Points[2].Lat, 1e-5)
	assert.InDelta(t, 7.0, track.Points[2].Lon, 1e-5)
	assert.True(t, track.Timed())
	assert.Equal(t, 2*time.Minute, track.Duration())
}

func TestWriteFIT_RejectsActiveSession(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFIT(&buf, models.StepSession{ID: "live", StartTime: 1})
	assert.ErrorIs(t, err, ErrNotFinalized)
	assert.Zero(t, buf.Len())
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	path, err := WriteFile(dir, walk())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "01J0WALK.fit"), path)

	track, err := parser.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, track.Points, 3)
}
