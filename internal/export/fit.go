// Package export writes finalized sessions as FIT activity files so they can
// be loaded into other training tools.
package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tormoder/fit"

	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/models"
)

var ErrNotFinalized = errors.New("export: session is still active")

// WriteFIT encodes s as a walking activity: one record per coordinate with the
// running distance, and a session summary. Steps are written as strides.
func WriteFIT(w io.Writer, s models.StepSession) error {
	if !s.Finalized() {
		return ErrNotFinalized
	}
	start := time.UnixMilli(s.StartTime).UTC()
	end := time.UnixMilli(*s.EndTime).UTC()

	h := fit.NewHeader(fit.V20, true)
	file, err := fit.NewFile(fit.FileTypeActivity, h)
	if err != nil {
		return fmt.Errorf("export: new FIT file: %w", err)
	}
	file.FileId.TimeCreated = end
	file.FileId.Manufacturer = fit.ManufacturerDevelopment

	activity, err := file.Activity()
	if err != nil {
		return fmt.Errorf("export: activity: %w", err)
	}

	var meters float64
	for i, c := range s.Coordinates {
		if i > 0 {
			meters += geo.DistanceKm(s.Coordinates[i-1], c) * 1000
		}
		rec := fit.NewRecordMsg()
		rec.Timestamp = time.UnixMilli(c.Timestamp).UTC()
		rec.PositionLat = fit.NewLatitudeDegrees(c.Lat)
		rec.PositionLong = fit.NewLongitudeDegrees(c.Lon)
		rec.Distance = uint32(meters * 100)
		activity.Records = append(activity.Records, rec)
	}

	distanceKm := geo.TotalDistanceKm(s.Coordinates)
	if s.Distance != nil {
		distanceKm = *s.Distance
	}
	elapsed := uint32(end.Sub(start) / time.Millisecond)

	sess := fit.NewSessionMsg()
	sess.Timestamp = end
	sess.StartTime = start
	sess.Sport = fit.SportWalking
	sess.TotalElapsedTime = elapsed
	sess.TotalTimerTime = elapsed
	sess.TotalDistance = uint32(distanceKm * 1000 * 100)
	sess.TotalCycles = uint32(s.Steps / 2)
	if s.Calories != nil {
		sess.TotalCalories = uint16(*s.Calories)
	}
	if first := firstCoordinate(s); first != nil {
		sess.StartPositionLat = fit.NewLatitudeDegrees(first.Lat)
		sess.StartPositionLong = fit.NewLongitudeDegrees(first.Lon)
	}
	activity.Sessions = append(activity.Sessions, sess)

	act := fit.NewActivityMsg()
	act.Timestamp = end
	act.TotalTimerTime = elapsed
	act.NumSessions = 1
	act.Type = fit.ActivityModeManual
	activity.Activity = act

	if err := fit.Encode(w, file, binary.LittleEndian); err != nil {
		return fmt.Errorf("export: encode session %s: %w", s.ID, err)
	}
	return nil
}

// WriteFile writes s to dir as <id>.fit and returns the path.
func WriteFile(dir string, s models.StepSession) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, s.ID+".fit")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := WriteFIT(f, s); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("export: close %s: %w", path, err)
	}
	return path, nil
}

func firstCoordinate(s models.StepSession) *models.Coordinate {
	if len(s.Coordinates) == 0 {
		return nil
	}
	return &s.Coordinates[0]
}
