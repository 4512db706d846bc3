package parser

import (
	"bytes"
	"fmt"

	"github.com/tormoder/fit"
)

// FITParser reads the record messages of an activity file. Records without a
// valid position fix are skipped.
type FITParser struct{}

func (p *FITParser) ParseData(data []byte) (*Track, error) {
	fitFile, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode FIT file: %w", err)
	}

	activity, err := fitFile.Activity()
	if err != nil {
		return nil, fmt.Errorf("failed to get activity from FIT: %w", err)
	}

	track := &Track{}
	if len(activity.Sessions) > 0 {
		track.Name = activity.Sessions[0].Sport.String()
	}
	for _, rec := range activity.Records {
		if rec == nil || rec.PositionLat.Invalid() || rec.PositionLong.Invalid() {
			continue
		}
		track.Points = append(track.Points, TrackPoint{
			Lat:  rec.PositionLat.Degrees(),
			Lon:  rec.PositionLong.Degrees(),
			Time: rec.Timestamp,
		})
	}

	if len(track.Points) == 0 {
		return nil, ErrNoTrackData
	}
	return track, nil
}
