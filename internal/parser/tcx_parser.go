package parser

import (
	"encoding/xml"
	"fmt"
)

type TCXTrainingCenterDatabase struct {
	Activities TCXActivities `xml:"Activities"`
}

type TCXActivities struct {
	Activity []TCXActivity `xml:"Activity"`
}

type TCXActivity struct {
	Sport string   `xml:"Sport,attr"`
	ID    string   `xml:"Id"`
	Laps  []TCXLap `xml:"Lap"`
}

type TCXLap struct {
	StartTime string   `xml:"StartTime,attr"`
	Track     TCXTrack `xml:"Track"`
}

type TCXTrack struct {
	Trackpoints []TCXTrackpoint `xml:"Trackpoint"`
}

type TCXTrackpoint struct {
	Time     string       `xml:"Time"`
	Position *TCXPosition `xml:"Position"`
}

type TCXPosition struct {
	LatitudeDegrees  float64 `xml:"LatitudeDegrees"`
	LongitudeDegrees float64 `xml:"LongitudeDegrees"`
}

// TCXParser reads the trackpoints of the first activity. Trackpoints without
// a position (indoor laps, pauses) are skipped.
type TCXParser struct{}

func (p *TCXParser) ParseData(data []byte) (*Track, error) {
	var tcx TCXTrainingCenterDatabase
	if err := xml.Unmarshal(data, &tcx); err != nil {
		return nil, fmt.Errorf("decode TCX: %w", err)
	}
	if len(tcx.Activities.Activity) == 0 {
		return nil, ErrNoTrackData
	}

	activity := tcx.Activities.Activity[0]
	track := &Track{Name: mapTCXSportType(activity.Sport)}
	for _, lap := range activity.Laps {
		for _, tp := range lap.Track.Trackpoints {
			if tp.Position == nil {
				continue
			}
			track.Points = append(track.Points, TrackPoint{
				Lat:  tp.Position.LatitudeDegrees,
				Lon:  tp.Position.LongitudeDegrees,
				Time: parseTime(tp.Time),
			})
		}
	}

	if len(track.Points) == 0 {
		return nil, ErrNoTrackData
	}
	return track, nil
}

func mapTCXSportType(sport string) string {
	switch sport {
	case "Running":
		return "running"
	case "Biking":
		return "cycling"
	case "Walking":
		return "walking"
	default:
		return "other"
	}
}
