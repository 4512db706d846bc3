package parser

import (
	"encoding/xml"
	"fmt"
)

// GPX represents the root element of a GPX file
type GPX struct {
	XMLName xml.Name   `xml:"gpx"`
	Tracks  []GPXTrack `xml:"trk"`
}

type GPXTrack struct {
	Name     string       `xml:"name"`
	Segments []GPXSegment `xml:"trkseg"`
}

type GPXSegment struct {
	Points []GPXPoint `xml:"trkpt"`
}

type GPXPoint struct {
	Lat       float64 `xml:"lat,attr"`
	Lon       float64 `xml:"lon,attr"`
	Elevation float64 `xml:"ele"`
	Time      string  `xml:"time"`
}

// GPXParser flattens every segment of every track, in file order.
type GPXParser struct{}

func (p *GPXParser) ParseData(data []byte) (*Track, error) {
	var gpx GPX
	if err := xml.Unmarshal(data, &gpx); err != nil {
		return nil, fmt.Errorf("decode GPX: %w", err)
	}

	track := &Track{}
	for _, trk := range gpx.Tracks {
		if track.Name == "" {
			track.Name = trk.Name
		}
		for _, seg := range trk.Segments {
			for _, pt := range seg.Points {
				track.Points = append(track.Points, TrackPoint{
					Lat:  pt.Lat,
					Lon:  pt.Lon,
					Time: parseTime(pt.Time),
				})
			}
		}
	}

	if len(track.Points) == 0 {
		return nil, ErrNoTrackData
	}
	return track, nil
}
