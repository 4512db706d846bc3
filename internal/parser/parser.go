// Package parser reads recorded tracks (GPX, TCX or FIT) into a flat list of
// timestamped positions. The replay device drives the simulated sensors from
// these tracks.
package parser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrNoTrackData = errors.New("parser: no track data found")

// TrackPoint is one recorded position. Time is zero when the source file
// carries no timestamps.
type TrackPoint struct {
	Lat  float64
	Lon  float64
	Time time.Time
}

type Track struct {
	Name   string
	Points []TrackPoint
}

// Timed reports whether every point carries a timestamp.
func (t Track) Timed() bool {
	for _, p := range t.Points {
		if p.Time.IsZero() {
			return false
		}
	}
	return len(t.Points) > 0
}

// Duration from the first to the last timestamped point.
func (t Track) Duration() time.Duration {
	if !t.Timed() {
		return 0
	}
	return t.Points[len(t.Points)-1].Time.Sub(t.Points[0].Time)
}

// Parser turns raw file content into a Track.
type Parser interface {
	ParseData(data []byte) (*Track, error)
}

func NewParser(fileType FileType) (Parser, error) {
	switch fileType {
	case FileTypeFIT:
		return &FITParser{}, nil
	case FileTypeTCX:
		return &TCXParser{}, nil
	case FileTypeGPX:
		return &GPXParser{}, nil
	default:
		return nil, fmt.Errorf("parser: unsupported file type: %s", fileType)
	}
}

// ParseFile picks a parser by extension, falling back to content sniffing.
func ParseFile(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parser: read %s: %w", path, err)
	}

	fileType := FileType(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	switch fileType {
	case FileTypeFIT, FileTypeTCX, FileTypeGPX:
	default:
		fileType = DetectFileTypeFromData(data)
	}

	p, err := NewParser(fileType)
	if err != nil {
		return nil, err
	}
	track, err := p.ParseData(data)
	if err != nil {
		return nil, fmt.Errorf("parser: %s: %w", filepath.Base(path), err)
	}
	if track.Name == "" {
		track.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return track, nil
}

// ParseData sniffs the content type and parses it.
func ParseData(data []byte) (*Track, error) {
	p, err := NewParser(DetectFileTypeFromData(data))
	if err != nil {
		return nil, err
	}
	return p.ParseData(data)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
