package models

import "time"

// Coordinate is one accepted point of a session path. Timestamp is epoch milliseconds.
type Coordinate struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Timestamp int64   `json:"timestamp"`
}

// StepSession is a single user-initiated tracking interval.
type StepSession struct {
	ID                   string       `json:"id"`
	StartTime            int64        `json:"startTime"`
	EndTime              *int64       `json:"endTime,omitempty"`
	Coordinates          []Coordinate `json:"coordinates"`
	Steps                int          `json:"steps"`
	SessionStartSteps    *int         `json:"sessionStartSteps,omitempty"`
	SessionStartCalories *float64     `json:"sessionStartCalories,omitempty"`
	Distance             *float64     `json:"distance,omitempty"` // kilometers
	Calories             *float64     `json:"calories,omitempty"`
}

// Finalized reports whether the session has been stopped.
func (s StepSession) Finalized() bool {
	return s.EndTime != nil
}

// Duration is the elapsed time of the session, measured to now while it is active.
func (s StepSession) Duration(now time.Time) time.Duration {
	end := Millis(now)
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end < s.StartTime {
		return 0
	}
	return time.Duration(end-s.StartTime) * time.Millisecond
}

// LastCoordinate returns the most recently appended coordinate, or nil.
func (s StepSession) LastCoordinate() *Coordinate {
	if len(s.Coordinates) == 0 {
		return nil
	}
	c := s.Coordinates[len(s.Coordinates)-1]
	return &c
}

// Clone returns a deep copy so callers never share the coordinate slice or
// optional fields with the owner of the session.
func (s StepSession) Clone() StepSession {
	out := s
	if s.Coordinates != nil {
		out.Coordinates = make([]Coordinate, len(s.Coordinates))
		copy(out.Coordinates, s.Coordinates)
	}
	out.EndTime = clonePtr(s.EndTime)
	out.SessionStartSteps = clonePtr(s.SessionStartSteps)
	out.SessionStartCalories = clonePtr(s.SessionStartCalories)
	out.Distance = clonePtr(s.Distance)
	out.Calories = clonePtr(s.Calories)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Fix is one raw GPS sample as delivered by the location layer.
type Fix struct {
	Lat       float64  `json:"latitude"`
	Lon       float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"` // meters
	Timestamp int64    `json:"timestamp"`
}

// Coordinate converts the fix into the path representation.
func (f Fix) Coordinate() Coordinate {
	return Coordinate{Lat: f.Lat, Lon: f.Lon, Timestamp: f.Timestamp}
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
