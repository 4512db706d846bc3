package models

// InitializationStatus is the snapshot produced by the startup gate.
type InitializationStatus struct {
	IsInitialized    bool   `json:"isInitialized"`
	HasPermissions   bool   `json:"hasPermissions"`
	IsTrackingActive bool   `json:"isTrackingActive"`
	Error            string `json:"error,omitempty"`
}

// CanTrack reports whether a tracking session may be started.
func (s InitializationStatus) CanTrack() bool {
	return s.IsInitialized && s.HasPermissions
}

// StepUpdate is a push event from the native step counter. Steps is the
// cumulative count for the current day.
type StepUpdate struct {
	Steps     int      `json:"steps"`
	Calories  *float64 `json:"calories,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// StepTimestamp is one raw step event recorded by the native layer.
type StepTimestamp struct {
	Timestamp       int64 `json:"timestamp"`
	Steps           int   `json:"steps"`
	CumulativeSteps int   `json:"cumulativeSteps"`
}
