package api

import "time"

// QueryFilter defines criteria for querying collected access log records.
type QueryFilter struct {
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	Type       EntryType `json:"type,omitempty"`
	PodAddress string    `json:"pod_address,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// LogStats provides summary statistics over collected records.
type LogStats struct {
	Total         int            `json:"total"`
	RequestCount  int            `json:"request_count"`
	ResponseCount int            `json:"response_count"`
	DeniedCount   int            `json:"denied_count"`
	ByPod         map[string]int `json:"by_pod"`
	ByMethod      map[string]int `json:"by_method"`
}
