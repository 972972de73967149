package api

import (
	"net/http"
	"strings"
	"time"
)

// EntryType tags an access log record with the phase that produced it.
type EntryType string

const (
	// EntryRequest records a request that was allowed and is being forwarded.
	EntryRequest EntryType = "Request"

	// EntryResponse records the response to a previously allowed request.
	EntryResponse EntryType = "Response"

	// EntryDenied records the terminal response of a request that was denied.
	EntryDenied EntryType = "Denied"
)

// LogRecord is the unit shipped to the audit sink: one entry plus the phase tag.
type LogRecord struct {
	Type  EntryType `json:"type"`
	Entry LogEntry  `json:"entry"`
}

// LogEntry accumulates metadata for one request/response exchange. It is
// owned by a single filter instance and populated in exactly two places:
// at decision time and at response time.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`

	// PodAddress is the address of the workload this proxy fronts.
	PodAddress string `json:"pod_address"`

	// Ingress is the connection direction relative to that workload.
	Ingress bool `json:"ingress"`

	SourceIdentity uint32 `json:"source_identity"`
	SourceAddress  string `json:"source_address"`

	DestinationIdentity uint32 `json:"destination_identity"`
	DestinationAddress  string `json:"destination_address"`
	DestinationPort     uint16 `json:"destination_port"`

	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers,omitempty"`

	// MatchedRule is filled in by the policy during evaluation.
	MatchedRule string `json:"matched_rule,omitempty"`

	Status          int               `json:"status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitzero"`
}

// InitFromRequest fills in the request-phase fields. It must be called
// exactly once, before UpdateFromResponse.
func (e *LogEntry) InitFromRequest(podAddress string, ingress bool, srcIdentity uint32, srcAddress string,
	dstIdentity uint32, dstAddress string, dstPort uint16, start time.Time, req *http.Request) {
	e.Timestamp = start
	e.PodAddress = podAddress
	e.Ingress = ingress
	e.SourceIdentity = srcIdentity
	e.SourceAddress = srcAddress
	e.DestinationIdentity = dstIdentity
	e.DestinationAddress = dstAddress
	e.DestinationPort = dstPort
	e.Method = req.Method
	e.Path = req.URL.Path
	e.Host = req.Host
	e.Headers = snapshotHeaders(req.Header)
}

// UpdateFromResponse attaches the response-phase fields.
func (e *LogEntry) UpdateFromResponse(status int, headers http.Header, now time.Time) {
	e.Status = status
	e.ResponseHeaders = snapshotHeaders(headers)
	e.CompletedAt = now
}

func snapshotHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, vs := range h {
		m[k] = strings.Join(vs, ",")
	}
	return m
}
