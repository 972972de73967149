package filter

import (
	"log/slog"
	"strings"

	"github.com/tkingovr/pod-guard/api"
	"github.com/tkingovr/pod-guard/internal/accesslog"
	"github.com/tkingovr/pod-guard/internal/metrics"
)

// DefaultDeniedBody is used when no denial body is configured.
const DefaultDeniedBody = "Access denied"

// AccessLogger is the subset of the access log client the filter needs.
type AccessLogger interface {
	Log(entry *api.LogEntry, typ api.EntryType)
	Close()
}

// Config is the per-deployment filter configuration, shared read-only by
// every request on the filter chain. Only the access log channel and the
// counters see concurrent mutation, and both are safe for it.
type Config struct {
	deniedBody string
	accessLog  AccessLogger
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewConfig builds the shared configuration. An empty denied body falls
// back to the default, and the body is normalized to end with one CRLF.
// An unreachable audit sink leaves access logging disabled; it never
// fails construction.
func NewConfig(accessLogPath, deniedBody string, m *metrics.Metrics, log *slog.Logger) *Config {
	if deniedBody == "" {
		deniedBody = DefaultDeniedBody
	}
	if !strings.HasSuffix(deniedBody, "\r\n") {
		deniedBody += "\r\n"
	}

	c := &Config{
		deniedBody: deniedBody,
		metrics:    m,
		log:        log,
	}
	if accessLogPath != "" {
		c.accessLog = accesslog.Open(accessLogPath, log, m.LogWritesFailed)
	}
	return c
}

// DeniedBody returns the normalized body for synthesized 403 replies.
func (c *Config) DeniedBody() string {
	return c.deniedBody
}

// Log emits one tagged record. No-op when audit logging is not configured.
func (c *Config) Log(entry *api.LogEntry, typ api.EntryType) {
	if c.accessLog != nil {
		c.accessLog.Log(entry, typ)
	}
}

// Close releases the audit channel. Idempotent.
func (c *Config) Close() {
	if c.accessLog != nil {
		c.accessLog.Close()
	}
}
