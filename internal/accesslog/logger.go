package accesslog

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkingovr/pod-guard/api"
)

// Logger ships tagged log records to an external audit sink over a unix
// domain socket. Delivery is best effort: the logger degrades to a no-op
// when the sink is unreachable and swallows write failures, so it can
// never affect the allow/deny decision or the request path.
type Logger struct {
	mu       sync.Mutex
	conn     net.Conn
	log      *slog.Logger
	failures prometheus.Counter
}

// Open connects to the audit sink at path. On failure it logs a warning
// and returns a disabled logger; construction of the owning filter config
// must still succeed.
func Open(path string, log *slog.Logger, failures prometheus.Counter) *Logger {
	l := &Logger{log: log, failures: failures}
	conn, err := net.Dial("unix", path)
	if err != nil {
		log.Warn("cannot open access log socket", "path", path, "error", err)
		return l
	}
	l.conn = conn
	return l
}

// Enabled reports whether the logger has a live channel to the sink.
func (l *Logger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Log serializes one record and writes it to the sink. No-op when
// disabled; write failures are counted and swallowed.
func (l *Logger) Log(entry *api.LogEntry, typ api.EntryType) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}

	data, err := json.Marshal(api.LogRecord{Type: typ, Entry: *entry})
	if err != nil {
		l.log.Warn("marshaling access log record", "error", err)
		l.countFailure()
		return
	}
	data = append(data, '\n')

	if _, err := l.conn.Write(data); err != nil {
		l.log.Warn("access log write failed", "error", err)
		l.countFailure()
	}
}

// Close releases the channel. Idempotent.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func (l *Logger) countFailure() {
	if l.failures != nil {
		l.failures.Inc()
	}
}
