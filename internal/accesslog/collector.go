package accesslog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/tkingovr/pod-guard/api"
)

// Collector listens on a unix domain socket for Logger connections and
// feeds each received record to a sink.
type Collector struct {
	listener net.Listener
	sink     RecordSink
	log      *slog.Logger
	wg       sync.WaitGroup
}

// Maximum size of a single serialized record. Header snapshots are the
// only unbounded part of an entry, so this is generous.
const maxRecordSize = 1 << 20

// NewCollector binds the collector socket. A stale socket file from a
// previous run is removed first.
func NewCollector(path string, sink RecordSink, log *slog.Logger) (*Collector, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding access log socket %q: %w", path, err)
	}
	return &Collector{listener: ln, sink: sink, log: log}, nil
}

// Serve accepts logger connections until the context is canceled or the
// listener is closed.
func (c *Collector) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			c.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting access log connection: %w", err)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(ctx, conn)
		}()
	}
}

// Close shuts the listener down.
func (c *Collector) Close() error {
	return c.listener.Close()
}

func (c *Collector) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	for scanner.Scan() {
		var record api.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			c.log.Warn("dropping malformed access log record", "error", err)
			continue
		}
		if err := c.sink.Write(ctx, &record); err != nil {
			c.log.Warn("writing access log record", "error", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("access log connection closed", "error", err)
	}
}
