package accesslog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tkingovr/pod-guard/api"
)

// RecordSink receives collected access log records.
type RecordSink interface {
	Write(ctx context.Context, record *api.LogRecord) error
}

// Store is an append-only JSONL store for collected records with
// date-based rotation, a bounded in-memory window for queries and stats,
// and real-time subscriptions.
type Store struct {
	mu          sync.Mutex
	dir         string
	currentDate string
	file        *os.File
	writer      *bufio.Writer

	records []*api.LogRecord
	maxMem  int

	subMu   sync.RWMutex
	subs    map[int]chan *api.LogRecord
	nextSub int
}

// NewStore creates a store writing to the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating access log directory: %w", err)
	}
	return &Store{
		dir:    dir,
		maxMem: 10000,
		subs:   make(map[int]chan *api.LogRecord),
	}, nil
}

func (s *Store) Write(_ context.Context, record *api.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dateStr := record.Entry.Timestamp.Format("2006-01-02")
	if dateStr != s.currentDate {
		if err := s.rotate(dateStr); err != nil {
			return err
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling access log record: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	if len(s.records) >= s.maxMem {
		s.records = s.records[1:]
	}
	s.records = append(s.records, record)

	s.notifySubscribers(record)

	return nil
}

// Query retrieves records matching the filter from the in-memory window.
func (s *Store) Query(_ context.Context, filter api.QueryFilter) ([]*api.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*api.LogRecord
	for _, r := range s.records {
		if matchesFilter(r, filter) {
			results = append(results, r)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results, nil
}

// Stats returns aggregate statistics over the in-memory window.
func (s *Store) Stats(_ context.Context) (*api.LogStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &api.LogStats{
		ByPod:    make(map[string]int),
		ByMethod: make(map[string]int),
	}

	for _, r := range s.records {
		stats.Total++
		switch r.Type {
		case api.EntryRequest:
			stats.RequestCount++
		case api.EntryResponse:
			stats.ResponseCount++
		case api.EntryDenied:
			stats.DeniedCount++
		}
		if r.Entry.PodAddress != "" {
			stats.ByPod[r.Entry.PodAddress]++
		}
		if r.Entry.Method != "" {
			stats.ByMethod[r.Entry.Method]++
		}
	}

	return stats, nil
}

// Subscribe returns a channel receiving new records in real time. The
// returned function cancels the subscription.
func (s *Store) Subscribe(_ context.Context) (<-chan *api.LogRecord, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *api.LogRecord, 100)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
		close(ch)
	}

	return ch, cancel
}

// Close flushes buffers and closes the current file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		s.writer = nil
		return err
	}
	return nil
}

func (s *Store) rotate(dateStr string) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(s.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening access log file: %w", err)
	}

	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDate = dateStr
	return nil
}

func (s *Store) notifySubscribers(record *api.LogRecord) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- record:
		default:
			// Drop if subscriber is slow
		}
	}
}

func matchesFilter(r *api.LogRecord, f api.QueryFilter) bool {
	if !f.Since.IsZero() && r.Entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Entry.Timestamp.After(f.Until) {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.PodAddress != "" && r.Entry.PodAddress != f.PodAddress {
		return false
	}
	return true
}
