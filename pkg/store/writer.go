package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/util"
)

// StatusWriter persists accepted status updates. It extends the cache's
// write-through interface with a Close for daemon shutdown.
type StatusWriter interface {
	status.Writer
	Close() error
}

// RotationConfig bounds the log-only writer's file growth.
type RotationConfig struct {
	MaxSize    int64
	MaxBackups int
}

// LogWriter records would-be status upserts as JSON lines instead of
// writing the database. It is the default writer; the authoritative
// upsert path stays off until store_writes enables it. An empty path
// sends records to the process log.
type LogWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	enc      *json.Encoder
	rotation RotationConfig
}

type statusLogRecord struct {
	status.Entry
	LoggedAt string `json:"logged_at"`
}

// NewLogWriter opens (or creates) the status log at path. With an
// empty path the writer degrades to the process log and never touches
// the filesystem.
func NewLogWriter(path string, rotation RotationConfig) (*LogWriter, error) {
	w := &LogWriter{path: path, rotation: rotation}
	if path == "" {
		return w, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating status log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening status log: %w", err)
	}
	w.file = file
	w.enc = json.NewEncoder(file)
	return w, nil
}

// WriteStatus appends one record, rotating the file first when it has
// outgrown the limit.
func (w *LogWriter) WriteStatus(e status.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		util.WithComponent("statuslog").WithField("host", e.Host).
			Debugf("status upsert %s/%s=%q", e.Source, e.Type, e.Value)
		return nil
	}

	if w.rotation.MaxSize > 0 {
		if info, err := w.file.Stat(); err == nil && info.Size() >= w.rotation.MaxSize {
			if err := w.rotate(); err != nil {
				return fmt.Errorf("rotating status log: %w", err)
			}
		}
	}

	return w.enc.Encode(statusLogRecord{
		Entry:    e,
		LoggedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// Close closes the underlying file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *LogWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := w.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.enc = json.NewEncoder(file)

	if w.rotation.MaxBackups > 0 {
		w.pruneBackups()
	}
	return nil
}

func (w *LogWriter) pruneBackups() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil || len(matches) <= w.rotation.MaxBackups {
		return
	}
	// Rotated names embed their timestamp, so lexical order is age order.
	sort.Strings(matches)
	for _, path := range matches[:len(matches)-w.rotation.MaxBackups] {
		os.Remove(path)
	}
}

// PGWriter is the authoritative status upsert, enabled by the
// store_writes flag.
type PGWriter struct {
	store *Store
}

// NewPGWriter creates the database-backed status writer.
func NewPGWriter(s *Store) *PGWriter {
	return &PGWriter{store: s}
}

// WriteStatus upserts one status row keyed by (host, source, type).
func (w *PGWriter) WriteStatus(e status.Entry) error {
	_, err := w.store.db.Exec(
		`INSERT INTO status (host, status_source, status_type, status_value, sys_time)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (host, status_source, status_type)
		 DO UPDATE SET status_value = EXCLUDED.status_value, sys_time = now()`,
		e.Host, e.Source, e.Type, e.Value)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("status_upsert").Inc()
		return fmt.Errorf("upserting status %s/%s/%s: %w", e.Host, e.Source, e.Type, err)
	}
	return nil
}

// Close is a no-op; the shared pool is owned by the Store.
func (w *PGWriter) Close() error { return nil }
