// Package store is the PostgreSQL surface of the gateway: device
// registry reads, reachability upserts, the pluggable status write
// path, read-only browser queries, and the LISTEN/NOTIFY bridge.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/util"
)

// Device is one row of the device registry.
type Device struct {
	Address string `db:"address" json:"address"`
	Name    string `db:"name" json:"name"`
	Hidden  bool   `db:"hidden" json:"hidden"`
}

// Store wraps the shared database pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests and tools.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the pool is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListDevices returns the full device registry, hidden rows included.
// Callers decide what to do with hidden devices.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := s.db.SelectContext(ctx, &out,
		`SELECT address, name, hidden FROM devices ORDER BY address`)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_devices").Inc()
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return out, nil
}

// AddDevice inserts a device row, updating the name if the address is
// already registered.
func (s *Store) AddDevice(ctx context.Context, address, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (address, name, hidden)
		 VALUES ($1, $2, false)
		 ON CONFLICT (address) DO UPDATE SET name = EXCLUDED.name`,
		address, name)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("add_device").Inc()
		return fmt.Errorf("adding device %s: %w", address, err)
	}
	return nil
}

// UpsertCommStatus persists one reachability summary keyed by address.
// last_ping only moves forward on a successful probe.
func (s *Store) UpsertCommStatus(ctx context.Context, device, address string, pingAvg int, pingSuccess float64, lastOK bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comm_status (device, address, ping_avg, ping_success, last_ping, server_time)
		 VALUES ($1, $2, $3, $4, CASE WHEN $5 THEN now() END, now())
		 ON CONFLICT (address) DO UPDATE SET
		   device = EXCLUDED.device,
		   ping_avg = EXCLUDED.ping_avg,
		   ping_success = EXCLUDED.ping_success,
		   last_ping = CASE WHEN $5 THEN now() ELSE comm_status.last_ping END,
		   server_time = now()`,
		device, address, pingAvg, pingSuccess, lastOK)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("comm_upsert").Inc()
		return fmt.Errorf("upserting comm status for %s: %w", address, err)
	}
	return nil
}

// ListCommStatus returns every reachability summary row in address
// order. Devices never probed have no row.
func (s *Store) ListCommStatus(ctx context.Context) ([]status.CommEntry, error) {
	var rows []struct {
		Device      string  `db:"device"`
		Address     string  `db:"address"`
		PingAvg     int     `db:"ping_avg"`
		PingSuccess float64 `db:"ping_success"`
		LastPing    string  `db:"last_ping"`
		ServerTime  string  `db:"server_time"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT device, address, ping_avg, ping_success,
		        COALESCE(last_ping::text, '') AS last_ping,
		        COALESCE(server_time::text, '') AS server_time
		 FROM comm_status ORDER BY address`)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("comm_list").Inc()
		return nil, fmt.Errorf("listing comm status: %w", err)
	}

	out := make([]status.CommEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, status.CommEntry{
			Device:      r.Device,
			Address:     r.Address,
			PingAvg:     r.PingAvg,
			PingSuccess: r.PingSuccess,
			LastPing:    r.LastPing,
			ServerTime:  r.ServerTime,
		})
	}
	return out, nil
}

// FetchStatus returns the newest status row for (host, status_type).
// Used to resolve new_image notifications, whose payloads carry only
// the key.
func (s *Store) FetchStatus(ctx context.Context, host, statusType string) (status.Entry, error) {
	var row struct {
		Host    string `db:"host"`
		Source  string `db:"status_source"`
		Type    string `db:"status_type"`
		Value   string `db:"status_value"`
		SysTime string `db:"sys_time"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT host, status_source, status_type, status_value, sys_time::text AS sys_time
		 FROM status
		 WHERE host = $1 AND status_type = $2
		 ORDER BY sys_time DESC
		 LIMIT 1`,
		host, statusType)
	if errors.Is(err, sql.ErrNoRows) {
		return status.Entry{}, fmt.Errorf("status row %s/%s: %w", host, statusType, util.ErrNotFound)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("fetch_status").Inc()
		return status.Entry{}, fmt.Errorf("fetching status row %s/%s: %w", host, statusType, err)
	}
	return status.Entry{
		Host:    row.Host,
		Source:  row.Source,
		Type:    row.Type,
		Value:   row.Value,
		SysTime: row.SysTime,
	}, nil
}

// Query runs a browser-supplied read-only query and returns coerced
// row maps ready for JSON. The read-only guard runs first.
func (s *Store) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []map[string]interface{}{}
	for rows.Next() {
		m := map[string]interface{}{}
		if err := rows.MapScan(m); err != nil {
			metrics.StoreErrors.WithLabelValues("query").Inc()
			return nil, fmt.Errorf("scanning query row: %w", err)
		}
		out = append(out, coerceRow(m))
	}
	if err := rows.Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("reading query rows: %w", err)
	}
	return out, nil
}
