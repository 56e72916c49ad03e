package status

import (
	"sort"
	"sync"
	"time"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/util"
)

type statusKey struct {
	host, source, typ string
}

type commKey struct {
	device, address string
}

type perfKey struct {
	host, statusType, subject, system, protocol, variant string
}

// Cache is the process-wide last-known-value store. It deduplicates
// homebase-originated updates, reconciles database change rows, and
// owns the three snapshot sets that seed new browser sessions. All
// broadcasts flow out through the Publisher; accepted homebase updates
// additionally flow to the Writer.
type Cache struct {
	mu     sync.RWMutex
	status map[statusKey]Entry
	comm   map[commKey]CommEntry
	perf   map[perfKey]PerfEntry

	pub    Publisher
	writer Writer
}

// NewCache creates an empty cache publishing through pub and writing
// accepted homebase updates through w.
func NewCache(pub Publisher, w Writer) *Cache {
	return &Cache{
		status: make(map[statusKey]Entry),
		comm:   make(map[commKey]CommEntry),
		perf:   make(map[perfKey]PerfEntry),
		pub:    pub,
		writer: w,
	}
}

// ApplyDatapoint records a translated datapoint from a homebase link.
// The value is normalized, compared against the cached value, and
// dropped if unchanged. Accepted updates are stamped, broadcast as a
// status_changes event, and written through the status writer.
// Returns true if the update was accepted.
func (c *Cache) ApplyDatapoint(host, source, typ, value string) bool {
	value = NormalizeValue(value)
	k := statusKey{host, source, typ}

	c.mu.Lock()
	if cur, ok := c.status[k]; ok && cur.Value == value {
		c.mu.Unlock()
		metrics.StatusDuplicates.Inc()
		return false
	}
	e := Entry{
		Host:    host,
		Source:  source,
		Type:    typ,
		Value:   value,
		SysTime: time.Now().UTC().Format(time.RFC3339),
	}
	c.status[k] = e
	c.mu.Unlock()

	metrics.StatusChanges.Inc()
	c.pub.Publish(EventStatusChanges, e)
	if err := c.writer.WriteStatus(e); err != nil {
		util.WithDevice(host).Warnf("status write failed for %s/%s: %v", source, typ, err)
	}
	return true
}

// ApplyRemote reconciles a status row that arrived over a database
// change channel. Rows are matched by (host, type) so a trigger row
// replaces the entry regardless of which source first populated it.
// Unchanged values are dropped, which makes notification replay
// idempotent. Returns true if the row changed the cache, in which
// case the caller broadcasts it.
func (c *Cache) ApplyRemote(e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := statusKey{e.Host, e.Source, e.Type}
	if cur, ok := c.status[k]; ok {
		if cur.Value == e.Value {
			return false
		}
		c.status[k] = e
		return true
	}

	// Source tags can drift between the trigger row and the datapoint
	// path; fall back to matching on host and type alone.
	for old, cur := range c.status {
		if old.host == e.Host && old.typ == e.Type {
			if cur.Value == e.Value {
				return false
			}
			delete(c.status, old)
			c.status[k] = e
			return true
		}
	}

	c.status[k] = e
	return true
}

// ApplyComm upserts a reachability summary row from the store.
func (c *Cache) ApplyComm(e CommEntry) {
	c.mu.Lock()
	c.comm[commKey{e.Device, e.Address}] = e
	c.mu.Unlock()
}

// ApplyPerf upserts a performance row from the store. Rows with zero
// trials are removed from the snapshot instead.
func (c *Cache) ApplyPerf(e PerfEntry) {
	k := perfKey{e.Host, e.StatusType, e.Subject, e.System, e.Protocol, e.Variant}
	c.mu.Lock()
	if e.Trials == 0 {
		delete(c.perf, k)
	} else {
		c.perf[k] = e
	}
	c.mu.Unlock()
}

// Value returns the cached value for a key, if present.
func (c *Cache) Value(host, source, typ string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.status[statusKey{host, source, typ}]
	return e.Value, ok
}

// EntriesByType returns every cached entry with the given source and
// type, one per host.
func (c *Cache) EntriesByType(source, typ string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for k, e := range c.status {
		if k.source == source && k.typ == typ {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// StatusSnapshot returns the full status set in stable order.
func (c *Cache) StatusSnapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.status))
	for _, e := range c.status {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Type < b.Type
	})
	return out
}

// CommSnapshot returns the reachability summary set in stable order.
func (c *Cache) CommSnapshot() []CommEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CommEntry, 0, len(c.comm))
	for _, e := range c.comm {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// PerfSnapshot returns the performance set in stable order.
func (c *Cache) PerfSnapshot() []PerfEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PerfEntry, 0, len(c.perf))
	for _, e := range c.perf {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.System != b.System {
			return a.System < b.System
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.Variant < b.Variant
	})
	return out
}
