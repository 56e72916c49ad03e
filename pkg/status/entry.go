// Package status holds the canonical status model: translation of raw
// homebase datapoints into (host, source, type) entries, the
// process-wide dedupe cache, and the snapshots that seed newly
// connected browsers.
package status

// Event tags used on the browser stream. The first three match the
// database notification channels they mirror.
const (
	EventStatusChanges     = "status_changes"
	EventCommStatusChanges = "comm_status_changes"
	EventPerfStatsChanges  = "perf_stats_changes"
	EventTCLError          = "TCL_ERROR"
)

// Publisher receives events destined for every connected browser.
type Publisher interface {
	Publish(event string, data interface{})
}

// Writer receives accepted status updates originating from homebase
// links. Implementations either log a simulated upsert or write the
// row to the store.
type Writer interface {
	WriteStatus(e Entry) error
}

// Entry is the canonical status record derived from a datapoint or a
// database change row. Timestamps are carried as strings: values
// stamped by the gateway use RFC 3339, values from database rows pass
// through in whatever text form the trigger produced.
type Entry struct {
	Host    string `json:"host"`
	Source  string `json:"source"`
	Type    string `json:"type"`
	Value   string `json:"value"`
	SysTime string `json:"sys_time"`
}

// CommEntry is a device reachability summary row.
type CommEntry struct {
	Device      string  `json:"device"`
	Address     string  `json:"address"`
	PingAvg     int     `json:"ping_avg"`
	PingSuccess float64 `json:"ping_success"`
	LastPing    string  `json:"last_ping"`
	ServerTime  string  `json:"server_time"`
}

// PerfEntry is a derived performance row computed by the store.
type PerfEntry struct {
	Host        string  `json:"host"`
	StatusType  string  `json:"status_type"`
	Subject     string  `json:"subject"`
	System      string  `json:"system"`
	Protocol    string  `json:"protocol"`
	Variant     string  `json:"variant"`
	Trials      int     `json:"trials"`
	PctCorrect  float64 `json:"pct_correct"`
	PctComplete float64 `json:"pct_complete"`
	SysTime     string  `json:"sys_time"`
}
