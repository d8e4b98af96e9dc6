package registry

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Socket is the transport handle owned by a registry entry. The registry
// is the sole owner once a connection is registered; no other component
// should hold a long-lived reference.
type Socket interface {

	// Send enqueues a text frame for delivery to the peer.
	Send(data []byte) error

	// Ping sends a transport-level keepalive, fire and forget.
	Ping() error

	// Open reports whether the transport is still usable.
	Open() bool

	// Close shuts the transport. Must be safe to call more than once.
	Close() error
}

// Client is one admitted connection.
type Client struct {

	// ID is the connection ID, normally the ticket's connection ID
	ID string

	// UserID is the resolved owner, the routing address for notifications
	UserID int64

	// Socket is the live transport handle
	Socket Socket

	ConnectedAt time.Time

	UserAgent string

	RemoteAddr string

	stats *stats
}

// stats represents traffic statistics for a connection
type stats struct {
	tx *frames

	rx *frames
}

// frames represents statistics on frames sent over a connection
type frames struct {
	last time.Time

	size *welford.Stats

	ns *welford.Stats

	mu *sync.RWMutex
}

// RxTx represents statistics for both receive and transmit
type RxTx struct {
	Tx ReportStats `json:"tx"`
	Rx ReportStats `json:"rx"`
}

// ReportStats represents statistics about what has been sent/received
type ReportStats struct {
	Last string `json:"last"` //how many seconds ago...

	Size float64 `json:"size"`

	Fps float64 `json:"fps"`
}

// ClientReport represents information about a client's connection and statistics
type ClientReport struct {
	ConnectionID string `json:"connectionId"`

	UserID int64 `json:"userId"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Stats RxTx `json:"stats"`
}

func newStats() *stats {
	return &stats{
		tx: &frames{size: welford.New(), ns: welford.New(), mu: &sync.RWMutex{}},
		rx: &frames{size: welford.New(), ns: welford.New(), mu: &sync.RWMutex{}},
	}
}

// record adds a frame of n bytes to the series
func (f *frames) record(connectedAt time.Time, n int) {
	f.mu.Lock()
	t := time.Now()
	if f.ns.Count() > 0 {
		f.ns.Add(float64(t.UnixNano() - f.last.UnixNano()))
	} else {
		f.ns.Add(float64(t.UnixNano() - connectedAt.UnixNano()))
	}
	f.last = t
	f.size.Add(float64(n))
	f.mu.Unlock()
}

// report summarises the series for external consumption
func (f *frames) report() ReportStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r := ReportStats{Last: "Never"}

	if f.size.Count() > 0 {
		r.Last = time.Since(f.last).String()
		r.Size = f.size.Mean()
	}

	if f.ns.Count() > 0 && f.ns.Mean() > 0 {
		r.Fps = 1e9 / f.ns.Mean()
	}

	return r
}
