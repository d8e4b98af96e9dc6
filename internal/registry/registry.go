// Package registry tracks the websocket connections currently admitted to
// the relay and routes outbound messages to them. It is the only shared
// mutable state in the relay, so all access goes through the mutex here.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "notify_relay_connections",
	Help: "Number of websocket connections currently registered.",
})

// Registry is the in-memory table of live connections. Entries are keyed
// by connection ID, with a secondary index by user ID so that one user's
// simultaneous connections (multi-device) can all be reached.
type Registry struct {
	mu *sync.RWMutex

	// clients maps connection ID to the registered client
	clients map[string]*Client

	// byUser maps user ID to the set of that user's connection IDs
	byUser map[int64]map[string]bool
}

// New returns a pointer to an initialised Registry
func New() *Registry {
	return &Registry{
		mu:      &sync.RWMutex{},
		clients: make(map[string]*Client),
		byUser:  make(map[int64]map[string]bool),
	}
}

// Add registers a client and returns its connection ID. A client arriving
// without an ID gets a fresh UUID. The registry owns the socket from here
// on: removing the entry closes it.
func (r *Registry) Add(c *Client) string {

	if c.ID == "" {
		// no practical need to check uniqueness with uuid
		c.ID = uuid.New().String()
	}

	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now()
	}

	c.stats = newStats()

	r.mu.Lock()

	if old, ok := r.clients[c.ID]; ok {
		// last writer wins; the displaced socket must not leak
		r.deleteLocked(old)
		defer old.Socket.Close()
	}

	r.clients[c.ID] = c

	if _, ok := r.byUser[c.UserID]; !ok {
		r.byUser[c.UserID] = make(map[string]bool)
	}
	r.byUser[c.UserID][c.ID] = true

	connectionsGauge.Inc()

	r.mu.Unlock()

	log.WithFields(log.Fields{"connection_id": c.ID, "user_id": c.UserID}).Debug("client registered")

	return c.ID
}

// deleteLocked removes c from both maps. Callers hold the write lock.
func (r *Registry) deleteLocked(c *Client) {

	delete(r.clients, c.ID)

	if ids, ok := r.byUser[c.UserID]; ok {
		delete(ids, c.ID)
		if len(ids) == 0 {
			delete(r.byUser, c.UserID)
		}
	}

	connectionsGauge.Dec()
}

// Remove evicts the entry for connectionID and closes its socket.
// Removing an absent ID is a no-op.
func (r *Registry) Remove(connectionID string) {

	r.mu.Lock()

	c, ok := r.clients[connectionID]

	if ok {
		r.deleteLocked(c)
	}

	r.mu.Unlock()

	if !ok {
		return
	}

	// close outside the lock; the socket's close path may re-enter Remove
	if err := c.Socket.Close(); err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Debug("socket close on remove")
	}

	log.WithFields(log.Fields{"connection_id": connectionID, "user_id": c.UserID}).Debug("client removed")
}

// SendTo writes data to the connection with connectionID. A missing entry
// is a no-op; a transport failure evicts the entry.
func (r *Registry) SendTo(connectionID string, data []byte) {

	r.mu.RLock()
	c, ok := r.clients[connectionID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	if err := c.Socket.Send(data); err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Info("send failed, evicting client")
		r.Remove(connectionID)
		return
	}

	c.stats.tx.record(c.ConnectedAt, len(data))
}

// SendToUser fans data out to every live connection owned by userID,
// returning the number of connections attempted. A user with no live
// connections gets zero; that is not an error (fire and forget).
func (r *Registry) SendToUser(userID int64, data []byte) int {

	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.SendTo(id, data)
	}

	return len(ids)
}

// Broadcast writes data to every registered connection. A failure on one
// socket must not prevent delivery to the rest.
func (r *Registry) Broadcast(data []byte) {

	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.SendTo(id, data)
	}
}

// Reap sweeps the registry once: entries whose transport is no longer open
// are evicted without a ping; the rest get a transport-level keepalive,
// with a ping failure treated as dead. Pings are not awaited for a pong.
func (r *Registry) Reap() {

	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {

		if !c.Socket.Open() {
			log.WithFields(log.Fields{"connection_id": c.ID, "user_id": c.UserID}).Debug("reaping dead connection")
			r.Remove(c.ID)
			continue
		}

		if err := c.Socket.Ping(); err != nil {
			log.WithFields(log.Fields{"connection_id": c.ID, "error": err.Error()}).Debug("reaping unpingable connection")
			r.Remove(c.ID)
		}
	}
}

// RecordInbound adds an inbound frame of n bytes to the connection's
// statistics.
func (r *Registry) RecordInbound(connectionID string, n int) {

	r.mu.RLock()
	c, ok := r.clients[connectionID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	c.stats.rx.record(c.ConnectedAt, n)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UserConnectionCount returns the number of live connections userID owns.
func (r *Registry) UserConnectionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Get returns the client registered under connectionID, if any.
func (r *Registry) Get(connectionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connectionID]
	return c, ok
}

// GetReports summarises every registered connection for the status API.
func (r *Registry) GetReports() []ClientReport {

	r.mu.RLock()
	defer r.mu.RUnlock()

	reports := []ClientReport{}

	for _, c := range r.clients {
		reports = append(reports, ClientReport{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Connected:    c.ConnectedAt.String(),
			RemoteAddr:   c.RemoteAddr,
			UserAgent:    c.UserAgent,
			Stats: RxTx{
				Tx: c.stats.tx.report(),
				Rx: c.stats.rx.report(),
			},
		})
	}

	return reports
}
