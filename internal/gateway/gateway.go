// Package gateway admits ticket-bearing websocket connections to the
// relay. Admission ends in exactly one of two states: the transport is
// closed with no registry entry, or it is open with exactly one entry.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openboard/notify/internal/registry"
	"github.com/openboard/notify/internal/ticket"
	"github.com/openboard/notify/internal/ticketstore"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536

	// Outbound frames queued per connection before sends fail.
	sendBufferLength = 256

	// How long to wait on the ticket store before rejecting admission.
	resolveTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the ticket is the credential; origin carries no trust here
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FrameHandler receives inbound frames from admitted connections.
type FrameHandler interface {
	Handle(connectionID string, frame []byte)
}

// Config specifies the collaborators and parameters for admission
type Config struct {

	// Secret is the HMAC shared secret tickets are signed with
	Secret string

	// MaxTicketAge rejects tickets signed outside this window; zero
	// disables the freshness check
	MaxTicketAge time.Duration

	// Registry holds the admitted connections
	Registry *registry.Registry

	// Resolver swaps verified connection IDs for user IDs
	Resolver ticketstore.Resolver

	// Router handles inbound frames from admitted connections
	Router FrameHandler
}

// ServeWs handles one websocket connection request. The four ticket
// parameters are verified before the upgrade, so a rejected client sees
// only a refused handshake, never a protocol-level error.
func ServeWs(closed <-chan struct{}, config Config, w http.ResponseWriter, r *http.Request) {

	tk, err := ticket.FromQuery(r.URL.Query())

	if err != nil {
		log.WithField("error", err.Error()).Info("unauthorized - incomplete ticket")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if !ticket.VerifyFresh(tk.ConnectionID, tk.IssuedAt, tk.Nonce, tk.Signature, config.Secret, config.MaxTicketAge) {
		log.WithField("connection_id", tk.ConnectionID).Info("unauthorized - invalid ticket signature")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	// the only suspension point in admission; bounded so an unreachable
	// ticket store rejects rather than hangs
	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()

	userID, err := config.Resolver.Resolve(ctx, tk.ConnectionID)

	if err != nil {
		log.WithField("connection_id", tk.ConnectionID).Info("unauthorized - unknown ticket")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)

	if err != nil {
		// ticket already consumed; don't leave it orphaned server-side
		log.WithFields(log.Fields{"connection_id": tk.ConnectionID, "error": err.Error()}).Error("failed to upgrade to websocket")
		invalidate(config.Resolver, tk.ConnectionID)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferLength),
		done: make(chan struct{}),
	}

	id := config.Registry.Add(&registry.Client{
		ID:         tk.ConnectionID,
		UserID:     userID,
		Socket:     c,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.Header.Get("X-Forwarded-For"),
	})

	log.WithFields(log.Fields{"connection_id": id, "user_id": userID}).Debug("connection admitted")

	go c.writePump(closed)
	go c.readPump(id, config)
}

// invalidate is best effort; failure is logged, never retried, and never
// blocks teardown.
func invalidate(resolver ticketstore.Resolver, connectionID string) {

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	if err := resolver.Invalidate(ctx, connectionID); err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Warning("ticket not invalidated")
	}
}
