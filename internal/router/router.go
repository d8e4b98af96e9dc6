// Package router dispatches inbound websocket frames by message kind and
// forwards notification payloads to their recipient via the registry.
package router

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/openboard/notify/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	routedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_relay_notifications_routed_total",
		Help: "Notifications accepted for routing to a recipient.",
	})
	discardedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_relay_frames_discarded_total",
		Help: "Inbound frames dropped: malformed, unknown kind, or bad payload.",
	})
)

// Envelope is the JSON message exchanged over an admitted connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// notificationPayload is the payload of a "notification" envelope. The
// recipient is a user ID, so delivery fans out to all of that user's
// connections.
type notificationPayload struct {
	RecipientID recipientID     `json:"recipientId"`
	Message     json.RawMessage `json:"message"`
}

// recipientID accepts both JSON number and string forms of a user ID.
type recipientID int64

func (r *recipientID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*r = recipientID(n)
	return nil
}

// Router parses inbound frames and hands deliverable messages to the
// registry. It holds no state of its own, so the registry can be swapped
// for a distributed backend without changing this contract.
type Router struct {
	registry *registry.Registry
}

// New returns a pointer to a Router delivering via r
func New(r *registry.Registry) *Router {
	return &Router{registry: r}
}

// Handle processes one inbound frame from connectionID. Malformed frames
// and unknown message kinds are logged and dropped; they never close the
// connection. Unknown kinds are tolerated so that future message types do
// not break existing connections.
func (rt *Router) Handle(connectionID string, frame []byte) {

	var env Envelope

	if err := json.Unmarshal(frame, &env); err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Info("discarding malformed frame")
		discardedCount.Inc()
		return
	}

	switch env.Type {
	case "notification":
		rt.notification(connectionID, env.Payload)
	default:
		log.WithFields(log.Fields{"connection_id": connectionID, "type": env.Type}).Info("discarding frame of unknown type")
		discardedCount.Inc()
	}
}

// notification routes a notification payload to its recipient.
func (rt *Router) notification(connectionID string, payload json.RawMessage) {

	var p notificationPayload

	if err := json.Unmarshal(payload, &p); err != nil {
		log.WithFields(log.Fields{"connection_id": connectionID, "error": err.Error()}).Info("discarding notification with bad payload")
		discardedCount.Inc()
		return
	}

	if len(p.Message) == 0 {
		log.WithField("connection_id", connectionID).Info("discarding notification with empty message")
		discardedCount.Inc()
		return
	}

	n := rt.Notify(int64(p.RecipientID), p.Message)

	log.WithFields(log.Fields{"connection_id": connectionID, "recipient_id": int64(p.RecipientID), "connections": n}).Trace("notification routed")
}

// Notify forwards message, serialized as-is, to every live connection of
// recipient, returning the number of connections attempted. Delivery is
// fire and forget: an offline recipient simply gets zero.
func (rt *Router) Notify(recipient int64, message json.RawMessage) int {
	routedCount.Inc()
	return rt.registry.SendToUser(recipient, message)
}
