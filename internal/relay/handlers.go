package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/openboard/notify/internal/permission"
	"github.com/openboard/notify/internal/registry"
	"github.com/openboard/notify/internal/router"
	"github.com/openboard/notify/internal/ticket"
	"github.com/openboard/notify/internal/ticketstore"
	log "github.com/sirupsen/logrus"
)

// Notification is the body of the notify webhook, posted by the backend
// when a REST-layer side effect should reach a connected user.
type Notification struct {
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Action     string `json:"action"`
	EntityID   int64  `json:"entityId"`
	EntityType string `json:"entityType"`
}

// notificationMessage is what the recipient's socket receives
type notificationMessage struct {
	SenderID   int64  `json:"senderId"`
	Action     string `json:"action"`
	EntityID   int64  `json:"entityId"`
	EntityType string `json:"entityType"`
}

// issueTicketHandler records a ticket in the bundled store. The caller
// proves possession of the shared secret by presenting a valid signature,
// taking the place of the session check the main backend performs.
func issueTicketHandler(config Config, store *ticketstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		if err := r.ParseForm(); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		tk, err := ticket.FromQuery(r.PostForm)

		if err != nil {
			log.WithField("error", err.Error()).Info("ticket submission incomplete")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		if !ticket.VerifyFresh(tk.ConnectionID, tk.IssuedAt, tk.Nonce, tk.Signature, config.Secret, config.MaxTicketAge) {
			log.WithField("connection_id", tk.ConnectionID).Info("ticket submission with invalid signature")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, err := strconv.ParseInt(r.PostForm.Get("userId"), 10, 64)

		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		store.Submit(tk.ConnectionID, userID)

		log.WithFields(log.Fields{"connection_id": tk.ConnectionID, "user_id": userID}).Debug("ticket issued")

		w.WriteHeader(http.StatusOK)
	}
}

// lookupTicketHandler resolves a ticket to its owner, consuming it.
func lookupTicketHandler(store *ticketstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		id := mux.Vars(r)["uuid"]

		userID, err := store.Resolve(r.Context(), id)

		if err != nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(map[string]int64{"userId": userID}); err != nil {
			log.WithField("error", err.Error()).Error("ticket lookup response not written")
		}
	}
}

// deleteTicketHandler removes a ticket, best effort.
func deleteTicketHandler(store *ticketstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_ = store.Invalidate(r.Context(), mux.Vars(r)["uuid"])

		w.WriteHeader(http.StatusNoContent)
	}
}

// notifyHandler accepts a notification from the backend and routes it to
// the receiver's live connections. Delivery is fire and forget: an
// offline receiver still gets a 200 with zero deliveries.
func notifyHandler(rtr *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		var n Notification

		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			log.WithField("error", err.Error()).Info("notify webhook body unparseable")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		message, err := json.Marshal(notificationMessage{
			SenderID:   n.SenderID,
			Action:     n.Action,
			EntityID:   n.EntityID,
			EntityType: n.EntityType,
		})

		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		delivered := rtr.Notify(n.ReceiverID, message)

		log.WithFields(log.Fields{"receiver_id": n.ReceiverID, "action": n.Action, "connections": delivered}).Debug("webhook notification routed")

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(map[string]int{"delivered": delivered}); err != nil {
			log.WithField("error", err.Error()).Error("notify response not written")
		}
	}
}

// statusHandler reports every registered connection. Access requires a
// bearer JWT signed with the shared secret, carrying the notify:stats
// scope and the relay's audience.
func statusHandler(config Config, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		claims, err := validateBearer(r.Header.Get("Authorization"), config.Secret, config.Audience)

		if err != nil {
			log.WithField("error", err.Error()).Info("status request unauthorized")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if !claims.HasScope(permission.StatsScope) {
			http.Error(w, "token missing "+permission.StatsScope+" scope", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(reg.GetReports()); err != nil {
			log.WithField("error", err.Error()).Error("status response not written")
		}
	}
}

// validateBearer checks the bearer token signature, validity window and
// audience, returning the claims on success.
func validateBearer(header, secret, audience string) (*permission.Token, error) {

	bearer := strings.TrimPrefix(header, "Bearer ")

	if bearer == "" {
		return nil, errors.New("no token")
	}

	claims := &permission.Token{}

	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid { //checks iat, nbf, exp
		return nil, errors.New("token invalid")
	}

	if !permission.HasRequiredClaims(*claims) {
		return nil, errors.New("token missing required claims")
	}

	if !claims.RegisteredClaims.VerifyAudience(audience, true) {
		return nil, fmt.Errorf("aud %s does not match this host %s", claims.RegisteredClaims.Audience, audience)
	}

	return claims, nil
}
