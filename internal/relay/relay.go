// Package relay composes the notification relay: ticket store, client
// registry, message router, connection gateway and the HTTP surface that
// binds them together.
package relay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/openboard/notify/internal/gateway"
	"github.com/openboard/notify/internal/registry"
	"github.com/openboard/notify/internal/router"
	"github.com/openboard/notify/internal/ticketstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Config represents configuration options for a relay instance
type Config struct {

	// Port is the listening port for the whole HTTP surface
	Port int

	// Secret is the HMAC shared secret for tickets and status tokens
	Secret string

	// Audience must match the aud claim in status tokens
	Audience string

	// TicketURL is the base URL of an external ticket service. Empty
	// means the relay serves the ticket API itself from an in-memory
	// store (single-process deployment).
	TicketURL string

	// TicketTTL is the lifetime in seconds of an unconsumed ticket in
	// the bundled store
	TicketTTL int64

	// MaxTicketAge rejects tickets signed outside this window; zero
	// disables the freshness check
	MaxTicketAge time.Duration

	// ReapEvery is the period of the liveness sweep
	ReapEvery time.Duration
}

// Relay runs a notification relay until closed is closed.
func Relay(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	var wg sync.WaitGroup

	reg := registry.New()
	rtr := router.New(reg)

	var resolver ticketstore.Resolver
	var store *ticketstore.Store

	if config.TicketURL == "" {
		store = ticketstore.NewStore().WithTTL(config.TicketTTL)
		resolver = store
		log.Info("serving bundled ticket store")
	} else {
		resolver = ticketstore.NewClient(config.TicketURL)
		log.WithField("ticket_url", config.TicketURL).Info("resolving tickets externally")
	}

	// liveness sweep
	go func() {
		for {
			select {
			case <-closed:
				return
			case <-time.After(config.ReapEvery):
				reg.Reap()
			}
		}
	}()

	gwConfig := gateway.Config{
		Secret:       config.Secret,
		MaxTicketAge: config.MaxTicketAge,
		Registry:     reg,
		Resolver:     resolver,
		Router:       rtr,
	}

	r := mux.NewRouter()

	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		gateway.ServeWs(closed, gwConfig, w, req)
	}).Methods(http.MethodGet)

	if store != nil {
		r.HandleFunc("/ws", issueTicketHandler(config, store)).Methods(http.MethodPost)
		r.HandleFunc("/ws/{uuid}", lookupTicketHandler(store)).Methods(http.MethodGet)
		r.HandleFunc("/ws/{uuid}", deleteTicketHandler(store)).Methods(http.MethodDelete)
	}

	r.HandleFunc("/notify", notifyHandler(rtr)).Methods(http.MethodPost)
	r.HandleFunc("/status", statusHandler(config, reg)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Port),
		Handler: r,
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Fatal("relay server stopped")
		}
	}()

	go func() {
		<-closed
		if store != nil {
			store.Close()
		}
		if err := srv.Shutdown(context.Background()); err != nil {
			log.WithField("error", err.Error()).Error("relay server shutdown")
		}
	}()

	wg.Wait()
	parentwg.Done()
	log.Trace("Relay done")
}
