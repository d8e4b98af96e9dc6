/*
   notifier is a websocket notification client that automatically reconnects
   Copyright (C) 2026 The Openboard Authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package notifier

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/openboard/notify/internal/ticket"
	log "github.com/sirupsen/logrus"
)

// Message represents a websocket message
type Message struct {
	Data []byte
	Type int
}

// Notifier represents a websocket client that will reconnect to the relay
// if the connection is closed, minting and registering a fresh ticket
// before each dial.
type Notifier struct {
	Connected       chan struct{} // allow notification of successful connection, helps with testing
	ConnectedAt     time.Time
	ForwardIncoming bool
	In              chan Message
	Out             chan Message
	Retry           RetryConfig
	ID              string
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor  float64
	Jitter  bool
	Min     time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// New returns a pointer to a new reconnecting notification client
func New() *Notifier {
	n := &Notifier{
		Connected: make(chan struct{}),
		// don't initialise connectedAt; set when connected
		In:              make(chan Message),
		Out:             make(chan Message),
		ForwardIncoming: true,
		Retry: RetryConfig{Factor: 2,
			Min:     1 * time.Second,
			Max:     10 * time.Second,
			Timeout: 1 * time.Second,
			Jitter:  false},
		ID: uuid.New().String()[0:6],
	}
	return n
}

// ReconnectTicket maintains a connection to the relay at relayURL for
// userID, registering a freshly minted ticket at ticketURL before each
// dial. The shared secret makes this a server-to-server client: the
// caller stands in for the backend that owns the user's session.
// Run this in a separate goroutine; end it by cancelling the context.
func (n *Notifier) ReconnectTicket(ctx context.Context, ticketURL, relayURL, secret string, userID int64) {

	id := "notifier.ReconnectTicket(" + n.ID + ")"

	boff := &backoff.Backoff{
		Min:    n.Retry.Min,
		Max:    n.Retry.Max,
		Factor: n.Retry.Factor,
		Jitter: n.Retry.Jitter,
	}

	// try dialling ....

	waitBeforeDial := false

	for {

		select {
		case <-ctx.Done():
			return
		default:

			if waitBeforeDial {
				time.Sleep(boff.Duration())
			}

			waitBeforeDial = true

			tk := ticket.New(uuid.New().String(), secret)

			form := tk.Query()
			form.Set("userId", strconv.FormatInt(userID, 10))

			var client = &http.Client{
				Timeout: time.Second * 10,
			}

			resp, err := client.PostForm(ticketURL, form)

			if err != nil {
				log.WithField("error", err).Warnf("%s: failed request to ticket endpoint", id)
				continue
			}

			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				log.WithField("status", resp.StatusCode).Warnf("%s: ticket endpoint refused submission", id)
				continue
			}

			log.WithField("connection_id", tk.ConnectionID).Infof("%s: ticket registered", id)

			dialCtx, cancel := context.WithCancel(ctx)

			err = n.Dial(dialCtx, relayURL+"?"+tk.Query().Encode())
			cancel()

			if err == nil {
				boff.Reset()
				waitBeforeDial = false
				log.Tracef("%s: dial finished successfully, resetting timeout to zero", id)
			} else {
				log.WithField("error", err).Tracef("%s: Dial finished with error, increasing timeout", id)
			}
		}
	}
}

// Dial the relay once.
// If dial fails then return immediately
// If dial succeeds then handle message traffic until
// the context is cancelled
func (n *Notifier) Dial(ctx context.Context, urlStr string) error {

	id := "notifier.Dial(" + n.ID + ")"

	var err error

	if urlStr == "" {
		log.Errorf("%s: Can't dial an empty Url", id)
		return errors.New("can't dial an empty Url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		log.Errorf("%s: error with url because %s:", id, err.Error())
		return err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Errorf("%s: Url needs to start with ws or wss", id)
		return errors.New("url needs to start with ws or wss")
	}

	if u.User != nil {
		log.Errorf("%s: Url can't contain user name and password", id)
		return errors.New("url can't contain user name and password")
	}

	// start dialing ....

	log.WithField("To", u).Tracef("%s: connecting to %s", id, u)

	//assume our context has been given a deadline if needed
	c, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)

	if err != nil {
		log.WithField("error", err).Errorf("%s: dialing error because %s", id, err.Error())
		return err
	}

	n.ConnectedAt = time.Now()
	close(n.Connected) //signal that we've connected
	defer func() {
		n.Connected = make(chan struct{}) //reset for next time
	}()

	log.WithField("To", u).Tracef("%s: connected to %s", id, u)

	// handle our reading tasks

	readClosed := make(chan struct{})

	go func() {
	LOOP:
		for {
			//assume this will produce non-nil err on context.Done
			mt, data, err := c.ReadMessage()

			// Check for errors, e.g. caused by writing task closing conn
			// because we've been instructed to exit
			// log as info since we expect an error here on a normal exit
			if err != nil {
				log.WithField("error", err).Infof("%s: error reading from conn; closing", id)
				close(readClosed)
				break LOOP
			}

			// optionally forward messages
			if n.ForwardIncoming {
				n.In <- Message{Data: data, Type: mt}
				log.Tracef("%s: received %d-byte message", id, len(data))

			} else {
				log.Tracef("%s: ignored %d-byte message", id, len(data))
			}
		}
	}()

	// handle our writing tasks
LOOPWRITING:
	for {
		select {
		case <-readClosed:
			err = nil // nil error resets the backoff
			break LOOPWRITING
		case msg := <-n.Out:

			err := c.WriteMessage(msg.Type, msg.Data)
			if err != nil {
				log.WithField("error", err).Infof("%s: error writing to conn; closing", id)
				break LOOPWRITING
			}
			log.Tracef("%s: sent %d-byte message", id, len(msg.Data))

		case <-ctx.Done(): // context has finished, either timeout or cancel
			// Cleanly close the connection by sending a close message
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithField("error", err).Infof("%s: error sending close message; closing", id)
			} else {
				log.Infof("%s: connection closed", id)
			}
			c.Close()
			break LOOPWRITING
		}
	}
	log.Tracef("%s: done", id)
	return err
}
