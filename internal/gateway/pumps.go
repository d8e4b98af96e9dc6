package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// client owns one websocket connection and implements registry.Socket.
// The pumps are the only readers/writers of the underlying connection;
// other components talk to it through the send channel and done signal.
type client struct {

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// done is closed once, when the connection is finished
	done chan struct{}

	closeOnce sync.Once
}

// Send enqueues a text frame for the write pump. It fails when the
// connection is finished or the peer is too slow to drain its buffer.
func (c *client) Send(data []byte) error {

	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Ping sends a transport-level keepalive. Safe to call concurrently with
// the write pump; gorilla serialises control frames internally.
func (c *client) Ping() error {

	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}

	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Open reports whether the connection is still live.
func (c *client) Open() bool {

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close shuts the connection down; idempotent.
func (c *client) Close() error {

	var err error

	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

// readPump pumps messages from the websocket connection to the router.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *client) readPump(id string, config Config) {

	defer func() {
		config.Registry.Remove(id)
		c.Close()
		log.WithField("connection_id", id).Trace("readpump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return err
	})

	for {

		_, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Errorf("error: %v", err)
			}
			break
		}

		config.Registry.RecordInbound(id, len(data))

		config.Router.Handle(id, data)
	}
}

// writePump pumps messages from the send channel to the websocket
// connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *client) writePump(closed <-chan struct{}) {

	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Close()
		log.Trace("write pump dead")
	}()

	for {
		select {

		case data := <-c.send:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Errorf("writePump writing error: %v", err)
				return
			}

		case <-ticker.C:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			return
		case <-c.done:
			return
		}
	}
}
