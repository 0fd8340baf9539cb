package notify

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// Hub streams Bus messages for one entity to websocket clients.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

func NewHub(bus *Bus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type wsConnection struct {
	conn     *websocket.Conn
	id       string
	send     <-chan Message
	cancel   func()
	replayed int64
}

// Serve upgrades the request and streams every message about id until the
// client goes away. Messages retained since the client's last seen sequence
// are replayed first when the "since" query parameter is set.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("websocket upgrade failed")
		return
	}

	ch, cancel := h.bus.Subscribe(id, 64)
	c := &wsConnection{conn: conn, id: id, send: ch, cancel: cancel}

	if since := r.URL.Query().Get("since"); since != "" {
		if seq, err := strconv.ParseInt(since, 10, 64); err == nil {
			for _, m := range h.bus.Since(seq) {
				if m.ID == id && c.write(m) == nil {
					c.replayed = m.Seq
				}
			}
		}
	}

	log.WithFields(logrus.Fields{"id": id, "remote": r.RemoteAddr}).Debug("websocket subscriber connected")
	go c.writePump()
	go c.readPump()
}

func (c *wsConnection) write(m Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(m)
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if m.Seq <= c.replayed {
				continue
			}
			if err := c.write(m); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("id", c.id).Warn("websocket read error")
			}
			return
		}
	}
}
