package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/listsync/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// wsChannel is a protocol.Channel over one websocket connection. Writes are
// serialized because the connection supports a single concurrent writer.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	lock sync.Mutex
}

var _ protocol.Channel = (*wsChannel)(nil)

func newChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{id: uuid.NewString(), conn: conn}
}

func (c *wsChannel) ID() string {
	return c.id
}

func (c *wsChannel) Send(env protocol.Envelope) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *wsChannel) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
