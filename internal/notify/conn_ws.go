package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const maxInboundMessage = 512

// WSConn adapts a websocket to Conn. Outbound messages are queued and
// written by a single writer goroutine.
type WSConn struct {
	id           string
	ws           *websocket.Conn
	queue        chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *logrus.Logger
}

// NewWSConn wraps ws and starts its writer.
func NewWSConn(ws *websocket.Conn, buffer int, pingInterval, writeTimeout time.Duration, logger *logrus.Logger) *WSConn {
	if buffer <= 0 {
		buffer = 16
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &WSConn{
		id:           uuid.New().String(),
		ws:           ws,
		queue:        make(chan []byte, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
	go c.writeLoop()
	return c
}

func (c *WSConn) ID() string {
	return c.id
}

// Send queues msg without blocking.
func (c *WSConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadLoop delivers inbound text frames to handle until the peer goes away.
func (c *WSConn) ReadLoop(handle func(text string)) {
	c.ws.SetReadLimit(maxInboundMessage)
	deadline := func() time.Time { return time.Now().Add(2 * c.pingInterval) }
	c.ws.SetReadDeadline(deadline())
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(deadline())
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).WithField("conn_id", c.id).Debug("Notification socket closed unexpectedly")
			}
			return
		}
		if kind == websocket.TextMessage {
			handle(string(data))
		}
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.queue:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return
		}
	}
}
