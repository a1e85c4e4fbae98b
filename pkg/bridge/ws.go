package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/protocol"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// WSTransport carries protocol frames over a WebSocket connection. It is the
// production boundary between the shell and an embedded document.
type WSTransport struct {
	conn   *websocket.Conn
	origin string
	log    logrus.FieldLogger

	recv    chan protocol.Message
	writeMu sync.Mutex
	once    sync.Once
}

// NewWSTransport wraps an accepted or dialed connection. origin is the
// peer's Origin header (server side) or the shell's own origin (dial side).
func NewWSTransport(conn *websocket.Conn, origin string, log logrus.FieldLogger) *WSTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &WSTransport{
		conn:   conn,
		origin: origin,
		log:    log,
		recv:   make(chan protocol.Message, 16),
	}
	go t.readPump()
	go t.pingLoop()
	return t
}

// DialWS connects to a shell's bridge endpoint from the embedded side.
func DialWS(ctx context.Context, url, origin string, log logrus.FieldLogger) (*WSTransport, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWSTransport(conn, origin, log), nil
}

// Send writes one frame, serialized under the write lock.
func (t *WSTransport) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return ErrTransportClosed
	}
	return nil
}

// Receive yields decoded inbound frames; the channel closes when the
// connection drops.
func (t *WSTransport) Receive() <-chan protocol.Message { return t.recv }

// Origin reports the peer origin captured at accept/dial time.
func (t *WSTransport) Origin() string { return t.origin }

// Close shuts the connection down.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) readPump() {
	defer close(t.recv)
	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.WithError(err).Debug("bridge: websocket read failed")
			}
			return
		}
		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			t.log.WithError(err).Debug("bridge: dropping malformed frame")
			continue
		}
		t.recv <- msg
	}
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := t.conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
