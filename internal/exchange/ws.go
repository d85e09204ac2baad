package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/channel"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// WSDialer opens websocket connections to the indexer push feed.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

func NewWSDialer(url string) *WSDialer {
	header := make(http.Header)
	header.Set("User-Agent", "perp-recon/1.0")
	return &WSDialer{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Header:           header,
	}
}

// Dial performs the handshake. A rejected handshake is classified by its HTTP
// status, anything else is transient.
func (d *WSDialer) Dial(ctx context.Context) (channel.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, ClassifyStatus("ws:dial", resp.StatusCode, resp.Header, err)
		}
		return nil, apperr.Transient("ws:dial", err)
	}

	c := &wsConn{conn: conn, writeTimeout: d.WriteTimeout}
	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return c, nil
}

type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id"`
	Batched bool   `json:"batched,omitempty"`
}

// wsConn adapts a gorilla connection to channel.Conn. Gorilla allows one
// concurrent writer, so data frames go through writeMu; control frames and
// Close are safe from any goroutine.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	lastPong  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Subscribe(topic channel.Topic) error {
	return c.writeJSON(subscribeFrame{Type: "subscribe", Channel: topic.Channel, ID: topic.ID})
}

func (c *wsConn) Unsubscribe(topic channel.Topic) error {
	return c.writeJSON(subscribeFrame{Type: "unsubscribe", Channel: topic.Channel, ID: topic.ID})
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperr.Transient("ws:write", err)
	}
	return nil
}

// Read returns the next data frame. Pong frames are consumed by the pong
// handler while Read blocks. Cancelling ctx closes the connection.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				return nil, apperr.Fatal("ws:read", err)
			}
			return nil, apperr.Transient("ws:read", err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Ping() error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *wsConn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
