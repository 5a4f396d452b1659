// Package gameserver talks to the companion API of the game server over a
// websocket. The scheduling core only uses it as its scene executor: Execute
// sends a run-scene command and waits for the matching acknowledgement.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scenedeck/pkg/logx"
)

var ErrClosed = errors.New("gameserver client closed")

type Config struct {
	URL            string
	Token          string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	return c
}

type command struct {
	Seq     uint64 `json:"seq"`
	Op      string `json:"op"`
	SceneID string `json:"scene_id,omitempty"`
}

type reply struct {
	Seq   uint64 `json:"seq"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Client is safe for concurrent use. The connection is dialed lazily and
// re-dialed after a read failure; one in-flight write at a time.
type Client struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan reply
	seq     uint64
	closed  bool
}

func New(cfg Config, log logx.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     log,
		pending: map[uint64]chan reply{},
	}
}

// Execute runs the scene on the game server and waits for its ack.
func (c *Client) Execute(ctx context.Context, sceneID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("dial game server: %w", err)
		}
	}
	c.seq++
	seq := c.seq
	ch := make(chan reply, 1)
	c.pending[seq] = ch
	conn := c.conn
	err := conn.WriteJSON(command{Seq: seq, Op: "scene.run", SceneID: sceneID})
	if err != nil {
		delete(c.pending, seq)
		c.dropConnLocked(conn)
		c.mu.Unlock()
		return fmt.Errorf("send run-scene: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return ctx.Err()
	case r, ok := <-ch:
		if !ok {
			return errors.New("connection lost awaiting scene ack")
		}
		if !r.OK {
			return fmt.Errorf("scene %s rejected: %s", sceneID, r.Error)
		}
		return nil
	}
}

// Close shuts the connection down; pending executions fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// dialLocked establishes the websocket and starts the read pump. Call with
// c.mu held.
func (c *Client) dialLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	hdr := http.Header{}
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readPump(conn)
	c.log.Info("game server connected", logx.String("url", c.cfg.URL))
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var r reply
		if err := conn.ReadJSON(&r); err != nil {
			c.mu.Lock()
			c.dropConnLocked(conn)
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Warn("game server connection lost", logx.Err(err))
			}
			return
		}
		c.mu.Lock()
		ch := c.pending[r.Seq]
		delete(c.pending, r.Seq)
		c.mu.Unlock()
		if ch != nil {
			ch <- r
		}
	}
}

// dropConnLocked discards conn if it is still current and fails every pending
// call. Call with c.mu held.
func (c *Client) dropConnLocked(conn *websocket.Conn) {
	if c.conn != conn {
		return
	}
	_ = conn.Close()
	c.conn = nil
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}
