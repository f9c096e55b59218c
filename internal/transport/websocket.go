package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type DialOptions struct {
	Header http.Header
	// MinBackoff and MaxBackoff bound the randomized exponential delay
	// between redial attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
}

func (o DialOptions) withDefaults() DialOptions {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(10*time.Second, o.MinBackoff)
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// retryPolicy never gives up: the client redials until it is closed.
func (o DialOptions) retryPolicy() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.MinBackoff),
		backoff.WithMaxInterval(o.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
}

// WebsocketClient is a Transport over a websocket connection that redials
// with exponential backoff until closed.
type WebsocketClient struct {
	url    string
	opts   DialOptions
	frames chan Frame

	mu   sync.Mutex
	conn *websocket.Conn

	online atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to url. A failed first attempt is not an error: the client
// starts offline and keeps retrying in the background.
func Dial(ctx context.Context, url string, opts DialOptions) *WebsocketClient {
	opts = opts.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	c := &WebsocketClient{
		url:    url,
		opts:   opts,
		frames: make(chan Frame, 256),
		ctx:    runCtx,
		cancel: cancel,
	}
	conn, err := c.dial(ctx)
	if err != nil {
		log.Printf("transport: dial %s failed, continuing offline: %v", url, err)
	}
	c.wg.Add(1)
	go c.run(conn)
	return c
}

func (c *WebsocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return conn, nil
}

func (c *WebsocketClient) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.frames)

	retry := c.opts.retryPolicy()
	for {
		if conn == nil {
			if !c.sleep(retry.NextBackOff()) {
				return
			}
			var err error
			if conn, err = c.dial(c.ctx); err != nil {
				continue
			}
		}
		retry.Reset()
		c.setConn(conn)
		c.deliver(StatusFrame(true))

		err := c.readLoop(conn)
		c.setConn(nil)
		_ = conn.Close()
		conn = nil
		if c.ctx.Err() != nil {
			return
		}
		log.Printf("transport: connection to %s lost: %v", c.url, err)
		c.deliver(StatusFrame(false))
	}
}

func (c *WebsocketClient) readLoop(conn *websocket.Conn) error {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type == FrameStatus {
			continue
		}
		if !c.deliver(frame) {
			return ErrClosed
		}
	}
}

func (c *WebsocketClient) deliver(frame Frame) bool {
	select {
	case c.frames <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *WebsocketClient) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *WebsocketClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.online.Store(conn != nil)
}

func (c *WebsocketClient) Send(frame Frame) error {
	if frame.Type == FrameStatus {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrOffline
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *WebsocketClient) Frames() <-chan Frame {
	return c.frames
}

func (c *WebsocketClient) Online() bool {
	return c.online.Load()
}

func (c *WebsocketClient) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
