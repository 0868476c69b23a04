// Package pricefeed provides the real-time side channel: a Solana
// websocket client, a live price oracle for open-position tracking, and
// push-based confirmation of submitted signatures.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SubHandler receives the raw notification payload for one subscription
type SubHandler func(data json.RawMessage)

// Client is a Solana websocket RPC client with automatic reconnect.
// Subscriptions are re-established after a reconnect.
type Client struct {
	url  string
	conn *websocket.Conn
	mu   sync.Mutex // Guards conn writes

	reqID atomic.Uint64

	// In-flight subscribe requests: request id -> response channel
	pendingMu sync.Mutex
	pending   map[uint64]chan subResponse

	// Active subscriptions: server sub id -> handler
	subsMu sync.RWMutex
	subs   map[uint64]*subscription

	closed  atomic.Bool
	closeCh chan struct{}
}

type subscription struct {
	method  string // accountSubscribe / signatureSubscribe
	params  []interface{}
	handler SubHandler
}

type subResponse struct {
	subID uint64
	err   error
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// NewClient creates the websocket client (not yet connected)
func NewClient(url string) *Client {
	return &Client{
		url:     url,
		pending: make(map[uint64]chan subResponse),
		subs:    make(map[uint64]*subscription),
		closeCh: make(chan struct{}),
	}
}

// Connect dials and starts the read/ping pumps. Reconnects run in the
// background until Close.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.run(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	log.Info().Str("url", c.url).Msg("websocket connected")
	return nil
}

// run owns the read loop and the reconnect cycle
func (c *Client) run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case <-pingTicker.C:
				c.mu.Lock()
				if c.conn != nil {
					c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				c.mu.Unlock()
			}
		}
	}()

	backoff := time.Second
	for {
		err := c.readLoop()
		if c.closed.Load() || ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket dropped, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}

		if err := c.dial(ctx); err != nil {
			continue
		}
		backoff = time.Second
		c.resubscribe()
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("unparseable ws message")
			continue
		}

		switch {
		case msg.ID != 0:
			c.deliverResponse(msg)
		case msg.Params != nil:
			c.subsMu.RLock()
			sub, ok := c.subs[msg.Params.Subscription]
			c.subsMu.RUnlock()
			if ok {
				sub.handler(msg.Params.Result)
			}
		}
	}
}

func (c *Client) deliverResponse(msg wsMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		ch <- subResponse{err: fmt.Errorf("ws error %d: %s", msg.Error.Code, msg.Error.Message)}
		return
	}
	var subID uint64
	if err := json.Unmarshal(msg.Result, &subID); err != nil {
		// Unsubscribe acks return a bool; ignore them
		ch <- subResponse{}
		return
	}
	ch <- subResponse{subID: subID}
}

// subscribe sends a subscribe request and waits for the server sub id
func (c *Client) subscribe(method string, params []interface{}, handler SubHandler) (uint64, error) {
	id := c.reqID.Add(1)
	ch := make(chan subResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return 0, err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return 0, resp.err
		}
		c.subsMu.Lock()
		c.subs[resp.subID] = &subscription{method: method, params: params, handler: handler}
		c.subsMu.Unlock()
		return resp.subID, nil
	case <-time.After(10 * time.Second):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return 0, fmt.Errorf("%s timed out", method)
	}
}

// AccountSubscribe streams account changes (jsonParsed encoding)
func (c *Client) AccountSubscribe(address string, handler SubHandler) (uint64, error) {
	return c.subscribe("accountSubscribe", []interface{}{
		address,
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	}, handler)
}

// SignatureSubscribe fires once when the signature reaches confirmed.
// The server auto-cancels the subscription after the notification.
func (c *Client) SignatureSubscribe(signature string, handler SubHandler) (uint64, error) {
	return c.subscribe("signatureSubscribe", []interface{}{
		signature,
		map[string]string{"commitment": "confirmed"},
	}, handler)
}

// Unsubscribe cancels a subscription (method is the *Unsubscribe RPC name)
func (c *Client) Unsubscribe(method string, subID uint64) error {
	c.subsMu.Lock()
	delete(c.subs, subID)
	c.subsMu.Unlock()

	id := c.reqID.Add(1)
	return c.send(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: []interface{}{subID}})
}

func (c *Client) send(req wsRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(req)
}

// resubscribe replays every active subscription on a fresh connection.
// Server sub ids change, so the table is rebuilt.
func (c *Client) resubscribe() {
	c.subsMu.Lock()
	old := c.subs
	c.subs = make(map[uint64]*subscription)
	c.subsMu.Unlock()

	for _, sub := range old {
		if _, err := c.subscribe(sub.method, sub.params, sub.handler); err != nil {
			log.Warn().Err(err).Str("method", sub.method).Msg("resubscribe failed")
		}
	}
	log.Info().Int("count", len(old)).Msg("subscriptions replayed")
}

// Close shuts the client down for good
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return c.conn.Close()
	}
	return nil
}
