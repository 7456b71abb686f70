package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client holds one lazily dialed connection. Calls are serialised; any I/O
// failure drops the connection so the next call dials again.
type Client struct {
	addr        string
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	nextID  uint64
}

func NewClient(addr string) *Client {
	return &Client{addr: addr, dialTimeout: 5 * time.Second}
}

// Dial connects eagerly and fails fast if the server is unreachable.
func Dial(ctx context.Context, addr string) (*Client, error) {
	c := NewClient(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Call invokes method with params and decodes the reply into result. The
// context deadline, if any, bounds the whole exchange. Remote failures are
// returned as *Error; transport failures are returned as-is.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return err
		}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.reset()
		return fmt.Errorf("setting deadline: %w", err)
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	c.nextID++
	req := Request{Method: method, ID: strconv.FormatUint(c.nextID, 10), Params: raw}
	if err := c.encoder.Encode(req); err != nil {
		c.reset()
		return c.wrapIO(ctx, "sending request", err)
	}
	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		c.reset()
		return c.wrapIO(ctx, "reading response", err)
	}
	if resp.ID != req.ID {
		c.reset()
		return fmt.Errorf("response id %q does not match request id %q", resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connect must be called with mu held.
func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.decoder = json.NewDecoder(conn)
	return nil
}

// reset must be called with mu held.
func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) wrapIO(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s to %s: %w", op, c.addr, ctxErr)
	}
	return fmt.Errorf("%s to %s: %w", op, c.addr, err)
}
