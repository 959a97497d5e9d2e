// Package fmo speaks the FMO device's websocket API: request/response frames
// over /ws and the speaker event stream on /events. Transport framing is the
// device's contract; callers only see typed calls with a fixed timeout.
package fmo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fmotools/qsolog/internal/logbook"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

var (
	// ErrClosed indicates the client was closed while a request was pending.
	ErrClosed = errors.New("fmo: connection closed")
	// ErrTimeout indicates no response arrived within the request timeout.
	ErrTimeout = errors.New("fmo: request timeout")

	protocolPrefix = regexp.MustCompile(`^(https?|wss?):?//`)
)

// NormalizeHost strips protocol prefixes and trailing slashes from a device
// address, leaving a bare host[:port].
func NormalizeHost(address string) string {
	address = strings.TrimSpace(address)
	address = protocolPrefix.ReplaceAllString(address, "")
	return strings.TrimRight(address, "/")
}

// DeviceURL builds the websocket base URL for a configured device address.
func DeviceURL(protocol, address string) string {
	return protocol + "://" + NormalizeHost(address)
}

type envelope struct {
	Type    string          `json:"type"`
	SubType string          `json:"subType"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type requestFrame struct {
	Type    string      `json:"type"`
	SubType string      `json:"subType"`
	Data    interface{} `json:"data"`
}

// ListItem is one entry of the device's newest-first contact listing.
type ListItem struct {
	LogID      int64  `json:"logId"`
	Timestamp  int64  `json:"timestamp"`
	ToCallsign string `json:"toCallsign"`
}

type listResponse struct {
	List []ListItem `json:"list"`
}

type detailResponse struct {
	Log *logbook.RawRow `json:"log"`
}

// Client is one connection-per-sync-cycle device API client. The websocket
// opens lazily on the first request and lives until Close. Responses match
// requests by type plus subType with the Response suffix trimmed.
type Client struct {
	baseURL string
	logger  *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan envelope
	closed  bool
}

// NewClient constructs a client for a base URL such as ws://fmo.local.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		logger:  logger,
		pending: make(map[string]chan envelope),
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.baseURL+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("fmo: connect %s: %w", c.baseURL, err)
	}
	c.conn = conn
	go c.readLoop(conn)

	c.logger.Debug("device connected", zap.String("url", c.baseURL))
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.failPending(conn)
			return
		}
		var message envelope
		if err := json.Unmarshal(payload, &message); err != nil {
			c.logger.Warn("unparseable device message", zap.Error(err))
			continue
		}
		key := message.Type + ":" + strings.TrimSuffix(message.SubType, "Response")
		c.mu.Lock()
		waiter, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			waiter <- message
		}
	}
}

// failPending wakes every waiter after the connection died; their channels
// close so requests fail instead of hanging out the full timeout.
func (c *Client) failPending(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for key, waiter := range c.pending {
		close(waiter)
		delete(c.pending, key)
	}
}

func (c *Client) request(ctx context.Context, reqType, subType string, data interface{}, out interface{}) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	key := reqType + ":" + subType
	waiter := make(chan envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[key] = waiter
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(requestFrame{Type: reqType, SubType: subType, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(key)
		return fmt.Errorf("fmo: send %s: %w", key, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case response, ok := <-waiter:
		if !ok {
			return ErrClosed
		}
		if response.Code != 0 {
			return fmt.Errorf("fmo: api error code %d for %s", response.Code, key)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(response.Data, out); err != nil {
			return fmt.Errorf("fmo: decode %s response: %w", key, err)
		}
		return nil
	case <-timer.C:
		c.removePending(key)
		return fmt.Errorf("%w: %s", ErrTimeout, key)
	case <-ctx.Done():
		c.removePending(key)
		return ctx.Err()
	}
}

func (c *Client) removePending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// ListContacts fetches one page of the newest-first contact listing,
// optionally filtered by operator callsign.
func (c *Client) ListContacts(ctx context.Context, page, pageSize int, operator string) ([]ListItem, error) {
	params := map[string]interface{}{
		"page":     page,
		"pageSize": pageSize,
	}
	if operator != "" {
		params["fromCallsign"] = operator
	}
	var response listResponse
	if err := c.request(ctx, "qso", "getList", params, &response); err != nil {
		return nil, err
	}
	return response.List, nil
}

// ContactDetail fetches the full record for a listing entry. A nil record
// with nil error means the device had no detail for the id.
func (c *Client) ContactDetail(ctx context.Context, logID int64) (*logbook.RawRow, error) {
	var response detailResponse
	err := c.request(ctx, "qso", "getDetail", map[string]interface{}{"logId": logID}, &response)
	if err != nil {
		return nil, err
	}
	return response.Log, nil
}

// SendControlCommand fires a pre-built control packet at the device and waits
// for the acknowledgement. Packet construction and signing happen upstream.
func (c *Client) SendControlCommand(ctx context.Context, packet string) error {
	return c.request(ctx, "control", "send", map[string]interface{}{"packet": packet}, nil)
}

// Close tears the connection down and fails all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	for key, waiter := range c.pending {
		close(waiter)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
