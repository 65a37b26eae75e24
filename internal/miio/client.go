// Package miio implements the Xiaomi miIO LAN protocol: an encrypted
// JSON-RPC exchange over UDP port 54321, authenticated by a per-device
// 128-bit token.
package miio

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Port is the UDP port miIO devices listen on.
const Port = 54321

const (
	defaultTimeout = 3 * time.Second
	sendRetries    = 3

	// A session goes stale when the device reboots or forgets the stamp;
	// re-handshake after this much idle time.
	sessionTTL = 2 * time.Minute
)

// RPCError is an error object returned by the device itself, as opposed to
// a transport failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("miio: device error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	ID     uint32      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// DeviceInfo is the result of the miIO.info call.
type DeviceInfo struct {
	Model           string `json:"model"`
	FirmwareVersion string `json:"fw_ver"`
	HardwareVersion string `json:"hw_ver"`
	MAC             string `json:"mac"`
}

// Client is a single-device miIO connection. Calls are serialized: the
// protocol is strict request/response on one socket.
type Client struct {
	token []byte
	key   []byte
	iv    []byte

	mu        sync.Mutex
	conn      *net.UDPConn
	deviceID  uint32
	stamp     uint32
	stampedAt time.Time
	nextID    uint32
	timeout   time.Duration
}

// Dial validates the token, resolves host and opens the UDP socket.
// No packets are exchanged until the first call. host may carry an
// explicit port; the default is Port.
func Dial(host, token string) (*Client, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("miio: token is not hex: %w", err)
	}
	if len(raw) != 16 {
		return nil, fmt.Errorf("miio: token must be 16 bytes, got %d", len(raw))
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, fmt.Sprint(Port))
	}
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, fmt.Errorf("miio: resolve %s: %w", host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("miio: dial %s: %w", host, err)
	}

	key, iv := deriveKey(raw)
	return &Client{
		token:   raw,
		key:     key,
		iv:      iv,
		conn:    conn,
		timeout: defaultTimeout,
	}, nil
}

// Close releases the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Handshake sends a hello packet and records the device id and stamp.
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeLocked(ctx)
}

func (c *Client) handshakeLocked(ctx context.Context) error {
	hello := encodeHello()

	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.conn.Write(hello); err != nil {
			return fmt.Errorf("miio: handshake write: %w", err)
		}
		p, err := c.readPacket(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.deviceID = p.deviceID
		c.stamp = p.stamp
		c.stampedAt = time.Now()
		return nil
	}
	return fmt.Errorf("miio: handshake failed: %w", lastErr)
}

func (c *Client) sessionFresh() bool {
	return !c.stampedAt.IsZero() && time.Since(c.stampedAt) < sessionTTL
}

// Call performs one RPC. params may be nil (sent as an empty array); when
// out is non-nil the result is unmarshalled into it.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sessionFresh() {
		if err := c.handshakeLocked(ctx); err != nil {
			return err
		}
	}

	if params == nil {
		params = []interface{}{}
	}
	c.nextID++
	req := rpcRequest{ID: c.nextID, Method: method, Params: params}
	body, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("miio: marshal request: %w", err)
	}

	// The stamp field carries device uptime seconds; advance it by the
	// wall time elapsed since the handshake.
	stamp := c.stamp + uint32(time.Since(c.stampedAt)/time.Second)
	raw, err := encodePacket(c.deviceID, stamp, body, c.key, c.iv, c.token)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.conn.Write(raw); err != nil {
			return fmt.Errorf("miio: write: %w", err)
		}
		resp, err := c.readResponse(ctx, req.ID)
		if err != nil {
			lastErr = err
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("miio: unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
	return fmt.Errorf("miio: %s: %w", method, lastErr)
}

// Info queries device identity via miIO.info.
func (c *Client) Info(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := c.Call(ctx, "miIO.info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// readResponse reads packets until one carries a payload with the expected
// request id. Stray hello replies and stale responses are skipped.
func (c *Client) readResponse(ctx context.Context, id uint32) (*rpcResponse, error) {
	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		p, err := c.readPacket(ctx)
		if err != nil {
			return nil, err
		}
		if len(p.payload) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(p.payload, &resp); err != nil {
			return nil, fmt.Errorf("miio: malformed response: %w", err)
		}
		if resp.ID != id {
			continue
		}
		return &resp, nil
	}
	return nil, &timeoutError{}
}

func (c *Client) readPacket(ctx context.Context) (*packet, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, 8192)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return decodePacket(buf[:n], c.key, c.iv, c.token)
}

// timeoutError satisfies net.Error so callers can detect timeouts uniformly.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "miio: read timed out" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
