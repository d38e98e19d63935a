package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/al-bashkir/tgbridge/internal/session"
)

// Client is the IPC client used by the CLI to talk to a running daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    time.Minute,
	}
}

// Send sends an admin request to the daemon and waits for the response.
func (c *Client) Send(ctx context.Context, req *AdminRequest) (*AdminResponse, error) {
	req.Type = MessageTypeAdminRequest

	// Connect to Unix socket with timeout
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Set overall deadline
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	// Send request
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// Read response
	var resp AdminResponse
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Validate response type
	if resp.Type != MessageTypeAdminResponse {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}

	return &resp, nil
}

// List returns the daemon's pool snapshot.
func (c *Client) List(ctx context.Context) ([]session.Info, error) {
	resp, err := c.call(ctx, &AdminRequest{Command: CommandList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Reap evicts idle sessions now. A nil maxIdle uses the daemon's configured
// idle timeout.
func (c *Client) Reap(ctx context.Context, maxIdle *time.Duration) (int, error) {
	req := &AdminRequest{Command: CommandReap}
	if maxIdle != nil {
		secs := int(maxIdle.Seconds())
		req.MaxIdleSeconds = &secs
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Reaped, nil
}

// Disconnect logs userID out and deletes the persisted session.
func (c *Client) Disconnect(ctx context.Context, userID string) error {
	_, err := c.call(ctx, &AdminRequest{Command: CommandDisconnect, UserID: userID})
	return err
}

// call sends req and turns an error status into an error.
func (c *Client) call(ctx context.Context, req *AdminRequest) (*AdminResponse, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, fmt.Errorf("daemon: %s", resp.Error)
	}
	return resp, nil
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SocketPath returns the daemon socket the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}
