package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// Client implements model.ReportEvaluator over a Unix domain socket using
// JSON-RPC 2.0. Calls are serialized on one connection.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

var _ model.ReportEvaluator = (*Client)(nil)

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(ctx context.Context, method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	deadline := time.Now().Add(model.DefaultQueryTimeout + 5*time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return fmt.Errorf("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

// Evaluate runs one report on the server. ctx bounds the wait for the
// response.
func (c *Client) Evaluate(ctx context.Context, def model.Definition) (model.Result, error) {
	var result model.Result
	err := c.call(ctx, "EvaluateReport", map[string]interface{}{"Report": def}, &result)
	return result, err
}

// EvaluateCombined runs a combined report on the server.
func (c *Client) EvaluateCombined(ctx context.Context, defs []model.Definition) (model.CombinedResult, error) {
	var result model.CombinedResult
	err := c.call(ctx, "EvaluateCombinedReport", map[string]interface{}{"Reports": defs}, &result)
	return result, err
}

// ImportStatus returns the status of the server's import loops.
func (c *Client) ImportStatus(ctx context.Context) ([]model.MediatorStatus, error) {
	var result []model.MediatorStatus
	err := c.call(ctx, "ImportStatus", map[string]interface{}{}, &result)
	return result, err
}
