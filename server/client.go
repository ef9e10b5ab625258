package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/TFMV/furydcc/transfer"
)

// DefaultClientTimeout bounds a single API call.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

// Client talks to a node's API.
type Client struct {
	base    string
	timeout time.Duration
}

// NewClient creates a Client for the API at base, e.g. http://127.0.0.1:8080.
func NewClient(base string) *Client {
	return &Client{
		base:    strings.TrimRight(base, "/"),
		timeout: DefaultClientTimeout,
	}
}

// Status returns the node status.
func (c *Client) Status() (Status, error) {
	var status Status
	err := c.do(fiber.MethodGet, "/status", nil, &status)
	return status, err
}

// List returns every transfer.
func (c *Client) List() ([]transfer.Record, error) {
	var records []transfer.Record
	err := c.do(fiber.MethodGet, "/transfers", nil, &records)
	return records, err
}

// Get returns one transfer.
func (c *Client) Get(id string) (transfer.Record, error) {
	var rec transfer.Record
	err := c.do(fiber.MethodGet, "/transfers/"+id, nil, &rec)
	return rec, err
}

// Send offers the file at path, which must be readable by the node, to nick.
func (c *Client) Send(nick, path string) (transfer.Record, error) {
	var rec transfer.Record
	err := c.do(fiber.MethodPost, "/transfers", SendRequest{Nick: nick, Path: path}, &rec)
	return rec, err
}

// Accept accepts an offer, saving into savePath or the configured directory.
func (c *Client) Accept(id, savePath string) (transfer.Record, error) {
	var rec transfer.Record
	err := c.do(fiber.MethodPost, "/transfers/"+id+"/accept", AcceptRequest{SavePath: savePath}, &rec)
	return rec, err
}

// Reject declines an offer.
func (c *Client) Reject(id string) (transfer.Record, error) {
	var rec transfer.Record
	err := c.do(fiber.MethodPost, "/transfers/"+id+"/reject", nil, &rec)
	return rec, err
}

// Cancel aborts a transfer.
func (c *Client) Cancel(id string) (transfer.Record, error) {
	var rec transfer.Record
	err := c.do(fiber.MethodPost, "/transfers/"+id+"/cancel", nil, &rec)
	return rec, err
}

// Acknowledge removes a finished transfer.
func (c *Client) Acknowledge(id string) error {
	return c.do(fiber.MethodDelete, "/transfers/"+id, nil, nil)
}

func (c *Client) do(method, path string, body, out any) error {
	// Bytes releases the agent
	agent := fiber.AcquireAgent()
	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	agent.Timeout(c.timeout)
	if body != nil {
		agent.JSON(body)
	}
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return fmt.Errorf("failed to build request: %w", err)
	}

	code, data, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("failed to call %s %s: %w", method, path, errors.Join(errs...))
	}

	if code >= fiber.StatusBadRequest {
		var resp ErrorResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.Error == "" {
			resp.Error = string(data)
		}
		return &APIError{Status: code, Message: resp.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
