// Package pico implements the outbound client for the Pico MES endpoint.
package pico

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Callback method names registered with the MES at subscribe time. Inbound
// envelopes are dispatched on these exact strings.
const (
	MethodNewWorkflowVersion = "newWorkflowVersion"
	MethodWorkOrderComplete  = "workOrderComplete"
)

// Failure kinds for outbound calls, distinguished so operator messaging can
// tell a bad URL from an unreachable endpoint from a rejecting one.
var (
	ErrInvalidEndpoint = errors.New("invalid pico endpoint url")
	ErrConnection      = errors.New("cannot connect to pico endpoint")
)

// StatusError reports a non-2xx response from the Pico endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pico endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Pico MES. It is stateless; idempotency of the remote
// operations is left to the caller.
type Client struct {
	baseURL     string
	customerKey string
	httpClient  *http.Client
	log         zerolog.Logger
}

// NewClient validates the endpoint URL and builds a client with a bounded
// request timeout.
func NewClient(baseURL, customerKey string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		customerKey: customerKey,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log.With().Str("component", "pico_client").Logger(),
	}, nil
}

// URL returns the configured endpoint URL, for operator-facing messages.
func (c *Client) URL() string {
	return c.baseURL
}

type subscribeRequest struct {
	RPCHostURL               string `json:"rpcHostUrl"`
	NewWorkflowVersionMethod string `json:"newWorkflowVersionMethod"`
	WorkOrderCompleteMethod  string `json:"workOrderCompleteMethod"`
}

// Subscribe registers the bridge's RPC host URL and callback method names
// with the MES.
func (c *Client) Subscribe(ctx context.Context, rpcHostURL string) error {
	body := subscribeRequest{
		RPCHostURL:               rpcHostURL,
		NewWorkflowVersionMethod: MethodNewWorkflowVersion,
		WorkOrderCompleteMethod:  MethodWorkOrderComplete,
	}
	return c.do(ctx, http.MethodPost, "/subscribe_jsonrpc", body, nil)
}

type createWorkOrderRequest struct {
	ProcessID         string `json:"processId"`
	WorkflowVersionID string `json:"workflowVersionId"`
	Annotation        string `json:"annotation"`
}

type createWorkOrderResponse struct {
	ID string `json:"id"`
}

// CreateWorkOrder opens a remote work order for a process under a workflow
// version and returns the remote id. The annotation is the production run's
// human-readable name.
func (c *Client) CreateWorkOrder(ctx context.Context, processID, workflowVersionID, annotation string) (string, error) {
	body := createWorkOrderRequest{
		ProcessID:         processID,
		WorkflowVersionID: workflowVersionID,
		Annotation:        annotation,
	}
	var resp createWorkOrderResponse
	if err := c.do(ctx, http.MethodPost, "/work_orders", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("pico endpoint returned no work order id")
	}
	return resp.ID, nil
}

// DeleteWorkOrder removes a remote work order.
func (c *Client) DeleteWorkOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/work_orders/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.customerKey != "" {
		req.Header.Set("X-Pico-Customer-Key", c.customerKey)
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("calling pico endpoint")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return nil
}
