package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ailightning/ailightning/pkg/nodeapi"
	"go.uber.org/zap"
)

// ErrUnknownNode is returned when the coordinator no longer knows this node.
var ErrUnknownNode = errors.New("coordinator does not know this node")

// CoordinatorClient handles communication with the coordinator service
type CoordinatorClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCoordinatorClient creates a new coordinator client
func NewCoordinatorClient(baseURL string, timeout time.Duration, logger *zap.Logger) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Register announces this node and returns the id the coordinator assigned
func (c *CoordinatorClient) Register(ctx context.Context, req *nodeapi.RegisterRequest) (*nodeapi.RegisterResponse, error) {
	c.logger.Info("Registering node with coordinator",
		zap.String("owner_id", req.OwnerID),
		zap.String("address", req.Address),
		zap.Int("models", len(req.Capabilities)),
		zap.String("coordinator", c.baseURL))

	var resp nodeapi.RegisterResponse
	if err := c.post(ctx, "/v1/nodes/register", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}
	if resp.NodeID == "" {
		return nil, errors.New("registration failed: coordinator returned no node id")
	}

	c.logger.Info("Successfully registered with coordinator", zap.String("node_id", resp.NodeID))
	return &resp, nil
}

// RegisterWithRetry attempts to register with the coordinator with retries
func (c *CoordinatorClient) RegisterWithRetry(ctx context.Context, req *nodeapi.RegisterRequest, maxRetries int, retryInterval time.Duration) (*nodeapi.RegisterResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := c.Register(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Failed to register with coordinator, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during registration: %w", ctx.Err())
			case <-time.After(retryInterval):
			}
		}
	}

	return nil, fmt.Errorf("failed to register after %d attempts: %w", maxRetries, lastErr)
}

// Heartbeat reports liveness and local sessions
func (c *CoordinatorClient) Heartbeat(ctx context.Context, nodeID string, req *nodeapi.HeartbeatRequest) (*nodeapi.HeartbeatResponse, error) {
	var resp nodeapi.HeartbeatResponse
	if err := c.post(ctx, "/v1/nodes/"+url.PathEscape(nodeID)+"/heartbeat", req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			return nil, ErrUnknownNode
		}
		return nil, err
	}
	return &resp, nil
}

// Unregister removes this node from the registry
func (c *CoordinatorClient) Unregister(ctx context.Context, nodeID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/nodes/"+url.PathEscape(nodeID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to unregister node: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to unregister node: http %d", resp.StatusCode)
	}
	return nil
}

func (c *CoordinatorClient) post(ctx context.Context, path string, in, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &statusError{status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(se)
		return se
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusError struct {
	status    int
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *statusError) Error() string {
	return fmt.Sprintf("coordinator returned %d %s: %s", e.status, e.ErrorCode, e.Message)
}
