package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"go.uber.org/zap"
)

var (
	// ErrNodeUnreachable is returned when the node's control API could not
	// be reached at all.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrStreamBroken is returned when a completion stream ends without a
	// final chunk.
	ErrStreamBroken = errors.New("completion stream ended unexpectedly")
)

// Timeouts bounds every call the coordinator makes to a node.
type Timeouts struct {
	Start      time.Duration
	Stop       time.Duration
	Status     time.Duration
	Completion time.Duration
	Invoice    time.Duration
}

// NodeClient calls the control API of compute nodes
type NodeClient struct {
	httpClient *http.Client
	timeouts   Timeouts
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewNodeClient creates a node client. Per-call deadlines come from
// timeouts; the transport only bounds connection setup.
func NewNodeClient(timeouts Timeouts, m *metrics.Metrics, logger *zap.Logger) *NodeClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &NodeClient{
		httpClient: &http.Client{Transport: transport},
		timeouts:   timeouts,
		metrics:    m,
		logger:     logger,
	}
}

// StartSession asks the node to spawn an inference process for the session
func (c *NodeClient) StartSession(ctx context.Context, node *model.Node, req *nodeapi.StartSessionRequest) (*nodeapi.StartSessionResponse, error) {
	var resp nodeapi.StartSessionResponse
	if err := c.call(ctx, "start_session", c.timeouts.Start, node, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopSession asks the node to terminate the session's process. A node that
// does not know the session has nothing to stop.
func (c *NodeClient) StopSession(ctx context.Context, node *model.Node, sessionID string) error {
	err := c.call(ctx, "stop_session", c.timeouts.Stop, node, http.MethodDelete, sessionPath(sessionID), nil, nil)
	if nodeapi.CodeOf(err) == nodeapi.CodeSessionNotFound {
		return nil
	}
	return err
}

// SessionStatus returns the node's view of the session's process
func (c *NodeClient) SessionStatus(ctx context.Context, node *model.Node, sessionID string) (*nodeapi.SessionStatusResponse, error) {
	var resp nodeapi.SessionStatusResponse
	if err := c.call(ctx, "session_status", c.timeouts.Status, node, http.MethodGet, sessionPath(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Completion runs one non-streaming generation
func (c *NodeClient) Completion(ctx context.Context, node *model.Node, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error) {
	body := *req
	body.Stream = false
	var resp nodeapi.CompletionResponse
	if err := c.call(ctx, "completion", c.timeouts.Completion, node, http.MethodPost, sessionPath(sessionID)+"/completion", &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompletionStream runs a streaming generation, calling emit for every
// partial chunk. It returns nil only after the node sent a final chunk; a
// stream that breaks off or carries an error returns an error.
func (c *NodeClient) CompletionStream(ctx context.Context, node *model.Node, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) (err error) {
	start := time.Now()
	defer func() { c.observe("completion_stream", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Completion)
	defer cancel()

	body := *req
	body.Stream = true
	resp, err := c.do(ctx, node, http.MethodPost, sessionPath(sessionID)+"/completion", &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nodeapi.ReadError(resp)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var single nodeapi.CompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
			return fmt.Errorf("failed to decode completion: %w", err)
		}
		return emit(nodeapi.StreamChunk{
			Content:         single.Content,
			Done:            true,
			TokensGenerated: single.TokensGenerated,
			TokensEvaluated: single.TokensEvaluated,
		})
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var chunk nodeapi.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &chunk); err != nil {
			return fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &nodeapi.RemoteError{
				StatusCode: chunk.Error.Code.HTTPStatus(),
				Code:       chunk.Error.Code,
				Message:    chunk.Error.Message,
			}
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamBroken, err)
	}
	return ErrStreamBroken
}

// CreateInvoice asks the node to bill the platform for amount
func (c *NodeClient) CreateInvoice(ctx context.Context, node *model.Node, req *nodeapi.InvoiceRequest) (*nodeapi.InvoiceResponse, error) {
	var resp nodeapi.InvoiceResponse
	if err := c.call(ctx, "create_invoice", c.timeouts.Invoice, node, http.MethodPost, "/v1/invoices", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *NodeClient) call(ctx context.Context, op string, timeout time.Duration, node *model.Node, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() { c.observe(op, start, err) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, node, method, path, in)
	if err != nil {
		c.logger.Warn("Node call failed",
			zap.String("operation", op),
			zap.String("node_id", node.ID),
			zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nodeapi.ReadError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *NodeClient) do(ctx context.Context, node *model.Node, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(node.Address, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if node.ControlToken != "" {
		req.Header.Set("Authorization", "Bearer "+node.ControlToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, node.ID, err)
	}
	return resp, nil
}

func (c *NodeClient) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if code := nodeapi.CodeOf(err); code != "" {
			status = string(code)
		}
	}
	c.metrics.RecordNodeCall(op, status, time.Since(start).Seconds())
}

func sessionPath(sessionID string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID)
}
