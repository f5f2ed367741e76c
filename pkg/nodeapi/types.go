// Package nodeapi holds the wire types shared by the coordinator and the
// compute nodes. Every request type validates itself at the boundary.
package nodeapi

import (
	"errors"
	"fmt"
	"strings"
)

// ProcessState is the health of an inference process on a node.
type ProcessState string

const (
	ProcessStarting ProcessState = "starting"
	ProcessReady    ProcessState = "ready"
	ProcessCrashed  ProcessState = "crashed"
	ProcessStopped  ProcessState = "stopped"
)

// Capability describes one model a node can serve.
type Capability struct {
	Path           string `json:"path"`
	Context        int    `json:"context"`
	PricePerMinute int64  `json:"price_per_minute"`
}

// RegisterRequest is sent by a node when it joins the marketplace.
type RegisterRequest struct {
	OwnerID       string                `json:"owner_id"`
	Address       string                `json:"address"`
	Capabilities  map[string]Capability `json:"capabilities"`
	PayoutAddress string                `json:"payout_address,omitempty"`
	ControlToken  string                `json:"control_token,omitempty"`
}

func (r *RegisterRequest) Validate() error {
	if r.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if r.Address == "" {
		return errors.New("address is required")
	}
	if !strings.HasPrefix(r.Address, "http://") && !strings.HasPrefix(r.Address, "https://") {
		return fmt.Errorf("address %q must be an http(s) URL", r.Address)
	}
	if len(r.Capabilities) == 0 {
		return errors.New("capabilities must list at least one model")
	}
	for name, c := range r.Capabilities {
		if name == "" {
			return errors.New("capability model name is empty")
		}
		if c.PricePerMinute <= 0 {
			return fmt.Errorf("model %s: price_per_minute must be positive", name)
		}
		if c.Context < 0 {
			return fmt.Errorf("model %s: context must not be negative", name)
		}
	}
	return nil
}

type RegisterResponse struct {
	NodeID            string `json:"node_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatRequest reports the node's current view of its own work.
type HeartbeatRequest struct {
	Load     int      `json:"load"`
	Models   []string `json:"models"`
	Sessions []string `json:"sessions"`
}

func (r *HeartbeatRequest) Validate() error {
	if r.Load < 0 {
		return errors.New("load must not be negative")
	}
	return nil
}

// HeartbeatResponse lists sessions the node runs but should not.
type HeartbeatResponse struct {
	StopSessions []string `json:"stop_sessions"`
}

type StartSessionRequest struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Context   int    `json:"context"`
}

func (r *StartSessionRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session_id is required")
	}
	if r.Model == "" {
		return errors.New("model is required")
	}
	if r.Context < 0 {
		return errors.New("context must not be negative")
	}
	return nil
}

type StartSessionResponse struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

type SessionStatusResponse struct {
	SessionID     string       `json:"session_id"`
	Port          int          `json:"port"`
	Model         string       `json:"model"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	State         ProcessState `json:"state"`
}

// CompletionRequest is one generation call against a running session.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

func (r *CompletionRequest) Validate() error {
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	return nil
}

type CompletionResponse struct {
	Content         string `json:"content"`
	TokensGenerated int    `json:"tokens_generated"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Stopped         bool   `json:"stopped"`
}

// StreamChunk is one server-sent event of a streaming completion. The last
// chunk of a successful stream has Done set; a failed stream ends with a
// chunk carrying Error.
type StreamChunk struct {
	Content         string         `json:"content,omitempty"`
	Done            bool           `json:"done,omitempty"`
	TokensGenerated int            `json:"tokens_generated,omitempty"`
	TokensEvaluated int            `json:"tokens_evaluated,omitempty"`
	Error           *ErrorResponse `json:"error,omitempty"`
}

// InvoiceRequest asks a node to bill the platform for its payout share.
type InvoiceRequest struct {
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
}

func (r *InvoiceRequest) Validate() error {
	if r.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type InvoiceResponse struct {
	PaymentRequest string `json:"payment_request"`
	Hash           string `json:"hash"`
	Amount         int64  `json:"amount"`
}
