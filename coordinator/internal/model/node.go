package model

import (
	"time"

	"github.com/ailightning/ailightning/pkg/nodeapi"
)

// NodeStatus is the stored status flag of a node
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Node represents a compute node known to the registry
type Node struct {
	ID            string                        `json:"id"`
	OwnerID       string                        `json:"owner_id"`
	Address       string                        `json:"address"`
	Capabilities  map[string]nodeapi.Capability `json:"capabilities"`
	Status        NodeStatus                    `json:"status"`
	Load          int64                         `json:"load"`
	LastHeartbeat time.Time                     `json:"last_heartbeat"`
	PayoutAddress string                        `json:"payout_address,omitempty"`
	TotalEarned   int64                         `json:"total_earned"`
	RegisteredAt  time.Time                     `json:"registered_at"`
	ControlToken  string                        `json:"-"`
}

// IsLive reports whether the node is online and heartbeated within timeout.
// Both conditions are required; a stale node may still claim to be online.
func (n *Node) IsLive(now time.Time, timeout time.Duration) bool {
	return n.Status == NodeOnline && now.Sub(n.LastHeartbeat) < timeout
}

// Serves reports whether the node advertises model.
func (n *Node) Serves(model string) bool {
	_, ok := n.Capabilities[model]
	return ok
}

// Capability returns the node's offer for model.
func (n *Node) Capability(model string) (nodeapi.Capability, bool) {
	c, ok := n.Capabilities[model]
	return c, ok
}
