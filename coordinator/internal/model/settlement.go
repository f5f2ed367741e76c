package model

import "time"

// SettlementMethod records how a node was paid for a session
type SettlementMethod string

const (
	SettlementPending SettlementMethod = "pending"
	// SettlementDirect: paid to the node's own invoice
	SettlementDirect SettlementMethod = "direct"
	// SettlementBalance: credited to the owner's internal balance
	SettlementBalance SettlementMethod = "balance"
	// SettlementUnsettled: outcome unknown, needs manual reconciliation
	SettlementUnsettled SettlementMethod = "unsettled"
	// SettlementNone: nothing billable
	SettlementNone SettlementMethod = "none"
)

// Settlement is the single payout record of a session
type Settlement struct {
	SessionID   string           `json:"session_id"`
	NodeID      string           `json:"node_id"`
	OwnerID     string           `json:"owner_id"`
	Billable    int64            `json:"billable"`
	Share       int64            `json:"share"`
	Refund      int64            `json:"refund"`
	Method      SettlementMethod `json:"method"`
	InvoiceHash string           `json:"invoice_hash,omitempty"`
	Proof       string           `json:"proof,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
