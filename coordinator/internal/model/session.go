package model

import "time"

// SessionState is the authoritative state of a session
type SessionState string

const (
	SessionPendingPayment SessionState = "pending_payment"
	SessionActive         SessionState = "active"
	SessionEnded          SessionState = "ended"
	SessionExpired        SessionState = "expired"
	SessionRefunded       SessionState = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionEnded, SessionExpired, SessionRefunded:
		return true
	default:
		return false
	}
}

// EndReason records why an active session ended
type EndReason string

const (
	EndStopped  EndReason = "stopped"
	EndExpired  EndReason = "expired"
	EndCrashed  EndReason = "crashed"
	EndNodeLost EndReason = "node_lost"
)

// Abnormal reports whether the session ended before the user was served in
// full, in which case billing is pro-rata.
func (r EndReason) Abnormal() bool {
	return r == EndCrashed || r == EndNodeLost
}

// Session is one paid unit of inference time
type Session struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	NodeID         string       `json:"node_id"`
	OwnerID        string       `json:"owner_id"`
	Model          string       `json:"model"`
	Context        int          `json:"context"`
	Minutes        int          `json:"minutes"`
	PricePerMinute int64        `json:"price_per_minute"`
	Amount         int64        `json:"amount"`
	PaymentHash    string       `json:"payment_hash"`
	PaymentRequest string       `json:"payment_request"`
	State          SessionState `json:"state"`
	Port           int          `json:"port,omitempty"`
	EndReason      EndReason    `json:"end_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at,omitempty"`
	StartedAt      time.Time    `json:"started_at,omitempty"`
	EndedAt        time.Time    `json:"ended_at,omitempty"`
}

// Duration is the purchased session length.
func (s *Session) Duration() time.Duration {
	return time.Duration(s.Minutes) * time.Minute
}

// Expired reports whether an active session ran past its purchased time.
func (s *Session) Expired(now time.Time) bool {
	return s.State == SessionActive && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Billable returns the amount earned by the node for time served up to end.
// Elapsed time is clamped to the purchased duration.
func (s *Session) Billable(end time.Time) int64 {
	total := s.Duration()
	if total <= 0 || s.StartedAt.IsZero() {
		return 0
	}
	elapsed := end.Sub(s.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= total {
		return s.Amount
	}
	return int64(float64(s.Amount) * float64(elapsed) / float64(total))
}

// Credit is a balance movement applied together with a state change.
type Credit struct {
	Account string
	Amount  int64
}
