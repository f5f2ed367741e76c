package store

import (
	"context"
	"errors"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("duplicate")
	// ErrStateChanged is returned by a conditional update whose expected
	// state no longer holds
	ErrStateChanged = errors.New("state changed concurrently")
)

// NodeStore is the shared registry store. Counters are updated atomically on
// the server side.
type NodeStore interface {
	PutNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)
	ListNodeIDs(ctx context.Context) ([]string, error)
	DeleteNode(ctx context.Context, nodeID string) error

	// Touch marks the node online and records a heartbeat at the given time.
	Touch(ctx context.Context, nodeID string, at time.Time) error
	SetStatus(ctx context.Context, nodeID string, status model.NodeStatus) error
	IncrLoad(ctx context.Context, nodeID string, delta int64) (int64, error)
	AddEarned(ctx context.Context, nodeID string, amount int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// SessionStore persists sessions, balances and settlements.
type SessionStore interface {
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessionsByState(ctx context.Context, state model.SessionState) ([]*model.Session, error)
	// SessionStates returns the state of each known id; unknown ids are absent.
	SessionStates(ctx context.Context, ids []string) (map[string]model.SessionState, error)
	// UpdateSession writes session only if its stored state is still from,
	// applying credits in the same transaction.
	UpdateSession(ctx context.Context, session *model.Session, from model.SessionState, credits ...model.Credit) error

	GetBalance(ctx context.Context, account string) (int64, error)

	// BeginSettlement records a pending settlement. It returns false if the
	// session already has one.
	BeginSettlement(ctx context.Context, st *model.Settlement) (bool, error)
	// FinishSettlement stores the outcome of a pending settlement together
	// with its credits.
	FinishSettlement(ctx context.Context, st *model.Settlement, credits ...model.Credit) error
	GetSettlement(ctx context.Context, sessionID string) (*model.Settlement, error)
	// ListUnsettledEnded returns ended sessions with no settlement row or
	// with a pending one last touched before pendingBefore.
	ListUnsettledEnded(ctx context.Context, pendingBefore time.Time) ([]*model.Session, error)

	Ping(ctx context.Context) error
	Close()
}

// IdempotencyStore binds client idempotency keys to the value of the first
// request that used them.
type IdempotencyStore interface {
	// Claim binds key to value unless it is already bound, in which case
	// the bound value is returned with claimed false.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (existing string, claimed bool, err error)
	// Release unbinds key if it is still bound to value.
	Release(ctx context.Context, key, value string) error
}

// Locker serializes work on a key across goroutines and, for distributed
// implementations, across coordinator instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
