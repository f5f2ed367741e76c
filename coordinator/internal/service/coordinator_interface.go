package service

import (
	"context"

	"github.com/ailightning/ailightning/coordinator/internal/client"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/pkg/nodeapi"
)

// NodeAPI is the control API of a compute node as used by the coordinator
type NodeAPI interface {
	StartSession(ctx context.Context, node *model.Node, req *nodeapi.StartSessionRequest) (*nodeapi.StartSessionResponse, error)
	StopSession(ctx context.Context, node *model.Node, sessionID string) error
	SessionStatus(ctx context.Context, node *model.Node, sessionID string) (*nodeapi.SessionStatusResponse, error)
	Completion(ctx context.Context, node *model.Node, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error)
	CompletionStream(ctx context.Context, node *model.Node, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error
	CreateInvoice(ctx context.Context, node *model.Node, req *nodeapi.InvoiceRequest) (*nodeapi.InvoiceResponse, error)
}

// Ensure the HTTP client satisfies the interface
var _ NodeAPI = (*client.NodeClient)(nil)
