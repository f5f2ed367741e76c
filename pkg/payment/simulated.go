package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

const simulatedPrefix = "lnsim"

// SimulatedGateway settles every invoice and every payout. Payment requests
// carry their amount and hash in clear so any simulated gateway can decode
// invoices issued by another one.
type SimulatedGateway struct {
	seq atomic.Uint64
}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{}
}

func (g *SimulatedGateway) CreateInvoice(_ context.Context, amount int64, memo string) (*Invoice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("create invoice: %w: amount must be positive", ErrRejected)
	}
	n := g.seq.Add(1)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", n, amount, memo)))
	hash := hex.EncodeToString(sum[:])
	return &Invoice{
		PaymentRequest: fmt.Sprintf("%s:%d:%s", simulatedPrefix, amount, hash),
		Hash:           hash,
		Amount:         amount,
		Settled:        true,
	}, nil
}

func (g *SimulatedGateway) CheckInvoice(_ context.Context, hash string) (*Invoice, error) {
	return &Invoice{Hash: hash, Settled: true}, nil
}

func (g *SimulatedGateway) IsPaid(context.Context, string) bool {
	return true
}

func (g *SimulatedGateway) DecodeInvoice(_ context.Context, paymentRequest string) (*DecodedInvoice, error) {
	parts := strings.Split(paymentRequest, ":")
	if len(parts) != 3 || parts[0] != simulatedPrefix {
		return nil, fmt.Errorf("decode invoice: %w: not a simulated payment request", ErrRejected)
	}
	amount, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode invoice: %w: bad amount", ErrRejected)
	}
	return &DecodedInvoice{Hash: parts[2], Amount: amount, Destination: simulatedPrefix}, nil
}

func (g *SimulatedGateway) PayOut(ctx context.Context, paymentRequest string) (*PayoutResult, error) {
	if _, err := g.DecodeInvoice(ctx, paymentRequest); err != nil {
		return nil, fmt.Errorf("pay invoice: %w", err)
	}
	sum := sha256.Sum256([]byte("preimage:" + paymentRequest))
	return &PayoutResult{Success: true, Proof: hex.EncodeToString(sum[:])}, nil
}

func (g *SimulatedGateway) Ping(context.Context) error {
	return nil
}
