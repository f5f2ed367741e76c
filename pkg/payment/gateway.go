// Package payment talks to the Lightning payment daemon that issues
// invoices, reports their settlement and pays node operators.
package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the daemon could not be reached; nothing was sent.
	ErrUnavailable = errors.New("payment daemon unavailable")
	// ErrRejected means the daemon answered and refused the operation.
	ErrRejected = errors.New("payment rejected")
	// ErrInvoiceNotFound means the daemon does not know the invoice.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrAmountMismatch means a decoded invoice does not bill the expected amount.
	ErrAmountMismatch = errors.New("invoice amount mismatch")
	// ErrWrongDestination means a decoded invoice pays a node other than the
	// one expected.
	ErrWrongDestination = errors.New("invoice destination mismatch")
	// ErrAmbiguous means a payment request reached the daemon but no answer
	// came back, so the payment may or may not have happened.
	ErrAmbiguous = errors.New("payment outcome unknown")
)

// IsNodePubkey reports whether s is a compressed secp256k1 public key in
// hex, the form lnd reports as an invoice destination.
func IsNodePubkey(s string) bool {
	if len(s) != 66 || (s[:2] != "02" && s[:2] != "03") {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// IsAmbiguous reports whether err leaves the outcome of a payout unknown.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

// Invoice is a payment request issued by the daemon.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	Hash           string `json:"hash"`
	Amount         int64  `json:"amount"`
	Settled        bool   `json:"settled"`
}

// DecodedInvoice is what the daemon reads out of a payment request.
type DecodedInvoice struct {
	Hash        string
	Amount      int64
	Destination string
}

// PayoutResult is the outcome of an outbound payment.
type PayoutResult struct {
	Success bool
	Proof   string
	Error   string
}

// Gateway abstracts the payment daemon.
type Gateway interface {
	CreateInvoice(ctx context.Context, amount int64, memo string) (*Invoice, error)
	// CheckInvoice returns the daemon's view of an invoice.
	CheckInvoice(ctx context.Context, hash string) (*Invoice, error)
	// IsPaid never fails: transient errors read as "not yet paid".
	IsPaid(ctx context.Context, hash string) bool
	DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error)
	PayOut(ctx context.Context, paymentRequest string) (*PayoutResult, error)
	Ping(ctx context.Context) error
}

const (
	ModeSimulated = "simulated"
	ModeLND       = "lnd"
)

// Config selects and configures the payment backend.
type Config struct {
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// InvoiceExpiry bounds how long issued invoices stay payable; zero
	// leaves the daemon default. The coordinator sets its payment window.
	InvoiceExpiry time.Duration `mapstructure:"invoice_expiry" yaml:"invoice_expiry"`
	LND           LNDConfig     `mapstructure:"lnd" yaml:"lnd"`
}

// LNDConfig points at an lnd REST endpoint.
type LNDConfig struct {
	Host          string `mapstructure:"host" yaml:"host"`
	MacaroonPath  string `mapstructure:"macaroon_path" yaml:"macaroon_path"`
	MacaroonHex   string `mapstructure:"macaroon_hex" yaml:"macaroon_hex"`
	TLSCertPath   string `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// Validate checks the payment configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSimulated:
		return nil
	case ModeLND:
		if c.LND.Host == "" {
			return errors.New("payment.lnd.host is required in lnd mode")
		}
		if c.LND.MacaroonPath == "" && c.LND.MacaroonHex == "" {
			return errors.New("payment.lnd.macaroon_path or payment.lnd.macaroon_hex is required in lnd mode")
		}
		if c.Timeout <= 0 {
			return errors.New("payment.timeout must be positive")
		}
		return nil
	default:
		return fmt.Errorf("payment.mode must be one of: %s, %s", ModeSimulated, ModeLND)
	}
}

// New builds the gateway selected by cfg.Mode.
func New(cfg Config, logger *zap.Logger) (Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeSimulated {
		logger.Warn("Payment gateway running in simulated mode: every invoice is settled")
		return NewSimulatedGateway(), nil
	}
	g, err := NewLNDGateway(cfg.LND, cfg.Timeout, logger)
	if err != nil {
		return nil, err
	}
	g.invoiceExpiry = cfg.InvoiceExpiry
	return g, nil
}
