package payment

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const macaroonHeader = "Grpc-Metadata-macaroon"

// LNDGateway is a Gateway backed by the lnd REST API.
type LNDGateway struct {
	baseURL       string
	macaroon      string
	invoiceExpiry time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewLNDGateway creates a gateway for the lnd node at cfg.Host.
func NewLNDGateway(cfg LNDConfig, timeout time.Duration, logger *zap.Logger) (*LNDGateway, error) {
	macaroon := cfg.MacaroonHex
	if macaroon == "" && cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon: %w", err)
		}
		macaroon = hex.EncodeToString(raw)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read lnd tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("lnd tls cert contains no certificates")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLSSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	baseURL := strings.TrimRight(cfg.Host, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}

	return &LNDGateway{
		baseURL:  baseURL,
		macaroon: macaroon,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		logger: logger,
	}, nil
}

type lndAddInvoiceRequest struct {
	Value  string `json:"value"`
	Memo   string `json:"memo,omitempty"`
	Expiry string `json:"expiry,omitempty"` // seconds
}

type lndInvoice struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
	Value          string `json:"value"`
	Settled        bool   `json:"settled"`
	State          string `json:"state"`
}

type lndPayReq struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumSatoshis string `json:"num_satoshis"`
}

type lndSendResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
}

type lndError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CreateInvoice adds an invoice for amount satoshis.
func (g *LNDGateway) CreateInvoice(ctx context.Context, amount int64, memo string) (*Invoice, error) {
	var out lndInvoice
	body := lndAddInvoiceRequest{Value: strconv.FormatInt(amount, 10), Memo: memo}
	if g.invoiceExpiry > 0 {
		body.Expiry = strconv.FormatInt(int64(g.invoiceExpiry/time.Second), 10)
	}
	if err := g.do(ctx, http.MethodPost, "/v1/invoices", body, &out, false); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	hash, err := base64ToHex(out.RHash)
	if err != nil {
		return nil, fmt.Errorf("create invoice: bad r_hash: %w", err)
	}
	return &Invoice{PaymentRequest: out.PaymentRequest, Hash: hash, Amount: amount}, nil
}

// CheckInvoice looks up an invoice by its hex payment hash.
func (g *LNDGateway) CheckInvoice(ctx context.Context, hash string) (*Invoice, error) {
	var out lndInvoice
	if err := g.do(ctx, http.MethodGet, "/v1/invoice/"+url.PathEscape(hash), nil, &out, false); err != nil {
		return nil, fmt.Errorf("check invoice: %w", err)
	}
	amount, _ := strconv.ParseInt(out.Value, 10, 64)
	return &Invoice{
		PaymentRequest: out.PaymentRequest,
		Hash:           hash,
		Amount:         amount,
		Settled:        out.Settled || out.State == "SETTLED",
	}, nil
}

// IsPaid reports whether the invoice is settled, treating any error as unpaid.
func (g *LNDGateway) IsPaid(ctx context.Context, hash string) bool {
	inv, err := g.CheckInvoice(ctx, hash)
	if err != nil {
		g.logger.Warn("Invoice check failed, treating as unpaid",
			zap.String("payment_hash", hash),
			zap.Error(err))
		return false
	}
	return inv.Settled
}

// DecodeInvoice asks lnd to decode a payment request.
func (g *LNDGateway) DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error) {
	var out lndPayReq
	if err := g.do(ctx, http.MethodGet, "/v1/payreq/"+url.PathEscape(paymentRequest), nil, &out, false); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	amount, err := strconv.ParseInt(out.NumSatoshis, 10, 64)
	if err != nil && out.NumSatoshis != "" {
		return nil, fmt.Errorf("decode invoice: bad amount %q: %w", out.NumSatoshis, err)
	}
	return &DecodedInvoice{Hash: out.PaymentHash, Amount: amount, Destination: out.Destination}, nil
}

// PayOut pays a payment request synchronously.
func (g *LNDGateway) PayOut(ctx context.Context, paymentRequest string) (*PayoutResult, error) {
	var out lndSendResponse
	body := map[string]string{"payment_request": paymentRequest}
	if err := g.do(ctx, http.MethodPost, "/v1/channels/transactions", body, &out, true); err != nil {
		return nil, fmt.Errorf("pay invoice: %w", err)
	}
	if out.PaymentError != "" {
		return &PayoutResult{Success: false, Error: out.PaymentError},
			fmt.Errorf("pay invoice: %w: %s", ErrRejected, out.PaymentError)
	}
	proof, err := base64ToHex(out.PaymentPreimage)
	if err != nil || proof == "" {
		return nil, fmt.Errorf("pay invoice: %w: response carried no preimage", ErrAmbiguous)
	}
	return &PayoutResult{Success: true, Proof: proof}, nil
}

// Ping checks that lnd answers.
func (g *LNDGateway) Ping(ctx context.Context) error {
	var out map[string]interface{}
	return g.do(ctx, http.MethodGet, "/v1/getinfo", nil, &out, false)
}

// do performs one REST call. With sensitive set, failures after the request
// may have reached the daemon are reported as ErrAmbiguous rather than
// ErrUnavailable. A 5xx is never a definite refusal: lnd's REST proxy
// answers deadline and unavailability errors of a call still in flight with
// 503/504 and a JSON body.
func (g *LNDGateway) do(ctx context.Context, method, path string, in, out interface{}, sensitive bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.macaroon != "" {
		req.Header.Set(macaroonHeader, g.macaroon)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err, sensitive)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if sensitive {
			return fmt.Errorf("%w: reading response: %v", ErrAmbiguous, err)
		}
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrInvoiceNotFound, errorMessage(raw))
	case resp.StatusCode >= 500:
		if sensitive {
			return fmt.Errorf("%w: http %d: %s", ErrAmbiguous, resp.StatusCode, errorMessage(raw))
		}
		return fmt.Errorf("%w: http %d: %s", ErrUnavailable, resp.StatusCode, errorMessage(raw))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: http %d: %s", ErrRejected, resp.StatusCode, errorMessage(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		if sensitive {
			return fmt.Errorf("%w: bad response: %v", ErrAmbiguous, err)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func classifyTransportError(err error, sensitive bool) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sensitive {
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func errorMessage(raw []byte) string {
	var e lndError
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func base64ToHex(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(b), nil
}
