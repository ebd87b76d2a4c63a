package core

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const ledgerTimeout = 20 * time.Second

// LedgerClient is a typed HTTP client for the external ledger service,
// retrying transient failures with exponential backoff.
type LedgerClient struct {
	baseURL   string
	http      *http.Client
	maxTries  uint64
}

// NewLedgerClient builds a client against baseURL. tlsVerify=false disables
// certificate verification (development use only).
func NewLedgerClient(baseURL string, tlsVerify bool) *LedgerClient {
	transport := http.DefaultTransport
	if !tlsVerify {
		transport = insecureTransport()
	}
	return &LedgerClient{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: ledgerTimeout, Transport: transport},
		maxTries: 4,
	}
}

// AnchorSubmitRequest is the payload for AnchorSubmit.
type AnchorSubmitRequest struct {
	Commitment   string `json:"commitment"`
	DataType     string `json:"data_type"`
	MetadataStr  string `json:"metadata_str,omitempty"`
	Signature    string `json:"signature"`
	PublicKey    string `json:"public_key"`
}

// AnchorSubmitResponse is returned on a successful (or duplicate) submission.
type AnchorSubmitResponse struct {
	OK        bool   `json:"ok"`
	AnchorID  string `json:"anchor_id,omitempty"`
	Epoch     int64  `json:"epoch,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AnchorSubmit posts req, retrying transient failures. A 409 is translated
// to ErrDuplicateCommitment rather than retried.
func (c *LedgerClient) AnchorSubmit(ctx context.Context, req AnchorSubmitRequest) (*AnchorSubmitResponse, error) {
	var result AnchorSubmitResponse
	err := c.withRetry(ctx, func() error {
		resp, status, err := c.doJSON(ctx, http.MethodPost, "/anchor/submit", req)
		if err != nil {
			return err
		}
		if status == http.StatusConflict {
			return backoff.Permanent(fmt.Errorf("commitment exists: %w", ErrDuplicateCommitment))
		}
		if status >= 500 {
			return fmt.Errorf("ledger 5xx: %w", ErrTransportFailure)
		}
		if status >= 400 {
			return backoff.Permanent(fmt.Errorf("ledger rejected anchor submit (%d): %w", status, ErrInvalidInput))
		}
		return json.Unmarshal(resp, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AnchorVerifyResponse is the response shape for AnchorVerify.
type AnchorVerifyResponse struct {
	Found  bool           `json:"found"`
	Anchor map[string]any `json:"anchor,omitempty"`
}

// AnchorVerify looks up commitment on the ledger.
func (c *LedgerClient) AnchorVerify(ctx context.Context, commitment string) (*AnchorVerifyResponse, error) {
	var result AnchorVerifyResponse
	err := c.withRetry(ctx, func() error {
		resp, status, err := c.doJSON(ctx, http.MethodGet, "/anchor/verify?commitment="+commitment, nil)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("ledger 5xx: %w", ErrTransportFailure)
		}
		return json.Unmarshal(resp, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AnchorListResponse is the response shape for AnchorList.
type AnchorListResponse struct {
	Anchors []map[string]any `json:"anchors"`
}

// AnchorList lists anchors submitted by submitter, bounded to limit.
func (c *LedgerClient) AnchorList(ctx context.Context, submitter string, limit int) (*AnchorListResponse, error) {
	var result AnchorListResponse
	err := c.withRetry(ctx, func() error {
		resp, status, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/anchor/list?submitter=%s&limit=%d", submitter, limit), nil)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("ledger 5xx: %w", ErrTransportFailure)
		}
		return json.Unmarshal(resp, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SignedTransfer is the payload constructed and signed by SignTransfer.
type SignedTransfer struct {
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	AmountRTC   float64 `json:"amount_rtc"`
	Memo        string  `json:"memo,omitempty"`
	Nonce       uint64  `json:"nonce"`
	Signature   string  `json:"signature"`
}

// SignTransfer builds and signs a transfer payload with privateKeyHex, which
// must be a hex-encoded 32-byte Ed25519 seed.
func SignTransfer(privateKeyHex, toAddress string, amountRTC float64, memo string, nonce uint64) (*SignedTransfer, error) {
	id, err := FromPrivateKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	transfer := SignedTransfer{
		FromAddress: id.AgentID(),
		ToAddress:   toAddress,
		AmountRTC:   amountRTC,
		Memo:        memo,
		Nonce:       nonce,
	}
	raw, err := CanonicalJSON(transfer)
	if err != nil {
		return nil, fmt.Errorf("canonicalize transfer: %w", err)
	}
	transfer.Signature = hex.EncodeToString(id.Sign(raw))
	return &transfer, nil
}

func (c *LedgerClient) doJSON(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger request failed: %w", ErrTransportFailure)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", ErrTransportFailure)
	}
	return buf.Bytes(), resp.StatusCode, nil
}

func (c *LedgerClient) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxTries), ctx)
	return backoff.Retry(op, bo)
}

func insecureTransport() *http.Transport {
	return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}
