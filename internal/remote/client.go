package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"flakies/terminal/internal/domain"
)

var (
	// ErrNetworkUnavailable covers transport failures, timeouts and server
	// 5xx responses. Ambiguous outcomes are deliberately folded in here:
	// the transaction stays pending-local and the next reconciliation run
	// retries it.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrRejected is a definitive server-side validation failure. The
	// transaction must be flagged, never retried.
	ErrRejected = errors.New("transaction rejected")
)

// RejectedError wraps ErrRejected with the server's reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Client is the single wire-facing contract of the terminal core: submit a
// transaction, receive either the authoritative server record or a
// structured error.
type Client interface {
	Submit(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	Ping(ctx context.Context) error
}

// TokenSource supplies the bearer token attached to outgoing requests.
type TokenSource interface {
	AccessToken() string
}

type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func NewHTTPClient(baseURL string, timeout time.Duration, tokens TokenSource) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

type submitEnvelope struct {
	EnvelopeID  string             `json:"envelope_id"`
	Transaction domain.Transaction `json:"transaction"`
}

type submitResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Error       string              `json:"error,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	payload, err := json.Marshal(submitEnvelope{
		EnvelopeID:  uuid.NewString(),
		Transaction: tx,
	})
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/transactions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server status %d", ErrNetworkUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// An expired or revoked token is transient: re-auth makes the
		// same transaction submittable, so it must stay pending-local.
		return nil, fmt.Errorf("%w: authorization failed (status %d)", ErrNetworkUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var decoded submitResponse
		reason := fmt.Sprintf("status %d", resp.StatusCode)
		if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != "" {
			reason = decoded.Error
		}
		return nil, &RejectedError{Reason: reason}
	}

	var decoded submitResponse
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Transaction == nil {
		return nil, fmt.Errorf("%w: malformed server response", ErrNetworkUnavailable)
	}
	return decoded.Transaction, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrNetworkUnavailable, resp.StatusCode)
	}
	return nil
}

type productsResponse struct {
	Products []domain.Product `json:"products"`
}

// FetchProducts pulls the product catalog from the remote server. It is not
// part of the sync Client contract; the catalog service consumes it through
// its own narrow interface.
func (c *HTTPClient) FetchProducts(ctx context.Context) ([]domain.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/products", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: products status %d", ErrNetworkUnavailable, resp.StatusCode)
	}

	var decoded productsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: malformed server response", ErrNetworkUnavailable)
	}
	return decoded.Products, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
