// Package settlement holds the narrow interfaces to the external value
// transfer network and the reward engine. The orchestration engine commits
// its ledger state before calling either; neither call can roll a release
// back.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 5 * time.Second

// Network moves value to a recipient on their chosen settlement domain.
// Dispatch is at-least-once by contract: the caller may retry with the same
// amounts and the network deduplicates on its side.
type Network interface {
	InitiateTransfer(ctx context.Context, net int64, destDomain, destAddress string) (dispatchID string, err error)
}

// Rewards is notified of completed payments so governance power can accrue.
// Best-effort only.
type Rewards interface {
	NotifyPayment(ctx context.Context, payer, recipient string, net int64) error
}

// HTTPNetwork posts transfer requests to a settlement endpoint.
type HTTPNetwork struct {
	URL    string
	Client *http.Client
}

func NewHTTPNetwork(url string, timeoutSeconds int) *HTTPNetwork {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &HTTPNetwork{URL: url, Client: &http.Client{Timeout: timeout}}
}

type transferRequest struct {
	Amount      int64  `json:"amount"`
	DestDomain  string `json:"dest_domain"`
	DestAddress string `json:"dest_address"`
}

type transferResponse struct {
	DispatchID string `json:"dispatch_id"`
}

func (n *HTTPNetwork) InitiateTransfer(ctx context.Context, amount int64, destDomain, destAddress string) (string, error) {
	body, err := json.Marshal(transferRequest{Amount: amount, DestDomain: destDomain, DestAddress: destAddress})
	if err != nil {
		return "", err
	}
	res, err := postJSON(ctx, n.Client, n.URL, body)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("settlement status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out transferResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode settlement response: %w", err)
	}
	if out.DispatchID == "" {
		return "", fmt.Errorf("settlement response missing dispatch_id")
	}
	return out.DispatchID, nil
}

// HTTPRewards posts payment notifications to the reward engine.
type HTTPRewards struct {
	URL    string
	Client *http.Client
}

func NewHTTPRewards(url string, timeoutSeconds int) *HTTPRewards {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &HTTPRewards{URL: url, Client: &http.Client{Timeout: timeout}}
}

type paymentNotice struct {
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Net       int64  `json:"net"`
}

func (r *HTTPRewards) NotifyPayment(ctx context.Context, payer, recipient string, net int64) error {
	body, err := json.Marshal(paymentNotice{Payer: payer, Recipient: recipient, Net: net})
	if err != nil {
		return err
	}
	res, err := postJSON(ctx, r.Client, r.URL, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("rewards status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// LogNetwork is used when no settlement endpoint is configured: transfers are
// acknowledged locally with a generated dispatch id.
type LogNetwork struct{}

func (LogNetwork) InitiateTransfer(_ context.Context, amount int64, destDomain, destAddress string) (string, error) {
	id := uuid.New().String()
	log.Printf("settlement: local dispatch %s amount=%d dest=%s/%s", id, amount, destDomain, destAddress)
	return id, nil
}

// LogRewards logs payment notices instead of delivering them.
type LogRewards struct{}

func (LogRewards) NotifyPayment(_ context.Context, payer, recipient string, net int64) error {
	log.Printf("rewards: payment payer=%s recipient=%s net=%d", payer, recipient, net)
	return nil
}
