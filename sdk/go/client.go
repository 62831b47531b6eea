package pharmalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pharmaline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Batch represents the API batch model (partial).
type Batch struct {
	ID          string  `json:"id"`
	BatchNumber string  `json:"batch_number"`
	ProductID   string  `json:"product_id"`
	BatchSize   float64 `json:"batch_size"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
}

// PhaseExecution represents one phase attempt (partial).
type PhaseExecution struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	Position  int    `json:"position"`
	Attempt   int    `json:"attempt"`
	PhaseName string `json:"phase_name"`
	Status    string `json:"status"`
}

// Quarantine represents a quarantined batch.
type Quarantine struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	PhaseName   string `json:"phase_name"`
	Status      string `json:"status"`
	SampleCount int    `json:"sample_count"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	BatchID   string         `json:"batch_id"`
	PhaseName string         `json:"phase_name"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBatch opens a batch manufacturing record.
func (c *Client) CreateBatch(ctx context.Context, batchNumber, productID string, size float64, operationID string) (Batch, error) {
	body := map[string]any{
		"batch_number": batchNumber,
		"product_id":   productID,
		"batch_size":   size,
	}
	if operationID != "" {
		body["operation_id"] = operationID
	}
	var resp Batch
	err := c.do(ctx, http.MethodPost, "batches", body, &resp)
	return resp, err
}

// TransitionBatch submits, approves, rejects or cancels a record.
func (c *Client) TransitionBatch(ctx context.Context, batchID, transition, reason, operationID string) (Batch, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	if operationID != "" {
		body["operation_id"] = operationID
	}
	var resp Batch
	endpoint := fmt.Sprintf("batches/%s/%s", url.PathEscape(batchID), transition)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartPhase starts a pending phase, optionally on a machine.
func (c *Client) StartPhase(ctx context.Context, batchID, phase, machineID, operationID string) (PhaseExecution, error) {
	body := map[string]any{}
	if machineID != "" {
		body["machine_id"] = machineID
	}
	if operationID != "" {
		body["operation_id"] = operationID
	}
	var resp PhaseExecution
	endpoint := fmt.Sprintf("batches/%s/phases/%s/start", url.PathEscape(batchID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompletePhase closes an in-progress phase.
func (c *Client) CompletePhase(ctx context.Context, batchID, phase string, processData any, operationID string) (PhaseExecution, error) {
	body := map[string]any{}
	if processData != nil {
		body["process_data"] = processData
	}
	if operationID != "" {
		body["operation_id"] = operationID
	}
	var resp PhaseExecution
	endpoint := fmt.Sprintf("batches/%s/phases/%s/complete", url.PathEscape(batchID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DecideQC records a quality checkpoint verdict.
func (c *Client) DecideQC(ctx context.Context, batchID, phase string, approved bool, reason, operationID string) (PhaseExecution, error) {
	body := map[string]any{"approved": approved}
	if reason != "" {
		body["reason"] = reason
	}
	if operationID != "" {
		body["operation_id"] = operationID
	}
	var resp PhaseExecution
	endpoint := fmt.Sprintf("batches/%s/phases/%s/qc", url.PathEscape(batchID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FlagDeviation quarantines a batch over a deviation on the named phase.
func (c *Client) FlagDeviation(ctx context.Context, batchID, phase, reason, operationID string) (Quarantine, error) {
	body := map[string]any{"reason": reason}
	if operationID != "" {
		body["operation_id"] = operationID
	}
	var resp Quarantine
	endpoint := fmt.Sprintf("batches/%s/phases/%s/deviation", url.PathEscape(batchID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Quarantines lists quarantines, optionally of one batch.
func (c *Client) Quarantines(ctx context.Context, batchID string) ([]Quarantine, error) {
	endpoint := "quarantines"
	if batchID != "" {
		endpoint += "?batch_id=" + url.QueryEscape(batchID)
	}
	var resp []Quarantine
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, batchID string, limit int) ([]Event, error) {
	endpoint := "events"
	params := url.Values{}
	if batchID != "" {
		params.Set("batch_id", batchID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
