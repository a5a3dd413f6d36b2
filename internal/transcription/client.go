// Package transcription implements contracts.TranscriptionClient against
// the external speech-to-text engine, using the same retry/breaker shape
// as internal/crm (§1, §4.A stage 3).
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// Client is the production contracts.TranscriptionClient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
}

// NewClient creates a Client bound to baseURL.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "transcription",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, breaker: breaker, maxRetries: 2}
}

type submitRequest struct {
	RecordingURL string `json:"recordingUrl"`
	Priority     string `json:"priority"`
}

type submitResponse struct {
	TranscriptionID string `json:"transcriptionId"`
}

// Transcribe submits recordingURL for transcription and returns the engine's
// job id, which is stored and later correlated by the transcription gate
// (§4.C gate 2). The engine's own processing is asynchronous; this call only
// confirms acceptance of the job.
func (c *Client) Transcribe(ctx context.Context, recordingURL string, priority contracts.TranscriptionPriority) (string, error) {
	var id string
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.doSubmit(ctx, recordingURL, priority)
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		id = result.(string)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting transcription for %s: %w", recordingURL, wrapUnavailable(err))
	}
	return id, nil
}

func (c *Client) doSubmit(ctx context.Context, recordingURL string, priority contracts.TranscriptionPriority) (string, error) {
	body, err := json.Marshal(submitRequest{RecordingURL: recordingURL, Priority: string(priority)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcriptions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("transcription submit: unexpected status %d", resp.StatusCode)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding transcription submit response: %w", err)
	}
	return parsed.TranscriptionID, nil
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", contracts.ErrTranscriptionUnavailable, err)
}

var _ contracts.TranscriptionClient = (*Client)(nil)
