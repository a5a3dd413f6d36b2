// Package crm implements contracts.CRMClient against the external sales
// API: an HTTP client wrapped in exponential backoff and a per-host circuit
// breaker (§1, §4.B, §4.A stage 1).
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// Client is the production contracts.CRMClient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
}

// NewClient creates a Client bound to baseURL. apiKey is sent as a bearer
// token on every request.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "crm",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, breaker: breaker, maxRetries: 2}
}

type salesListResponse struct {
	Fiches []struct {
		FicheID string          `json:"ficheId"`
		Groupe  string          `json:"groupe"`
		Raw     json.RawMessage `json:"raw"`
	} `json:"fiches"`
}

// ListSalesForDate fetches the sales list for one calendar day, retrying
// transient failures with exponential backoff before the circuit breaker
// records them.
func (c *Client) ListSalesForDate(ctx context.Context, date time.Time) ([]contracts.FicheSummary, error) {
	var out []contracts.FicheSummary
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.doListSales(ctx, date)
		})
		if err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = result.([]contracts.FicheSummary)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sales for %s: %w", date.Format("2006-01-02"), wrapUnavailable(err))
	}
	return out, nil
}

func (c *Client) doListSales(ctx context.Context, date time.Time) ([]contracts.FicheSummary, error) {
	url := fmt.Sprintf("%s/sales?date=%s", c.baseURL, date.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("crm list sales: server status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm list sales: unexpected status %d", resp.StatusCode)
	}

	var parsed salesListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding sales list response: %w", err)
	}

	out := make([]contracts.FicheSummary, 0, len(parsed.Fiches))
	for _, f := range parsed.Fiches {
		out = append(out, contracts.FicheSummary{
			FicheID: contracts.FicheID(f.FicheID),
			Groupe:  f.Groupe,
			RawData: f.Raw,
		})
	}
	return out, nil
}

type ficheDetailsResponse struct {
	FicheID         string          `json:"ficheId"`
	Groupe          string          `json:"groupe"`
	RecordingsCount int             `json:"recordingsCount"`
	Recordings      []struct {
		ExternalID string `json:"externalId"`
		URL        string `json:"url"`
	} `json:"recordings"`
	Raw json.RawMessage `json:"raw"`
}

// GetFicheDetails fetches the authoritative fiche record. A 404 response
// maps to contracts.ErrFicheNotFound, which callers must treat as a
// terminal (non-retriable) outcome, never as a transient failure.
func (c *Client) GetFicheDetails(ctx context.Context, ficheID contracts.FicheID, cle string) (*contracts.FicheDetails, error) {
	var out *contracts.FicheDetails
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.doGetDetails(ctx, ficheID, cle)
		})
		if err != nil {
			if isNotFound(err) {
				return err // terminal, do not retry
			}
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = result.(*contracts.FicheDetails)
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("fiche %s: %w", ficheID, contracts.ErrFicheNotFound)
		}
		return nil, fmt.Errorf("fetching details for fiche %s: %w", ficheID, wrapUnavailable(err))
	}
	return out, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "fiche not found" }

func (c *Client) doGetDetails(ctx context.Context, ficheID contracts.FicheID, cle string) (*contracts.FicheDetails, error) {
	url := fmt.Sprintf("%s/fiches/%s?cle=%s", c.baseURL, ficheID, cle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFoundError{}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("crm get details: server status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm get details: unexpected status %d", resp.StatusCode)
	}

	var parsed ficheDetailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding fiche details response: %w", err)
	}

	recordings := make([]contracts.Recording, 0, len(parsed.Recordings))
	for _, rec := range parsed.Recordings {
		recordings = append(recordings, contracts.Recording{ExternalID: rec.ExternalID, URL: rec.URL})
	}

	return &contracts.FicheDetails{
		FicheID:         ficheID,
		Cle:             cle,
		Groupe:          parsed.Groupe,
		RecordingsCount: parsed.RecordingsCount,
		Recordings:      recordings,
		RawData:         parsed.Raw,
	}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func isNotFound(err error) bool {
	var nf notFoundError
	return errors.As(err, &nf)
}

func isRetryable(err error) bool {
	return !isNotFound(err)
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", contracts.ErrCRMUnavailable, err)
}

var _ contracts.CRMClient = (*Client)(nil)
