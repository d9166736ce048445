// report/client.go
package report

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

	"geowatch-system/internal/domain"
)

const callbackPath = "/api/v1/callbacks/analysis-complete"

// Client delivers completion reports to the orchestrator. Delivery retries
// with exponential backoff; exhaustion surfaces domain.ErrReportDelivery so
// the caller can log the orphaned job id for operator attention.
type Client struct {
	backendURL   string
	serviceToken string
	maxAttempts  int
	backoff      time.Duration
	httpClient   *http.Client
}

func NewClient(backendURL, serviceToken string, maxAttempts int, backoff time.Duration) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Client{
		backendURL:   strings.TrimRight(backendURL, "/"),
		serviceToken: serviceToken,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SendReport posts the report, retrying transport failures and non-2xx
// responses up to the attempt cap.
func (c *Client) SendReport(ctx context.Context, rep *domain.CompletionReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal completion report: %w", err)
	}

	url := c.backendURL + callbackPath
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, url, body)
		if lastErr == nil {
			log.Printf("Completion report for job %s delivered on attempt %d", rep.JobID, attempt)
			return nil
		}

		log.Printf("Report attempt %d/%d failed for job %s: %v",
			attempt, c.maxAttempts, rep.JobID, lastErr)

		if attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrReportDelivery, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", domain.ErrReportDelivery, c.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("report rejected with status %d: %s", resp.StatusCode, string(snippet))
	}

	return nil
}
