package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ErrSubmissionFailed wraps every failed lead submission.
var ErrSubmissionFailed = errors.New("lead submission failed")

// LeadSubmitter posts a lead request and returns the created lead id.
type LeadSubmitter interface {
	SubmitLead(ctx context.Context, req models.LeadRequest) (string, error)
}

// LeadClient posts leads to the API's /api/send endpoint.
type LeadClient struct {
	endpoint string
	http     *http.Client
}

var _ LeadSubmitter = (*LeadClient)(nil)

// NewLeadClient returns a client for the server at baseURL. A nil httpClient uses a 30s timeout.
func NewLeadClient(baseURL string, httpClient *http.Client) *LeadClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LeadClient{endpoint: strings.TrimRight(baseURL, "/") + "/api/send", http: httpClient}
}

// SubmitLead implements LeadSubmitter. Non-200 responses carry the server's message.
func (c *LeadClient) SubmitLead(ctx context.Context, req models.LeadRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	defer resp.Body.Close()

	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: status %d: %w", ErrSubmissionFailed, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Status != string(models.APIStatusOK) {
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmissionFailed, resp.StatusCode, out.Message)
	}
	slog.Debug("LeadClient.SubmitLead: lead submitted", "leadID", out.Result.ID)
	return out.Result.ID, nil
}
