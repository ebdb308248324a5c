package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pipeforge/pkg/api"
)

// Client talks to the controller's runner endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a controller API client authenticated with a runner
// registration token.
func NewClient(baseURL, token string) *Client {
	// Ensure no trailing slash
	if len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RequestJob polls for work. It returns (nil, nil) when no job is
// available.
func (c *Client) RequestJob(ctx context.Context, info api.RunnerInfo) (*api.JobPayload, error) {
	body, err := json.Marshal(api.RequestJobRequest{Info: info})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/runners/request", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusCreated:
		var payload api.JobPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decoding job payload: %w", err)
		}
		return &payload, nil
	default:
		return nil, fmt.Errorf("unexpected status %d from job request", resp.StatusCode)
	}
}

// UpdateStatus reports a job outcome to the controller.
func (c *Client) UpdateStatus(ctx context.Context, jobID string, update api.UpdateJobStatusRequest) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/runners/jobs/%s/status", c.baseURL, jobID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d updating job %s", resp.StatusCode, jobID)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}
