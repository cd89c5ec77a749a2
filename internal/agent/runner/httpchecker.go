package runner

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// probeTimeout bounds the cancellation check. A var rather than a const so
// tests can shrink it.
var probeTimeout = 5 * time.Second

// HTTPActiveChecker calls the server's task-active probe endpoint
// (GET baseURL/task_id) before a scheduled task fires. Any failure to
// reach the server — timeout, connection refused, non-2xx — is treated as
// "still active" so a transient outage never silently drops a scheduled run.
type HTTPActiveChecker struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPActiveChecker(baseURL, token string) *HTTPActiveChecker {
	return &HTTPActiveChecker{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: probeTimeout},
	}
}

type taskActiveResponse struct {
	Cancelled bool   `json:"cancelled"`
	TaskID    string `json:"task_id"`
}

func (c *HTTPActiveChecker) IsCancelled(ctx context.Context, taskID string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/"+taskID, nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Agent-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("runner: task-active probe for %s failed, assuming still active: %v", taskID, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body taskActiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Cancelled
}
