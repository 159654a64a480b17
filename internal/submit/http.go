package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSubmitter POSTs the job as JSON. 2xx is success; 429 and 5xx mean the
// downstream is unavailable; any other status is a permanent rejection.
type HTTPSubmitter struct {
	client  *http.Client
	url     string
	headers map[string]string
}

func NewHTTPSubmitter(url string, headers map[string]string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSubmitter{
		client:  &http.Client{Timeout: timeout},
		url:     url,
		headers: headers,
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.ID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransport(fmt.Errorf("post job %s: %w", job.ID, err))
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Unavailable(fmt.Errorf("post job %s: status %d: %s", job.ID, resp.StatusCode, bytes.TrimSpace(msg)))
	default:
		return Permanent(fmt.Errorf("post job %s: status %d: %s", job.ID, resp.StatusCode, bytes.TrimSpace(msg)))
	}
}
