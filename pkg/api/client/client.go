package client

import (
	"bufio"
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

const defaultBaseURL = "http://localhost:9000"

// Client provides typed access to the devport API for interactive tools.
type Client struct {
	baseURL    string
	ownerID    string
	httpClient *http.Client
	streamHTTP *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for request/response calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithOwner sends ownerID with every request.
func WithOwner(ownerID string) Option {
	return func(c *Client) {
		c.ownerID = strings.TrimSpace(ownerID)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		streamHTTP: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ownerID != "" {
		req.Header.Set("X-Owner-ID", c.ownerID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// DeployInput is the body of a deployment request. Slug and Name are optional.
type DeployInput struct {
	SourceURL string `json:"sourceURL"`
	Slug      string `json:"slug,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Submission is returned once a deployment is queued.
type Submission struct {
	Status       string `json:"status"`
	ProjectSlug  string `json:"projectSlug"`
	DeploymentID string `json:"deploymentId"`
	URL          string `json:"url"`
}

// Deploy queues a deployment of a source repository.
func (c *Client) Deploy(ctx context.Context, input DeployInput) (Submission, error) {
	var sub Submission
	if err := c.do(ctx, http.MethodPost, "/deployment/deploy", input, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// Deployment is a single deployment record.
type Deployment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// History lists a project's deployments, newest first.
type History struct {
	ProjectSlug      string       `json:"projectSlug"`
	TotalDeployments int          `json:"totalDeployments"`
	Deployments      []Deployment `json:"deployments"`
}

// History fetches the deployments of a project slug.
func (c *Client) History(ctx context.Context, slug string) (History, error) {
	var h History
	if err := c.do(ctx, http.MethodGet, "/deployment/history/"+url.PathEscape(slug), nil, &h); err != nil {
		return History{}, err
	}
	return h, nil
}

// Status fetches one deployment record.
func (c *Client) Status(ctx context.Context, deploymentID string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/deployment/status/"+url.PathEscape(deploymentID), nil, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// LogEntry is one stored progress line.
type LogEntry struct {
	Log       string    `json:"log"`
	Timestamp time.Time `json:"timestamp"`
}

// Logs returns the stored progress lines of a project slug.
func (c *Client) Logs(ctx context.Context, slug string) ([]LogEntry, error) {
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/logs/"+url.PathEscape(slug), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// StreamMessage is one event of a live log stream.
type StreamMessage struct {
	Type         string    `json:"type"`
	Log          string    `json:"log,omitempty"`
	Status       string    `json:"status,omitempty"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Tail streams a slug's history followed by live events until ctx ends, the server
// closes the stream, or fn returns an error.
func (c *Client) Tail(ctx context.Context, slug string, fn func(StreamMessage) error) error {
	return c.stream(ctx, "/logs/"+url.PathEscape(slug)+"/stream", func(data []byte) error {
		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		return fn(msg)
	})
}

// QueueEvent is a job state change reported by the queue.
type QueueEvent struct {
	Type         string    `json:"event"`
	JobID        string    `json:"jobId"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// QueueEvents streams job events until ctx ends, the server closes the stream, or fn
// returns an error.
func (c *Client) QueueEvents(ctx context.Context, fn func(QueueEvent) error) error {
	return c.stream(ctx, "/queue/events", func(data []byte) error {
		var ev QueueEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil
		}
		return fn(ev)
	})
}

// stream reads Server-Sent Events from path and hands each data payload to fn.
func (c *Client) stream(ctx context.Context, path string, fn func([]byte) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "" && data.Len() > 0:
			if err := fn([]byte(data.String())); err != nil {
				return err
			}
			data.Reset()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// QueueStats is a point-in-time view of queue depth.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Leased    int64 `json:"leased"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// QueueStats fetches queue depth.
func (c *Client) QueueStats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &s); err != nil {
		return QueueStats{}, err
	}
	return s, nil
}

// FailedJob is a job parked after exhausting its attempts.
type FailedJob struct {
	ID        string    `json:"id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
	Job       struct {
		ProjectSlug  string `json:"projectSlug"`
		DeploymentID string `json:"deploymentRecordId"`
	} `json:"job"`
}

// FailedJobs lists parked jobs.
func (c *Client) FailedJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	path := "/queue/failed"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var resp struct {
		Jobs []FailedJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// RetryFailed moves a parked job back onto the queue.
func (c *Client) RetryFailed(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/queue/failed/"+url.PathEscape(jobID)+"/retry", nil, nil)
}
