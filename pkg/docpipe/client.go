// Package docpipe provides the public Go SDK for the document pipeline API.
package docpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Output statuses reported by the service.
const (
	OutputQueued     = "queued"
	OutputProcessing = "processing"
	OutputCompleted  = "completed"
	OutputFailed     = "failed"
)

// Client calls the document pipeline HTTP API.
type Client struct {
	httpc   *resty.Client
	baseURL string
	retries uint
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL is the API root, for example http://localhost:8090.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// CallerID is sent as X-Caller-ID for servers running without tokens.
	CallerID string
	// Timeout bounds each HTTP attempt. Defaults to 30s.
	Timeout time.Duration
	// Retries is the attempt count for transient failures. Defaults to 3.
	Retries uint
}

// NewClient creates a client for the document pipeline API.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}

	httpc := resty.New()
	httpc.SetTimeout(cfg.Timeout)
	httpc.SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		httpc.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.CallerID != "" {
		httpc.SetHeader("X-Caller-ID", cfg.CallerID)
	}

	return &Client{
		httpc:   httpc,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		retries: cfg.Retries,
	}, nil
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("docpipe: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("docpipe: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Receipt acknowledges an accepted output request.
type Receipt struct {
	OutputID  uuid.UUID `json:"outputId"`
	JobID     uuid.UUID `json:"jobId"`
	RequestID uuid.UUID `json:"requestId"`
}

// Output is one generated output for a document.
type Output struct {
	ID          uuid.UUID       `json:"id"`
	DocumentID  uuid.UUID       `json:"document_id"`
	OutputType  string          `json:"output_type"`
	Status      string          `json:"status"`
	RequestID   uuid.UUID       `json:"request_id"`
	RequestedAt time.Time       `json:"requested_at"`
	Options     json.RawMessage `json:"options,omitempty"`
	JobID       *uuid.UUID      `json:"job_id,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the output has finished, successfully or not.
func (o *Output) Terminal() bool {
	return o.Status == OutputCompleted || o.Status == OutputFailed
}

// Page is the extraction state of one document page.
type Page struct {
	DocumentID uuid.UUID `json:"document_id"`
	PageIndex  int       `json:"page_index"`
	Status     string    `json:"status"`
	Method     string    `json:"method"`
	TextLength int       `json:"text_length"`
	Error      *string   `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Coverage is the extraction coverage of a document.
type Coverage struct {
	PageCount int     `json:"pageCount"`
	DonePages int     `json:"donePages"`
	Ratio     float64 `json:"ratio"`
	Ready     bool    `json:"ready"`
}

// Health is the service health report.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// OutputRequest asks for one output of a document.
type OutputRequest struct {
	// OutputType selects what to generate, for example "summary".
	OutputType string
	// Options are passed through to the generator.
	Options json.RawMessage
	// RequestID makes the request idempotent. Reusing an ID returns the
	// original receipt instead of queueing new work.
	RequestID uuid.UUID
}

type outputRequestBody struct {
	OutputType string          `json:"outputType"`
	Options    json.RawMessage `json:"options,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
}

type locateResult struct {
	PageIndex *int `json:"pageIndex"`
}

// RequestOutput asks the service to generate an output for a document.
func (c *Client) RequestOutput(ctx context.Context, documentID uuid.UUID, req OutputRequest) (*Receipt, error) {
	body := outputRequestBody{
		OutputType: req.OutputType,
		Options:    req.Options,
	}
	if req.RequestID != uuid.Nil {
		body.RequestID = req.RequestID.String()
	}
	return requestJSON[Receipt](ctx, c, http.MethodPost, "/api/v1/documents/"+documentID.String()+"/outputs", nil, body)
}

// GetOutput fetches one output of a document by type.
func (c *Client) GetOutput(ctx context.Context, documentID uuid.UUID, outputType string) (*Output, error) {
	return requestJSON[Output](ctx, c, http.MethodGet, "/api/v1/documents/"+documentID.String()+"/outputs/"+url.PathEscape(outputType), nil, nil)
}

// ListOutputs fetches every output of a document.
func (c *Client) ListOutputs(ctx context.Context, documentID uuid.UUID) ([]Output, error) {
	outs, err := requestJSON[[]Output](ctx, c, http.MethodGet, "/api/v1/documents/"+documentID.String()+"/outputs", nil, nil)
	if err != nil {
		return nil, err
	}
	return *outs, nil
}

// Coverage fetches the extraction coverage of a document.
func (c *Client) Coverage(ctx context.Context, documentID uuid.UUID) (*Coverage, error) {
	return requestJSON[Coverage](ctx, c, http.MethodGet, "/api/v1/documents/"+documentID.String()+"/coverage", nil, nil)
}

// Pages fetches the per-page extraction state of a document.
func (c *Client) Pages(ctx context.Context, documentID uuid.UUID) ([]Page, error) {
	pages, err := requestJSON[[]Page](ctx, c, http.MethodGet, "/api/v1/documents/"+documentID.String()+"/pages", nil, nil)
	if err != nil {
		return nil, err
	}
	return *pages, nil
}

// LocatePage finds the first page whose text mentions the topic. The boolean
// is false when no page matches.
func (c *Client) LocatePage(ctx context.Context, documentID uuid.UUID, topic string) (int, bool, error) {
	query := url.Values{"topic": []string{topic}}
	res, err := requestJSON[locateResult](ctx, c, http.MethodGet, "/api/v1/documents/"+documentID.String()+"/locate", query, nil)
	if err != nil {
		return 0, false, err
	}
	if res.PageIndex == nil {
		return 0, false, nil
	}
	return *res.PageIndex, true, nil
}

// Health checks the service health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	return requestJSON[Health](ctx, c, http.MethodGet, "/health", nil, nil)
}

// WaitForOutput polls until the output reaches a terminal status or the
// context ends.
func (c *Client) WaitForOutput(ctx context.Context, documentID uuid.UUID, outputType string, interval time.Duration) (*Output, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, err := c.GetOutput(ctx, documentID, outputType)
		if err != nil {
			return nil, err
		}
		if out.Terminal() {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type apiErrorBody struct {
	Message string `json:"error"`
}

// requestJSON runs one call with retries on network errors, 429s, and 5xx
// responses. Other statuses fail immediately.
func requestJSON[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (*T, error) {
	return retry.DoWithData(
		func() (*T, error) {
			var out T
			req := c.httpc.R().
				SetContext(ctx).
				SetResult(&out)
			if len(query) > 0 {
				req.SetQueryParamsFromValues(query)
			}
			if body != nil {
				req.SetBody(body)
			}
			resp, err := req.Execute(method, c.baseURL+path)
			if err != nil {
				return nil, fmt.Errorf("docpipe: %s %s: %w", method, path, err)
			}
			if resp.IsError() {
				// Parse the error body ourselves: intermediaries drop or
				// mislabel the content type on error responses.
				var errBody apiErrorBody
				_ = json.Unmarshal(resp.Body(), &errBody)
				apiErr := &APIError{StatusCode: resp.StatusCode(), Message: errBody.Message}
				if resp.StatusCode() != http.StatusTooManyRequests && resp.StatusCode() < 500 {
					return nil, retry.Unrecoverable(apiErr)
				}
				return nil, apiErr
			}
			return &out, nil
		},
		retry.Context(ctx),
		retry.Attempts(c.retries),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
