package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// DocAIClient calls the document-understanding service. Its results are used
// only above the configured confidence floor; below it, extraction falls back
// to native text.
type DocAIClient struct {
	httpc         *resty.Client
	baseURL       string
	minConfidence float64
	enabled       bool
}

// NewDocAIClient creates a document-understanding client from configuration.
func NewDocAIClient(cfg config.DocAIConfig) *DocAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.7
	}

	httpc := resty.New()
	httpc.SetTimeout(timeout)
	if cfg.APIKey != "" {
		httpc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	httpc.SetHeader("Content-Type", "application/json")

	return &DocAIClient{
		httpc:         httpc,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		minConfidence: minConfidence,
		enabled:       cfg.Enabled && cfg.BaseURL != "",
	}
}

// Enabled reports whether the client has an endpoint to call.
func (c *DocAIClient) Enabled() bool {
	return c != nil && c.enabled
}

// MinConfidence is the floor below which results are discarded.
func (c *DocAIClient) MinConfidence() float64 {
	return c.minConfidence
}

// DocAIResult is the service's parse of a document.
type DocAIResult struct {
	Confidence float64     `json:"confidence"`
	Pages      []DocAIPage `json:"pages"`
}

// DocAIPage is one parsed page.
type DocAIPage struct {
	Page   int          `json:"page"`
	Blocks []DocAIBlock `json:"blocks"`
}

// DocAIBlock is one text fragment on a page.
type DocAIBlock struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type processRequest struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

// Process submits document bytes for parsing.
func (c *DocAIClient) Process(ctx context.Context, content []byte, mimeType string) (*DocAIResult, error) {
	req := processRequest{
		Content:  base64.StdEncoding.EncodeToString(content),
		MimeType: mimeType,
	}

	return retry.DoWithData(
		func() (*DocAIResult, error) {
			var parsed DocAIResult
			resp, err := c.httpc.R().
				SetContext(ctx).
				SetBody(req).
				SetResult(&parsed).
				Post(c.baseURL + "/v1/documents:process")
			if err != nil {
				return nil, fmt.Errorf("docai process: %w", err)
			}
			if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
				err := fmt.Errorf("docai process: HTTP %d", resp.StatusCode())
				if resp.StatusCode() != 429 && resp.StatusCode() < 500 {
					return nil, retry.Unrecoverable(err)
				}
				return nil, err
			}
			return &parsed, nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
	)
}

// resultFromDocAI maps a service parse onto pages and blocks.
func resultFromDocAI(res *DocAIResult) *Result {
	pageCount := 0
	pages := make([]Page, 0, len(res.Pages))
	for _, p := range res.Pages {
		if p.Page > pageCount {
			pageCount = p.Page
		}
		page := Page{Index: p.Page, Method: storage.MethodDocAI}
		for _, b := range p.Blocks {
			text := strings.TrimSpace(b.Text)
			if text == "" {
				continue
			}
			blockType := storage.BlockType(b.Type)
			if b.Type == "" {
				blockType = storage.BlockTypeParagraph
			}
			confidence := b.Confidence
			if confidence <= 0 {
				confidence = res.Confidence
			}
			page.Blocks = append(page.Blocks, Block{
				Type:       blockType,
				Text:       text,
				Confidence: confidence,
			})
		}
		pages = append(pages, page)
	}
	if pageCount == 0 {
		pageCount = len(pages)
	}
	return &Result{
		Method:    storage.MethodDocAI,
		PageCount: pageCount,
		Pages:     pages,
	}
}
