// Package llm wraps the OpenAI-compatible chat API behind the two calls the
// pipeline needs: text completion for output generation and vision OCR for
// pages with no machine-readable text.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// ocrPrompt asks the model for a raw transcription and nothing else.
const ocrPrompt = "Extract ALL text from this image. Output only the text, nothing else."

// ErrNotConfigured indicates no API key is set.
var ErrNotConfigured = errors.New("llm not configured")

// ErrEmptyCompletion indicates the model returned no choices.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Client calls an OpenAI-compatible chat completion API.
type Client struct {
	api       openai.Client
	model     string
	ocrModel  string
	maxTokens int64
	enabled   bool
	logger    *observability.Logger
}

// New creates a Client from LLM configuration. With no API key the client is
// disabled and every call returns ErrNotConfigured.
func New(cfg config.LLMConfig, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.Nop()
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	ocrModel := cfg.OCRModel
	if ocrModel == "" {
		ocrModel = model
	}
	maxTokens := int64(cfg.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		api:       openai.NewClient(opts...),
		model:     model,
		ocrModel:  ocrModel,
		maxTokens: maxTokens,
		enabled:   cfg.APIKey != "",
		logger:    logger.WithComponent("llm"),
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Model returns the completion model name, recorded in generated content.
func (c *Client) Model() string {
	return c.model
}

// Complete runs a chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.enabled {
		return "", ErrNotConfigured
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	c.logger.Debug().
		Str("model", c.model).
		Dur("duration", time.Since(start)).
		Int("prompt_chars", len(system)+len(user)).
		Msg("Completion finished")

	return resp.Choices[0].Message.Content, nil
}

// ImageText transcribes an image through the vision endpoint. The image is
// inlined as a base64 data URL; mimeType must match the encoded bytes.
func (c *Client) ImageText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if !c.enabled {
		return "", ErrNotConfigured
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.ocrModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(ocrPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
			}),
		},
		MaxCompletionTokens: openai.Int(1024),
	})
	if err != nil {
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transient reports whether an error is worth retrying: rate limits, server
// errors, and transport failures. Auth and validation errors are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrEmptyCompletion) {
		return false
	}
	// Anything without an API status is a transport-level failure.
	return true
}
