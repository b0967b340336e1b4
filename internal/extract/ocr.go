package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// ErrNoOCRBackend indicates neither the OCR service nor the LLM fallback is
// configured.
var ErrNoOCRBackend = errors.New("no ocr backend configured")

// LLMOCR is the vision-capable model backing the OCR chain when the vision
// service fails or returns nothing.
type LLMOCR interface {
	Enabled() bool
	ImageText(ctx context.Context, image []byte, mimeType string) (string, error)
}

// OCRChain extracts text from images: vision OCR service first, LLM vision
// fallback second. Transient backend failures retry before falling through.
type OCRChain struct {
	vision   *VisionClient
	fallback LLMOCR
	logger   *observability.Logger
}

// NewOCRChain creates an OCR chain. Either backend may be nil.
func NewOCRChain(vision *VisionClient, fallback LLMOCR, logger *observability.Logger) *OCRChain {
	if logger == nil {
		logger = observability.Nop()
	}
	return &OCRChain{
		vision:   vision,
		fallback: fallback,
		logger:   logger.WithComponent("ocr"),
	}
}

// Image runs the chain over one image and returns the transcribed text,
// which may be empty when the image genuinely has none.
func (o *OCRChain) Image(ctx context.Context, image []byte, mimeType string) (string, error) {
	visionEnabled := o.vision != nil && o.vision.Enabled()
	fallbackEnabled := o.fallback != nil && o.fallback.Enabled()
	if !visionEnabled && !fallbackEnabled {
		return "", ErrNoOCRBackend
	}

	var firstErr error
	if visionEnabled {
		text, err := o.vision.Annotate(ctx, image)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			firstErr = err
			o.logger.Warn().Err(err).Msg("Vision OCR failed, trying fallback")
		}
	}

	if fallbackEnabled {
		text, err := retry.DoWithData(
			func() (string, error) {
				return o.fallback.ImageText(ctx, image, mimeType)
			},
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(2*time.Second),
			retry.LastErrorOnly(true),
		)
		if err == nil {
			return text, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		o.logger.Warn().Err(err).Msg("LLM OCR fallback failed")
	}

	if firstErr != nil {
		return "", fmt.Errorf("ocr chain: %w", firstErr)
	}
	return "", nil
}

// VisionClient calls a text-detection service speaking the images:annotate
// contract.
type VisionClient struct {
	httpc   *resty.Client
	baseURL string
	enabled bool
}

// NewVisionClient creates a vision OCR client from configuration.
func NewVisionClient(cfg config.OCRConfig) *VisionClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpc := resty.New()
	httpc.SetTimeout(timeout)
	if cfg.APIKey != "" {
		httpc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	httpc.SetHeader("Content-Type", "application/json")

	return &VisionClient{
		httpc:   httpc,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		enabled: cfg.Enabled && cfg.BaseURL != "",
	}
}

// Enabled reports whether the client has an endpoint to call.
func (c *VisionClient) Enabled() bool {
	return c != nil && c.enabled
}

type annotateRequest struct {
	Requests []annotateEntry `json:"requests"`
}

type annotateEntry struct {
	Image    annotateImage     `json:"image"`
	Features []annotateFeature `json:"features"`
}

type annotateImage struct {
	Content string `json:"content"`
}

type annotateFeature struct {
	Type string `json:"type"`
}

type annotateResponse struct {
	Responses []struct {
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		FullTextAnnotation struct {
			Text string `json:"text"`
		} `json:"fullTextAnnotation"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// Annotate performs text detection on one image. Transient failures (network,
// 429, 5xx) retry with a short delay before the chain falls through.
func (c *VisionClient) Annotate(ctx context.Context, image []byte) (string, error) {
	req := annotateRequest{
		Requests: []annotateEntry{{
			Image:    annotateImage{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []annotateFeature{{Type: "TEXT_DETECTION"}},
		}},
	}

	return retry.DoWithData(
		func() (string, error) {
			var parsed annotateResponse
			resp, err := c.httpc.R().
				SetContext(ctx).
				SetBody(req).
				SetResult(&parsed).
				Post(c.baseURL + "/v1/images:annotate")
			if err != nil {
				return "", fmt.Errorf("vision annotate: %w", err)
			}
			if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
				err := fmt.Errorf("vision annotate: HTTP %d", resp.StatusCode())
				if resp.StatusCode() != 429 && resp.StatusCode() < 500 {
					return "", retry.Unrecoverable(err)
				}
				return "", err
			}
			if len(parsed.Responses) == 0 {
				return "", nil
			}
			r := parsed.Responses[0]
			if r.Error != nil {
				return "", retry.Unrecoverable(fmt.Errorf("vision annotate: %s", r.Error.Message))
			}
			if len(r.TextAnnotations) > 0 {
				return strings.TrimSpace(r.TextAnnotations[0].Description), nil
			}
			return strings.TrimSpace(r.FullTextAnnotation.Text), nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
	)
}
