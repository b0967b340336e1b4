package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical-ai/docpipe/internal/storage"
)

// extractPDF tries the document-understanding service first, then native
// per-page text, rendering sparse pages through the OCR chain.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (*Result, error) {
	// Step 1: document-understanding service when configured.
	if e.docai.Enabled() {
		res, err := e.docai.Process(ctx, data, "application/pdf")
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Msg("Document AI failed, falling back to native text")
		case res.Confidence >= e.docai.MinConfidence():
			return resultFromDocAI(res), nil
		default:
			e.logger.Debug().
				Float64("confidence", res.Confidence).
				Float64("floor", e.docai.MinConfidence()).
				Msg("Document AI below confidence floor, falling back")
		}
	}

	// Step 2: native text page by page.
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	result := &Result{Method: storage.MethodNativeText, PageCount: pageCount}

	for n := 0; n < pageCount; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Pages = append(result.Pages, e.extractPDFPage(ctx, doc, n))
	}

	return result, nil
}

// extractPDFPage pulls native text for one page. Pages with less than the
// sparse threshold get rendered and sent through the OCR chain; native text
// is still kept when OCR adds nothing.
func (e *Extractor) extractPDFPage(ctx context.Context, doc *fitz.Document, n int) Page {
	page := Page{Index: n + 1, Method: storage.MethodNativeText}

	text, err := doc.Text(n)
	if err != nil {
		page.Err = fmt.Errorf("read page text: %w", err)
		return page
	}
	text = strings.TrimSpace(text)
	if text != "" {
		page.Blocks = append(page.Blocks, Block{
			Type:       storage.BlockTypeParagraph,
			Text:       text,
			Confidence: confidenceNative,
		})
	}
	if len(text) >= sparseTextThreshold {
		return page
	}

	// Step 3: sparse page, render and OCR.
	ocrText, err := e.ocrPage(ctx, doc, n)
	switch {
	case errors.Is(err, ErrNoOCRBackend):
		// No backend: keep whatever native text there was.
	case err != nil:
		if text == "" {
			page.Err = err
		} else {
			e.logger.Warn().Err(err).Int("page", n+1).Msg("Page OCR failed, keeping native text")
		}
	case ocrText != "":
		page.Method = storage.MethodPageOCR
		page.Blocks = append(page.Blocks, Block{
			Type:       storage.BlockTypePageOCR,
			Text:       ocrText,
			Confidence: confidencePageOCR,
		})
	}

	return page
}

// ocrPage renders page n to PNG and runs the OCR chain over it.
func (e *Extractor) ocrPage(ctx context.Context, doc *fitz.Document, n int) (string, error) {
	img, err := doc.Image(n)
	if err != nil {
		return "", fmt.Errorf("render page %d: %w", n+1, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode page %d: %w", n+1, err)
	}

	return e.ocr.Image(ctx, buf.Bytes(), "image/png")
}
