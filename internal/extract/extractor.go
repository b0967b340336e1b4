// Package extract turns document bytes into pages of text blocks. Each format
// routes through its own path (PDF, PPTX, DOCX, plain text, images) with an
// OCR chain backing the pages that carry no machine-readable text. Extraction
// failures are recorded per page; one bad page never sinks the document.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Native text shorter than this sends the page through the OCR chain.
const sparseTextThreshold = 100

// Confidence recorded on blocks, by extraction technique.
const (
	confidenceNative     = 0.85
	confidencePageOCR    = 0.6
	confidenceImageOCR   = 0.7
	confidenceOfficeText = 0.95
	confidenceTable      = 0.9
)

// ErrUnsupported indicates a file type no extraction path handles.
var ErrUnsupported = errors.New("unsupported file type")

// ErrMalformed indicates bytes that could not be parsed as their format.
var ErrMalformed = errors.New("malformed document")

// Block is one extracted text fragment.
type Block struct {
	Type       storage.BlockType
	Text       string
	Data       []byte // structured payload, e.g. table rows as JSON
	Confidence float64
}

// Page is the extraction outcome of one page. Err marks a page-level failure;
// the page is still reported so coverage can count it.
type Page struct {
	Index  int // 1-based
	Method storage.ExtractionMethod
	Blocks []Block
	Err    error
}

// Result is the extraction outcome of a whole document.
type Result struct {
	Method    storage.ExtractionMethod
	PageCount int
	Pages     []Page
}

// Text joins every block of every page in order, for logging and tests.
func (r *Result) Text() string {
	var sb strings.Builder
	for _, page := range r.Pages {
		for _, block := range page.Blocks {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// Input is a document to extract.
type Input struct {
	Name     string
	FileType string
	Data     []byte
}

// Extractor routes documents to extraction backends.
type Extractor struct {
	docai  *DocAIClient
	ocr    *OCRChain
	logger *observability.Logger
}

// NewExtractor creates an Extractor. docai may be nil (native extraction
// only); ocr may be nil (pages without native text come back empty).
func NewExtractor(docai *DocAIClient, ocr *OCRChain, logger *observability.Logger) *Extractor {
	if logger == nil {
		logger = observability.Nop()
	}
	if ocr == nil {
		ocr = NewOCRChain(nil, nil, logger)
	}
	return &Extractor{
		docai:  docai,
		ocr:    ocr,
		logger: logger.WithComponent("extract"),
	}
}

// Extract parses the input into pages of blocks. ErrUnsupported and
// ErrMalformed are permanent; anything else is worth retrying.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Result, error) {
	fileType := Detect(in.FileType, in.Name, in.Data)

	e.logger.Debug().
		Str("file", in.Name).
		Str("detected_type", string(fileType)).
		Int("bytes", len(in.Data)).
		Msg("Extraction started")

	var (
		result *Result
		err    error
	)
	switch fileType {
	case FileTypePDF:
		result, err = e.extractPDF(ctx, in.Data)
	case FileTypePPTX:
		result, err = e.extractPPTX(ctx, in.Data)
	case FileTypeDOCX:
		result, err = e.extractDOCX(ctx, in.Data)
	case FileTypeTXT:
		result, err = extractText(in.Data), nil
	case FileTypeImage:
		result, err = e.extractImage(ctx, in.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, in.FileType)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("file", in.Name).
		Str("method", string(result.Method)).
		Int("pages", result.PageCount).
		Int("chars", len(result.Text())).
		Msg("Extraction finished")
	return result, nil
}

// extractText handles plain text files: one page, one block, full confidence.
// UTF-8 first, byte-wise Latin-1 as the lossless fallback.
func extractText(data []byte) *Result {
	text := decodeText(data)
	page := Page{Index: 1, Method: storage.MethodDirectRead}
	if strings.TrimSpace(text) != "" {
		page.Blocks = []Block{{Type: storage.BlockTypeText, Text: text, Confidence: 1.0}}
	}
	return &Result{
		Method:    storage.MethodDirectRead,
		PageCount: 1,
		Pages:     []Page{page},
	}
}

func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	// Latin-1 maps every byte to the equally numbered rune.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// extractImage handles standalone image files: a single page through the OCR
// chain.
func (e *Extractor) extractImage(ctx context.Context, data []byte) (*Result, error) {
	page := Page{Index: 1, Method: storage.MethodPageOCR}

	text, err := e.ocr.Image(ctx, data, imageMIME(data))
	switch {
	case errors.Is(err, ErrNoOCRBackend):
		// No backend configured: the page exists, just without text.
	case err != nil:
		page.Err = err
	case text != "":
		page.Blocks = []Block{{Type: storage.BlockTypePageOCR, Text: text, Confidence: confidencePageOCR}}
	}

	return &Result{
		Method:    storage.MethodPageOCR,
		PageCount: 1,
		Pages:     []Page{page},
	}, nil
}
