package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/spherical-ai/docpipe/internal/storage"
)

const (
	// Slides with less text than this get their images OCR'd.
	sparseSlideThreshold = 50
	// OCR text from slide images below this length is noise.
	minImageTextLength = 20
)

// extractPPTX walks every slide's XML, one page per slide. Tables keep their
// cell structure as JSON next to the flattened text, speaker notes ride along
// on the slide they belong to, and image-heavy slides fall back to OCR.
func (e *Extractor) extractPPTX(ctx context.Context, data []byte) (*Result, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}

	slides := slideFiles(zr)
	if len(slides) == 0 {
		return nil, fmt.Errorf("%w: no slides found", ErrMalformed)
	}

	result := &Result{Method: storage.MethodOfficeXML, PageCount: len(slides)}
	for i, name := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Pages = append(result.Pages, e.extractSlide(ctx, zr, name, i+1))
	}

	return result, nil
}

func (e *Extractor) extractSlide(ctx context.Context, zr *zip.Reader, name string, index int) Page {
	page := Page{Index: index, Method: storage.MethodOfficeXML}

	raw, err := zipFile(zr, name)
	if err != nil {
		page.Err = fmt.Errorf("read slide: %w", err)
		return page
	}

	content, err := walkSlideXML(raw)
	if err != nil {
		page.Err = fmt.Errorf("parse slide: %w", err)
		return page
	}
	page.Blocks = content.blocks

	if notes := notesFileFor(name); notes != "" {
		if raw, err := zipFile(zr, notes); err == nil {
			if text, err := walkNotesXML(raw); err == nil && text != "" {
				page.Blocks = append(page.Blocks, Block{
					Type:       storage.BlockTypeSpeakerNotes,
					Text:       "[Speaker Notes]\n" + text,
					Confidence: confidenceOfficeText,
				})
			}
		}
	}

	if textLength(content.blocks) < sparseSlideThreshold && len(content.images) > 0 {
		page.Blocks = append(page.Blocks, e.ocrSlideImages(ctx, zr, name, content.images)...)
	}

	return page
}

// ocrSlideImages resolves the slide's image relationships and runs each
// referenced image through the OCR chain. Short results are dropped.
func (e *Extractor) ocrSlideImages(ctx context.Context, zr *zip.Reader, slideName string, embeds []string) []Block {
	targets, err := relTargets(zr, slideName)
	if err != nil {
		e.logger.Debug().Err(err).Str("slide", slideName).Msg("No image relationships for slide")
		return nil
	}

	var blocks []Block
	for _, id := range embeds {
		target, ok := targets[id]
		if !ok {
			continue
		}
		img, err := zipFile(zr, target)
		if err != nil {
			continue
		}
		text, err := e.ocr.Image(ctx, img, imageMIME(img))
		if errors.Is(err, ErrNoOCRBackend) {
			return blocks
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("image", target).Msg("Slide image OCR failed")
			continue
		}
		text = strings.TrimSpace(text)
		if len(text) <= minImageTextLength {
			continue
		}
		blocks = append(blocks, Block{
			Type:       storage.BlockTypeImageOCR,
			Text:       text,
			Confidence: confidenceImageOCR,
		})
	}
	return blocks
}

// extractDOCX reads word/document.xml into a single logical page. Word files
// carry no page boundaries in their XML, so everything lands on page 1.
func (e *Extractor) extractDOCX(ctx context.Context, data []byte) (*Result, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}

	raw, err := zipFile(zr, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("%w: missing word/document.xml", ErrMalformed)
	}

	blocks, err := walkDocumentXML(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	blocks = append(blocks, e.ocrDocMedia(ctx, zr)...)

	return &Result{
		Method:    storage.MethodOfficeXML,
		PageCount: 1,
		Pages: []Page{{
			Index:  1,
			Method: storage.MethodOfficeXML,
			Blocks: blocks,
		}},
	}, nil
}

// ocrDocMedia runs every embedded image in word/media through the OCR chain.
func (e *Extractor) ocrDocMedia(ctx context.Context, zr *zip.Reader) []Block {
	var blocks []Block
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "word/media/") {
			continue
		}
		img, err := zipFile(zr, f.Name)
		if err != nil {
			continue
		}
		text, err := e.ocr.Image(ctx, img, imageMIME(img))
		if errors.Is(err, ErrNoOCRBackend) {
			return blocks
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("image", f.Name).Msg("Document image OCR failed")
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, Block{
			Type:       storage.BlockTypeImageOCR,
			Text:       "[Image Text]\n" + text,
			Confidence: confidenceImageOCR,
		})
	}
	return blocks
}

type slideContent struct {
	blocks []Block
	images []string
}

// walkSlideXML streams a slide's DrawingML. Shapes become text blocks, tables
// become table blocks, and blip embeds are collected for the OCR fallback.
func walkSlideXML(raw []byte) (*slideContent, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	content := &slideContent{}

	var (
		tbl      *tableBuilder
		tblDepth int
		inShape  bool
		shape    []string
		para     strings.Builder
		inText   bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				inShape = true
				shape = shape[:0]
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					tbl = &tableBuilder{}
				}
			case "tr":
				if tblDepth == 1 {
					tbl.row = nil
				}
			case "tc":
				if tblDepth == 1 {
					tbl.cell = nil
				}
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "blip":
				for _, attr := range t.Attr {
					if attr.Name.Local == "embed" && attr.Value != "" {
						content.images = append(content.images, attr.Value)
					}
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				switch {
				case tblDepth > 0:
					tbl.cell = append(tbl.cell, para.String())
				case inShape:
					shape = append(shape, para.String())
				}
			case "tc":
				if tblDepth == 1 {
					tbl.row = append(tbl.row, strings.TrimSpace(strings.Join(tbl.cell, "\n")))
				}
			case "tr":
				if tblDepth == 1 {
					tbl.rows = append(tbl.rows, tbl.row)
				}
			case "tbl":
				tblDepth--
				if tblDepth == 0 {
					if len(tbl.rows) > 0 {
						content.blocks = append(content.blocks, tableBlock(tbl.rows))
					}
					tbl = nil
				}
			case "sp":
				inShape = false
				if text := strings.TrimSpace(strings.Join(shape, "\n")); text != "" {
					content.blocks = append(content.blocks, Block{
						Type:       storage.BlockTypeText,
						Text:       text,
						Confidence: confidenceOfficeText,
					})
				}
			}
		}
	}

	return content, nil
}

// walkNotesXML pulls the body placeholder text from a notes slide. Other
// placeholders (slide number, header) are skipped.
func walkNotesXML(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var (
		parts   []string
		inShape bool
		phType  string
		shape   []string
		para    strings.Builder
		inText  bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				inShape = true
				phType = ""
				shape = shape[:0]
			case "ph":
				if inShape {
					for _, attr := range t.Attr {
						if attr.Name.Local == "type" {
							phType = attr.Value
						}
					}
				}
			case "p":
				para.Reset()
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inShape {
					shape = append(shape, para.String())
				}
			case "sp":
				inShape = false
				if phType == "body" {
					if text := strings.TrimSpace(strings.Join(shape, "\n")); text != "" {
						parts = append(parts, text)
					}
				}
			}
		}
	}

	return strings.Join(parts, "\n"), nil
}

// walkDocumentXML streams WordprocessingML into blocks. Paragraphs styled
// Heading* become heading blocks, tables keep cell structure.
func walkDocumentXML(raw []byte) ([]Block, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var (
		blocks   []Block
		tbl      *tableBuilder
		tblDepth int
		style    string
		para     strings.Builder
		inText   bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					tbl = &tableBuilder{}
				}
			case "tr":
				if tblDepth == 1 {
					tbl.row = nil
				}
			case "tc":
				if tblDepth == 1 {
					tbl.cell = nil
				}
			case "p":
				para.Reset()
				style = ""
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				switch {
				case tblDepth > 0:
					tbl.cell = append(tbl.cell, para.String())
				case text == "":
				case strings.HasPrefix(style, "Heading"):
					blocks = append(blocks, Block{
						Type:       storage.BlockTypeHeading,
						Text:       text,
						Confidence: confidenceOfficeText,
					})
				default:
					blocks = append(blocks, Block{
						Type:       storage.BlockTypeParagraph,
						Text:       text,
						Confidence: confidenceOfficeText,
					})
				}
			case "tc":
				if tblDepth == 1 {
					tbl.row = append(tbl.row, strings.TrimSpace(strings.Join(tbl.cell, "\n")))
				}
			case "tr":
				if tblDepth == 1 {
					tbl.rows = append(tbl.rows, tbl.row)
				}
			case "tbl":
				tblDepth--
				if tblDepth == 0 {
					if len(tbl.rows) > 0 {
						blocks = append(blocks, tableBlock(tbl.rows))
					}
					tbl = nil
				}
			}
		}
	}

	return blocks, nil
}

type tableBuilder struct {
	rows [][]string
	row  []string
	cell []string
}

// tableBlock flattens rows into readable text and keeps the raw cell matrix
// as JSON for consumers that want structure back.
func tableBlock(rows [][]string) Block {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, strings.Join(row, " | "))
	}
	data, _ := json.Marshal(rows)
	return Block{
		Type:       storage.BlockTypeTable,
		Text:       "[Table]\n" + strings.Join(lines, "\n"),
		Data:       data,
		Confidence: confidenceTable,
	}
}

func openZip(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return zr, nil
}

func zipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("zip entry %s not found", name)
}

// slideFiles returns slide XML paths in presentation order. Archive order is
// not reliable, slide10 sorts before slide2 lexically.
func slideFiles(zr *zip.Reader) []string {
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		if num, ok := slideNumber(f.Name); ok {
			slides = append(slides, slide{num, f.Name})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	names := make([]string, len(slides))
	for i, s := range slides {
		names[i] = s.name
	}
	return names
}

func slideNumber(name string) (int, bool) {
	const prefix = "ppt/slides/slide"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".xml") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".xml"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func notesFileFor(slideName string) string {
	n, ok := slideNumber(slideName)
	if !ok {
		return ""
	}
	return fmt.Sprintf("ppt/notesSlides/notesSlide%d.xml", n)
}

// relTargets maps relationship ids to archive paths for a part's .rels file.
func relTargets(zr *zip.Reader, sourceName string) (map[string]string, error) {
	relsName := path.Join(path.Dir(sourceName), "_rels", path.Base(sourceName)+".rels")
	raw, err := zipFile(zr, relsName)
	if err != nil {
		return nil, err
	}

	var rels struct {
		Rels []struct {
			ID     string `xml:"Id,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.Unmarshal(raw, &rels); err != nil {
		return nil, err
	}

	targets := make(map[string]string, len(rels.Rels))
	for _, rel := range rels.Rels {
		targets[rel.ID] = path.Join(path.Dir(sourceName), rel.Target)
	}
	return targets, nil
}

func textLength(blocks []Block) int {
	total := 0
	for _, b := range blocks {
		total += len(b.Text)
	}
	return total
}
