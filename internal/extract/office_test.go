package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/storage"
)

const slideOneXML = `<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld><p:spTree>
    <p:sp><p:txBody><a:p><a:r><a:t>Revenue Overview</a:t></a:r></a:p></p:txBody></p:sp>
    <p:sp><p:txBody>
      <a:p><a:r><a:t>Q3 revenue grew </a:t></a:r><a:r><a:t>12 percent</a:t></a:r></a:p>
      <a:p><a:r><a:t>Churn stayed flat</a:t></a:r></a:p>
    </p:txBody></p:sp>
  </p:spTree></p:cSld>
</p:sld>`

const slideTwoXML = `<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld><p:spTree>
    <p:graphicFrame><a:graphic><a:graphicData>
      <a:tbl>
        <a:tr><a:tc><a:txBody><a:p><a:r><a:t>Region</a:t></a:r></a:p></a:txBody></a:tc><a:tc><a:txBody><a:p><a:r><a:t>Revenue</a:t></a:r></a:p></a:txBody></a:tc></a:tr>
        <a:tr><a:tc><a:txBody><a:p><a:r><a:t>West</a:t></a:r></a:p></a:txBody></a:tc><a:tc><a:txBody><a:p><a:r><a:t>4.2M</a:t></a:r></a:p></a:txBody></a:tc></a:tr>
      </a:tbl>
    </a:graphicData></a:graphic></p:graphicFrame>
  </p:spTree></p:cSld>
</p:sld>`

const slideThreeXML = `<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <p:cSld><p:spTree>
    <p:pic><p:blipFill><a:blip r:embed="rId2"/></p:blipFill></p:pic>
  </p:spTree></p:cSld>
</p:sld>`

const notesOneXML = `<p:notes xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld><p:spTree>
    <p:sp><p:nvSpPr><p:nvPr><p:ph type="sldNum"/></p:nvPr></p:nvSpPr><p:txBody><a:p><a:r><a:t>1</a:t></a:r></a:p></p:txBody></p:sp>
    <p:sp><p:nvSpPr><p:nvPr><p:ph type="body" idx="1"/></p:nvPr></p:nvSpPr><p:txBody><a:p><a:r><a:t>Mention the churn caveat here</a:t></a:r></a:p></p:txBody></p:sp>
  </p:spTree></p:cSld>
</p:notes>`

const slideThreeRels = `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="../media/image1.png"/>
</Relationships>`

func testPPTX(t *testing.T) []byte {
	t.Helper()
	return buildZip(t, map[string]string{
		"ppt/presentation.xml":             "<p:presentation/>",
		"ppt/slides/slide1.xml":            slideOneXML,
		"ppt/slides/slide2.xml":            slideTwoXML,
		"ppt/slides/slide3.xml":            slideThreeXML,
		"ppt/slides/_rels/slide3.xml.rels": slideThreeRels,
		"ppt/notesSlides/notesSlide1.xml":  notesOneXML,
		"ppt/media/image1.png":             string(testPNG(t)),
	})
}

func TestExtractPPTXSlides(t *testing.T) {
	e := newTestExtractor(t, nil)

	res, err := e.Extract(context.Background(), Input{
		Name:     "deck.pptx",
		FileType: "pptx",
		Data:     testPPTX(t),
	})
	require.NoError(t, err)

	assert.Equal(t, storage.MethodOfficeXML, res.Method)
	assert.Equal(t, 3, res.PageCount)
	require.Len(t, res.Pages, 3)

	// Slide 1: two shapes plus speaker notes from the body placeholder.
	page := res.Pages[0]
	assert.Equal(t, 1, page.Index)
	require.Len(t, page.Blocks, 3)
	assert.Equal(t, storage.BlockTypeText, page.Blocks[0].Type)
	assert.Equal(t, "Revenue Overview", page.Blocks[0].Text)
	assert.Equal(t, "Q3 revenue grew 12 percent\nChurn stayed flat", page.Blocks[1].Text)
	assert.Equal(t, storage.BlockTypeSpeakerNotes, page.Blocks[2].Type)
	assert.Equal(t, "[Speaker Notes]\nMention the churn caveat here", page.Blocks[2].Text)

	// Slide 2: the table keeps both flattened text and the cell matrix.
	page = res.Pages[1]
	require.Len(t, page.Blocks, 1)
	table := page.Blocks[0]
	assert.Equal(t, storage.BlockTypeTable, table.Type)
	assert.Equal(t, "[Table]\nRegion | Revenue\nWest | 4.2M", table.Text)
	assert.JSONEq(t, `[["Region","Revenue"],["West","4.2M"]]`, string(table.Data))
	assert.Equal(t, confidenceTable, table.Confidence)

	// Slide 3: image only and no OCR backend, so nothing comes back.
	page = res.Pages[2]
	assert.Empty(t, page.Blocks)
	assert.NoError(t, page.Err)
}

func TestExtractPPTXImageOCRFallback(t *testing.T) {
	llm := &fakeLLM{enabled: true, text: "THE LOST ROADMAP SLIDE TEXT"}
	e := newTestExtractor(t, llm)

	res, err := e.Extract(context.Background(), Input{
		Name:     "deck.pptx",
		FileType: "pptx",
		Data:     testPPTX(t),
	})
	require.NoError(t, err)
	require.Len(t, res.Pages, 3)

	page := res.Pages[2]
	require.Len(t, page.Blocks, 1)
	assert.Equal(t, storage.BlockTypeImageOCR, page.Blocks[0].Type)
	assert.Equal(t, "THE LOST ROADMAP SLIDE TEXT", page.Blocks[0].Text)
	assert.Equal(t, confidenceImageOCR, page.Blocks[0].Confidence)
	assert.Equal(t, 1, llm.calls)
}

func TestExtractPPTXShortOCRDropped(t *testing.T) {
	llm := &fakeLLM{enabled: true, text: "tiny"}
	e := newTestExtractor(t, llm)

	res, err := e.Extract(context.Background(), Input{
		Name:     "deck.pptx",
		FileType: "pptx",
		Data:     testPPTX(t),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Pages[2].Blocks)
}

func TestExtractPPTXNoSlides(t *testing.T) {
	e := newTestExtractor(t, nil)

	_, err := e.Extract(context.Background(), Input{
		Name:     "deck.pptx",
		FileType: "pptx",
		Data:     buildZip(t, map[string]string{"ppt/presentation.xml": "<p/>"}),
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSlideFilesNumericOrder(t *testing.T) {
	data := buildZip(t, map[string]string{
		"ppt/slides/slide10.xml": "<p/>",
		"ppt/slides/slide2.xml":  "<p/>",
		"ppt/slides/slide1.xml":  "<p/>",
	})
	zr, err := openZip(data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"ppt/slides/slide1.xml",
		"ppt/slides/slide2.xml",
		"ppt/slides/slide10.xml",
	}, slideFiles(zr))
}

const documentXML = `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Architecture</w:t></w:r></w:p>
    <w:p><w:r><w:t>The service consists of </w:t></w:r><w:r><w:t>three layers.</w:t></w:r></w:p>
    <w:tbl>
      <w:tr><w:tc><w:p><w:r><w:t>Layer</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Purpose</w:t></w:r></w:p></w:tc></w:tr>
      <w:tr><w:tc><w:p><w:r><w:t>API</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Ingress</w:t></w:r></w:p></w:tc></w:tr>
    </w:tbl>
    <w:p><w:r><w:t>Closing paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

func TestExtractDOCXBlocks(t *testing.T) {
	e := newTestExtractor(t, nil)

	res, err := e.Extract(context.Background(), Input{
		Name:     "design.docx",
		FileType: "docx",
		Data:     buildZip(t, map[string]string{"word/document.xml": documentXML}),
	})
	require.NoError(t, err)

	assert.Equal(t, storage.MethodOfficeXML, res.Method)
	assert.Equal(t, 1, res.PageCount)
	require.Len(t, res.Pages, 1)

	blocks := res.Pages[0].Blocks
	require.Len(t, blocks, 4)

	assert.Equal(t, storage.BlockTypeHeading, blocks[0].Type)
	assert.Equal(t, "Architecture", blocks[0].Text)

	assert.Equal(t, storage.BlockTypeParagraph, blocks[1].Type)
	assert.Equal(t, "The service consists of three layers.", blocks[1].Text)

	assert.Equal(t, storage.BlockTypeTable, blocks[2].Type)
	assert.Equal(t, "[Table]\nLayer | Purpose\nAPI | Ingress", blocks[2].Text)

	assert.Equal(t, storage.BlockTypeParagraph, blocks[3].Type)
	assert.Equal(t, "Closing paragraph.", blocks[3].Text)
}

func TestExtractDOCXEmbeddedImageOCR(t *testing.T) {
	llm := &fakeLLM{enabled: true, text: "text inside a figure"}
	e := newTestExtractor(t, llm)

	res, err := e.Extract(context.Background(), Input{
		Name:     "design.docx",
		FileType: "docx",
		Data: buildZip(t, map[string]string{
			"word/document.xml":     documentXML,
			"word/media/image1.png": string(testPNG(t)),
		}),
	})
	require.NoError(t, err)

	blocks := res.Pages[0].Blocks
	require.Len(t, blocks, 5)
	assert.Equal(t, storage.BlockTypeImageOCR, blocks[4].Type)
	assert.Equal(t, "[Image Text]\ntext inside a figure", blocks[4].Text)
}

func TestExtractDOCXMalformed(t *testing.T) {
	e := newTestExtractor(t, nil)

	_, err := e.Extract(context.Background(), Input{
		Name:     "design.docx",
		FileType: "docx",
		Data:     []byte("not a zip at all"),
	})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = e.Extract(context.Background(), Input{
		Name:     "design.docx",
		FileType: "docx",
		Data:     buildZip(t, map[string]string{"other.txt": "x"}),
	})
	assert.ErrorIs(t, err, ErrMalformed)
}
