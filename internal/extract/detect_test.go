package extract

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectDeclaredTypeWins(t *testing.T) {
	assert.Equal(t, FileTypePDF, Detect("pdf", "notes.txt", nil))
	assert.Equal(t, FileTypePPTX, Detect(".PPTX", "whatever.bin", nil))
	assert.Equal(t, FileTypeDOCX, Detect("doc", "", nil))
}

func TestDetectExtensionFallback(t *testing.T) {
	assert.Equal(t, FileTypePPTX, Detect("", "Quarterly Deck.PPTX", nil))
	assert.Equal(t, FileTypeTXT, Detect("", "README.md", nil))
	assert.Equal(t, FileTypeImage, Detect("", "scan.jpeg", nil))
}

func TestDetectSniffsContent(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want FileType
	}{
		{"pdf magic", []byte("%PDF-1.7\n"), FileTypePDF},
		{"pptx container", buildZip(t, map[string]string{"ppt/presentation.xml": "<p/>"}), FileTypePPTX},
		{"docx container", buildZip(t, map[string]string{"word/document.xml": "<w/>"}), FileTypeDOCX},
		{"plain zip", buildZip(t, map[string]string{"data.csv": "a,b"}), FileTypeUnknown},
		{"png bytes", []byte("\x89PNG\r\n\x1a\n payload"), FileTypeImage},
		{"plain text", []byte("just some words"), FileTypeTXT},
		{"binary garbage", []byte{0x89, 0x00, 0xff, 0xf8}, FileTypeUnknown},
		{"empty", nil, FileTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect("", "upload.bin", tt.data))
		})
	}
}

func TestImageMIME(t *testing.T) {
	assert.Equal(t, "image/png", imageMIME([]byte("\x89PNG\r\n\x1a\n payload")))
	assert.Equal(t, "image/png", imageMIME([]byte("not an image")))
}
