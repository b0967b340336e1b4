package extract

import (
	"archive/zip"
	"bytes"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// FileType is the routing decision for a document's bytes.
type FileType string

const (
	FileTypePDF     FileType = "pdf"
	FileTypePPTX    FileType = "pptx"
	FileTypeDOCX    FileType = "docx"
	FileTypeTXT     FileType = "txt"
	FileTypeImage   FileType = "image"
	FileTypeUnknown FileType = "unknown"
)

var extTypes = map[string]FileType{
	".pdf":  FileTypePDF,
	".pptx": FileTypePPTX,
	".ppt":  FileTypePPTX,
	".docx": FileTypeDOCX,
	".doc":  FileTypeDOCX,
	".txt":  FileTypeTXT,
	".md":   FileTypeTXT,
	".png":  FileTypeImage,
	".jpg":  FileTypeImage,
	".jpeg": FileTypeImage,
	".gif":  FileTypeImage,
	".webp": FileTypeImage,
}

// Detect routes a document to an extraction path. The declared type (from
// upload metadata) wins, then the filename extension, then a content sniff.
// Office files share the zip container, so the sniff inspects entry paths.
func Detect(declared, filename string, data []byte) FileType {
	if t, ok := extTypes["."+strings.ToLower(strings.TrimPrefix(declared, "."))]; ok {
		return t
	}
	if t, ok := extTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return sniff(data)
}

func sniff(data []byte) FileType {
	if len(data) == 0 {
		return FileTypeUnknown
	}
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return FileTypePDF
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return sniffZip(data)
	}

	switch mime := http.DetectContentType(data); {
	case strings.HasPrefix(mime, "image/"):
		return FileTypeImage
	case strings.HasPrefix(mime, "text/"):
		return FileTypeTXT
	}

	if utf8.Valid(data) {
		return FileTypeTXT
	}
	return FileTypeUnknown
}

func sniffZip(data []byte) FileType {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return FileTypeUnknown
	}
	for _, f := range r.File {
		switch {
		case strings.HasPrefix(f.Name, "ppt/"):
			return FileTypePPTX
		case strings.HasPrefix(f.Name, "word/"):
			return FileTypeDOCX
		}
	}
	return FileTypeUnknown
}

// imageMIME returns the MIME type to declare when sending image bytes to an
// OCR backend.
func imageMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return "image/png"
}
