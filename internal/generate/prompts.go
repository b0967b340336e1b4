// Package generate executes generate_output jobs: it composes derived
// content (deep explanations, summaries) from a document's extracted text
// and writes the result onto the output row that requested it.
package generate

import (
	"fmt"
	"strings"

	"github.com/spherical-ai/docpipe/internal/storage"
)

// maxSourceChars bounds how much extracted text goes into one prompt.
const maxSourceChars = 24000

type promptSpec struct {
	system string
	user   string
}

var prompts = map[storage.OutputType]promptSpec{
	storage.OutputTypeDeepExplanation: {
		system: "You are an expert tutor. You explain study material thoroughly and accurately, using only the provided document content.",
		user: "Write a deep explanation of the following document for a student preparing from it.\n\n" +
			"Document: %s\n\nContent:\n%s\n\n" +
			"Explain the key concepts in the order they appear, define terms on first use, and connect the sections so the material reads as one coherent narrative. Use only information from the document.",
	},
	storage.OutputTypeSummary: {
		system: "You are a precise summarizer. You produce faithful, well-structured summaries of documents.",
		user: "Summarize the following document.\n\n" +
			"Document: %s\n\nContent:\n%s\n\n" +
			"Cover every major section in a few sentences and keep the summary under 400 words. Use only information from the document.",
	},
}

// Supported reports whether generation knows how to produce an output type.
func Supported(t storage.OutputType) bool {
	_, ok := prompts[t]
	return ok
}

// SupportedTypes lists the output types generation can produce.
func SupportedTypes() []storage.OutputType {
	return []storage.OutputType{storage.OutputTypeDeepExplanation, storage.OutputTypeSummary}
}

func buildPrompt(t storage.OutputType, docName, source string) (system, user string) {
	spec := prompts[t]
	return spec.system, fmt.Sprintf(spec.user, docName, source)
}

// sourceText flattens blocks into prompt input, marking page boundaries and
// truncating at the source budget.
func sourceText(blocks []*storage.PageBlock) string {
	var sb strings.Builder
	lastPage := 0
	for _, b := range blocks {
		if sb.Len() >= maxSourceChars {
			sb.WriteString("\n[content truncated]")
			break
		}
		if b.PageIndex != lastPage {
			fmt.Fprintf(&sb, "\n\n[Page %d]\n", b.PageIndex)
			lastPage = b.PageIndex
		} else {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Text)
	}
	return strings.TrimSpace(sb.String())
}
