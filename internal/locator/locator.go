// Package locator maps free-text topics to source pages. Search is
// best-effort: an exact phrase match is tried first, then individual
// keywords, then a combined any-keyword pass. A topic that cannot be
// located is not an error; the caller picks its own fallback page.
package locator

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/storage"
)

const (
	minKeywordLength = 4
	maxKeywords      = 8
	maxAnyKeywords   = 6
)

// stopWords lists filler words excluded from keyword search. Words shorter
// than minKeywordLength are already dropped by the length filter.
var stopWords = map[string]struct{}{
	"about": {}, "above": {}, "after": {}, "again": {}, "also": {},
	"another": {}, "because": {}, "been": {}, "before": {}, "being": {},
	"below": {}, "between": {}, "both": {}, "could": {}, "does": {},
	"doing": {}, "during": {}, "each": {}, "explain": {}, "from": {},
	"have": {}, "here": {}, "into": {}, "more": {}, "most": {},
	"only": {}, "other": {}, "over": {}, "same": {}, "should": {},
	"some": {}, "such": {}, "than": {}, "that": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "those": {}, "through": {}, "under": {}, "very": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "while": {},
	"will": {}, "with": {}, "would": {}, "your": {},
}

// PageSearcher is the slice of the page repository the locator needs.
type PageSearcher interface {
	FirstPageMatching(ctx context.Context, documentID uuid.UUID, needle string) (int, error)
	FirstPageMatchingAny(ctx context.Context, documentID uuid.UUID, needles []string) (int, error)
}

// Locator finds the page a topic most likely lives on.
type Locator struct {
	pages PageSearcher
}

// New creates a locator over the given page search backend.
func New(pages PageSearcher) *Locator {
	return &Locator{pages: pages}
}

// FindPage returns the lowest page index whose extracted text matches the
// topic, trying exact phrase, then each keyword, then any keyword. The bool
// reports whether a page was found; false with a nil error means the topic
// could not be located.
func (l *Locator) FindPage(ctx context.Context, documentID uuid.UUID, topic string) (int, bool, error) {
	phrase := strings.TrimSpace(topic)
	if phrase == "" {
		return 0, false, nil
	}

	page, err := l.pages.FirstPageMatching(ctx, documentID, phrase)
	if err == nil {
		return page, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, false, err
	}

	keywords := Keywords(phrase)
	for _, kw := range keywords {
		page, err := l.pages.FirstPageMatching(ctx, documentID, kw)
		if err == nil {
			return page, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return 0, false, err
		}
	}

	if len(keywords) > maxAnyKeywords {
		keywords = keywords[:maxAnyKeywords]
	}
	page, err = l.pages.FirstPageMatchingAny(ctx, documentID, keywords)
	if err == nil {
		return page, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, false, err
	}
	return 0, false, nil
}

// Keywords extracts search keywords from a topic: lowercased words of at
// least four characters, stop words removed, deduplicated in order, capped
// at eight.
func Keywords(topic string) []string {
	words := strings.FieldsFunc(strings.ToLower(topic), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(words))
	keywords := make([]string, 0, maxKeywords)
	for _, word := range words {
		if len(word) < minKeywordLength {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}
