// Package sanitize normalizes untrusted agent-drop payloads before they
// enter the inbox.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

// skippedElements are containers whose text content is dropped entirely,
// not just their tags.
var skippedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"iframe":   {},
}

// StripHTML removes markup from untrusted input, keeping only text content.
// The contents of script/style-like elements are dropped, and runs of
// whitespace introduced by removed tags collapse to single spaces.
func StripHTML(input string) string {
	if !strings.ContainsAny(input, "<>") {
		return collapseWhitespace(input)
	}

	tokenizer := html.NewTokenizer(strings.NewReader(input))
	var b strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return collapseWhitespace(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if _, skip := skippedElements[string(name)]; skip {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if _, skip := skippedElements[string(name)]; skip && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
