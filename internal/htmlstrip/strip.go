// Package htmlstrip converts HTML email bodies to plain text. It backs the
// body-recovery path for messages that arrive with an html part but no text
// part.
package htmlstrip

import (
	"strings"

	"golang.org/x/net/html"
)

// skipElements are elements whose text content is discarded entirely.
var skipElements = map[string]bool{
	"script": true,
	"style":  true,
	"head":   true,
	"title":  true,
}

// breakElements end a line of output. The set is tuned for the markup email
// clients actually emit: tables-for-layout, divs per paragraph, br runs.
var breakElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "table": true, "hr": true,
}

// Strip tokenizes src as HTML and returns its visible text. Lines are
// separated by single newlines; runs of blank lines are collapsed to one.
func Strip(src string) string {
	tz := html.NewTokenizer(strings.NewReader(src))

	var out strings.Builder
	var line strings.Builder
	skipDepth := 0

	flush := func() {
		text := strings.TrimSpace(line.String())
		line.Reset()
		if text == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(text)
	}

	for {
		tt := tz.Next()
		switch tt {
		case html.ErrorToken:
			flush()
			return collapseBlankLines(out.String())
		case html.TextToken:
			if skipDepth == 0 {
				line.WriteString(collapseSpaces(string(tz.Text())))
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			nameBytes, _ := tz.TagName()
			name := string(nameBytes)
			if skipElements[name] {
				switch tt {
				case html.StartTagToken:
					skipDepth++
				case html.EndTagToken:
					if skipDepth > 0 {
						skipDepth--
					}
				}
				continue
			}
			if breakElements[name] {
				flush()
			}
		}
	}
}

// collapseSpaces reduces any whitespace run to a single space, preserving
// word boundaries across soft-wrapped source lines.
func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	var b strings.Builder
	if s[0] == ' ' || s[0] == '\n' || s[0] == '\t' || s[0] == '\r' {
		b.WriteByte(' ')
	}
	b.WriteString(strings.Join(fields, " "))
	last := s[len(s)-1]
	if last == ' ' || last == '\n' || last == '\t' || last == '\r' {
		b.WriteByte(' ')
	}
	return b.String()
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
