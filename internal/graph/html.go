package graph

import (
	"regexp"
	"strings"
)

var (
	imgTagRe  = regexp.MustCompile(`(?is)<img\b[^>]*>`)
	attrRe    = regexp.MustCompile(`(?i)(src|alt|data-fullres-src)\s*=\s*"([^"]*)"`)
	scriptRe  = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	tagRe     = regexp.MustCompile(`(?s)<[^>]+>`)
	spacesRe  = regexp.MustCompile(`[ \t]+`)
	blanksRe  = regexp.MustCompile(`\n{2,}`)
	entityMap = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'")
)

// ExtractImageRefs pulls image resource references out of page HTML. The
// full-resolution source is preferred when present.
func ExtractImageRefs(html string) []ImageRef {
	var refs []ImageRef
	for _, tag := range imgTagRe.FindAllString(html, -1) {
		var ref ImageRef
		var fullres string
		for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
			switch strings.ToLower(m[1]) {
			case "src":
				ref.URL = m[2]
			case "alt":
				ref.AltText = m[2]
			case "data-fullres-src":
				fullres = m[2]
			}
		}
		if fullres != "" {
			ref.URL = fullres
		}
		if ref.URL != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ExtractText strips tags from page HTML and normalizes whitespace. Good
// enough for the search index; the real extraction pipeline downstream
// does its own parsing.
func ExtractText(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = entityMap.Replace(text)
	text = spacesRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blanksRe.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}
