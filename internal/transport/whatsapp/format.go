package whatsapp

import (
	"regexp"
	"strings"
)

var (
	boldPattern   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikePattern = regexp.MustCompile(`~~(.+?)~~`)
	headerPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	bulletPattern = regexp.MustCompile(`(?m)^(\s*)[-+]\s+`)
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	imagePattern  = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	htmlPattern   = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// FormatMessage converts markdown to WhatsApp formatting. Text already in
// WhatsApp style (*bold*, _italic_, ~strike~) passes through unchanged, and
// fenced code blocks are left alone.
func FormatMessage(text string) string {
	if text == "" {
		return ""
	}

	parts := strings.Split(text, "```")
	for i := range parts {
		// Odd segments are inside a fence.
		if i%2 == 1 {
			continue
		}
		parts[i] = formatSegment(parts[i])
	}
	text = strings.Join(parts, "```")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

func formatSegment(s string) string {
	s = imagePattern.ReplaceAllString(s, "$2")
	s = linkPattern.ReplaceAllString(s, "$1 ($2)")
	s = headerPattern.ReplaceAllString(s, "*$1*")
	s = boldPattern.ReplaceAllString(s, "*$1*")
	s = strikePattern.ReplaceAllString(s, "~$1~")
	s = bulletPattern.ReplaceAllString(s, "$1• ")
	s = htmlPattern.ReplaceAllString(s, "")
	return s
}
