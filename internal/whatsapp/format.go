package whatsapp

import (
	"regexp"
	"strings"
)

var (
	// **bold** -> *bold*
	boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

	// __bold__ -> *bold*
	underBoldPattern = regexp.MustCompile(`__(.+?)__`)

	// ~~strike~~ -> ~strike~
	strikePattern = regexp.MustCompile(`~~(.+?)~~`)

	// ## heading -> *heading*
	headerPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

	// [text](url) -> text (url)
	linkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

	// ![alt](url) -> url
	imagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

	// - item / * item -> • item
	bulletPattern = regexp.MustCompile(`(?m)^([ \t]*)[-*][ \t]+`)

	htmlTagPattern = regexp.MustCompile(`<[^>]+>`)
)

// FormatMessage converts backend markdown into WhatsApp formatting.
// WhatsApp understands *bold*, _italic_, ~strike~, ```code``` and `code`.
func FormatMessage(markdown string) string {
	if markdown == "" {
		return ""
	}

	text := markdown

	// Images before links; the link pattern would eat them otherwise.
	text = imagePattern.ReplaceAllString(text, "$2")
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	text = headerPattern.ReplaceAllString(text, "*$1*")
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = underBoldPattern.ReplaceAllString(text, "*$1*")
	text = strikePattern.ReplaceAllString(text, "~$1~")
	text = bulletPattern.ReplaceAllString(text, "$1• ")
	text = htmlTagPattern.ReplaceAllString(text, "")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}
