package documents

import (
	"regexp"
	"strings"
)

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockBullet
	blockNumbered
)

// block is one rendered line of a Markdown summary.
type block struct {
	kind  blockKind
	level int
	text  string
}

// span is a run of inline text, bold or plain.
type span struct {
	text string
	bold bool
}

var (
	reHeading  = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	reBullet   = regexp.MustCompile(`^[-*+]\s+(.+)$`)
	reNumbered = regexp.MustCompile(`^(\d+)[.)]\s+(.+)$`)
	reBold     = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reInline   = regexp.MustCompile("[`*_]")
)

func parseBlocks(markdown string) []block {
	var out []block
	for _, line := range strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "---" || trimmed == "***" {
			continue
		}
		switch {
		case reHeading.MatchString(trimmed):
			m := reHeading.FindStringSubmatch(trimmed)
			out = append(out, block{kind: blockHeading, level: len(m[1]), text: m[2]})
		case reBullet.MatchString(trimmed):
			m := reBullet.FindStringSubmatch(trimmed)
			out = append(out, block{kind: blockBullet, text: m[1]})
		case reNumbered.MatchString(trimmed):
			out = append(out, block{kind: blockNumbered, text: trimmed})
		default:
			out = append(out, block{kind: blockParagraph, text: trimmed})
		}
	}
	return out
}

func spans(text string) []span {
	var out []span
	last := 0
	for _, loc := range reBold.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			out = append(out, span{text: cleanInline(text[last:loc[0]])})
		}
		var inner string
		if loc[2] >= 0 {
			inner = text[loc[2]:loc[3]]
		} else {
			inner = text[loc[4]:loc[5]]
		}
		out = append(out, span{text: cleanInline(inner), bold: true})
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, span{text: cleanInline(text[last:])})
	}
	return out
}

func plain(text string) string {
	var b strings.Builder
	for _, s := range spans(text) {
		b.WriteString(s.text)
	}
	return b.String()
}

func cleanInline(text string) string {
	return reInline.ReplaceAllString(text, "")
}

// dropLeadingTitle removes the first heading when it repeats the document title.
func dropLeadingTitle(blocks []block, title string) []block {
	if len(blocks) > 0 && blocks[0].kind == blockHeading &&
		strings.EqualFold(strings.TrimSpace(plain(blocks[0].text)), strings.TrimSpace(title)) {
		return blocks[1:]
	}
	return blocks
}
