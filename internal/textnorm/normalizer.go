/**
 * Text Normalizer
 *
 * Cleans raw provider output into the canonical form stored on every
 * recognition result. Simple mode flattens whitespace; structured mode keeps
 * the block layout (headings, lists, tables) that document providers return.
 *
 * Neither mode fails: malformed input degrades to less structure, never to an error.
 */

package textnorm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// BlockType classifies a blank-line separated block of text
type BlockType string

const (
	BlockHeading   BlockType = "heading"
	BlockParagraph BlockType = "paragraph"
	BlockList      BlockType = "list"
	BlockTable     BlockType = "table"
)

// Block is one classified chunk of structured text
type Block struct {
	Type  BlockType
	Lines []string
}

const maxHeadingRunes = 80

var (
	invisible = strings.NewReplacer(
		"\x00", "",
		"\uFEFF", "",
		"\u200B", "",
		"\u200C", "",
		"\u200D", "",
		"\u2060", "",
	)
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)

	// the item body must start with a rune outside unicode.IsSpace
	listMarker  = regexp.MustCompile(`^\s*([-*+•▪‣◦·]|\d{1,3}[.)]|[A-Za-z][.)])\s+[^\s\v\p{Z}\x{85}]`)
	columnGap   = regexp.MustCompile(`\S( {3,}|\t)\S`)
	headingTail = ".,;:!?"
)

// Normalize canonicalizes line endings, strips invisible characters, collapses
// horizontal whitespace and caps blank-line runs at one. Idempotent.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	lines := strings.Split(clean(raw), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}

	out := blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

// NormalizeStructured keeps block layout: headings verbatim, paragraphs joined
// into a single line, list and table lines preserved. The common indentation
// of the input is re-applied to every line.
func NormalizeStructured(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	indent, blocks := split(raw)
	rendered := make([]string, 0, len(blocks))

	for _, b := range blocks {
		var lines []string
		switch b.Type {
		case BlockParagraph:
			lines = []string{collapse(strings.Join(b.Lines, " "))}
		case BlockList:
			lines = make([]string, len(b.Lines))
			for i, l := range b.Lines {
				lines[i] = collapse(l)
			}
		case BlockHeading:
			lines = []string{strings.TrimSpace(b.Lines[0])}
		default:
			lines = b.Lines
		}

		text := strings.Join(lines, "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		for i, l := range lines {
			lines[i] = indent + l
		}
		rendered = append(rendered, strings.Join(lines, "\n"))
	}

	return strings.Join(rendered, "\n\n")
}

// Blocks returns the classified blocks of raw with common indentation removed
func Blocks(raw string) []Block {
	_, blocks := split(raw)
	return blocks
}

// Classify assigns a block type to a group of consecutive non-blank lines.
// Order matters: list, table, heading, then paragraph.
func Classify(lines []string) BlockType {
	if len(lines) == 0 {
		return BlockParagraph
	}

	if all(lines, listMarker.MatchString) {
		return BlockList
	}

	if len(lines) >= 2 && all(lines, isTableRow) {
		return BlockTable
	}

	if len(lines) == 1 {
		line := strings.TrimSpace(lines[0])
		if line != "" && utf8.RuneCountInString(line) <= maxHeadingRunes && !strings.ContainsAny(line[len(line)-1:], headingTail) {
			return BlockHeading
		}
	}

	return BlockParagraph
}

func split(raw string) (string, []Block) {
	lines := strings.Split(clean(raw), "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimRight(l, " \t\f\v\u00A0")
	}

	indent := commonIndent(lines)

	var blocks []Block
	var current []string
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, Block{Type: Classify(current), Lines: current})
			current = nil
		}
	}

	for _, l := range lines {
		if l == "" {
			flush()
			continue
		}
		current = append(current, strings.TrimPrefix(l, indent))
	}
	flush()

	return indent, blocks
}

// commonIndent returns the longest leading-whitespace prefix shared by every non-blank line
func commonIndent(lines []string) string {
	prefix := ""
	first := true
	for _, l := range lines {
		if l == "" {
			continue
		}
		lead := l[:len(l)-len(strings.TrimLeft(l, " \t"))]
		if first {
			prefix = lead
			first = false
			continue
		}
		for !strings.HasPrefix(lead, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
		if prefix == "" {
			break
		}
	}
	return prefix
}

func clean(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return invisible.Replace(s)
}

func collapse(s string) string {
	return strings.TrimSpace(horizontalSpace.ReplaceAllString(s, " "))
}

func isTableRow(line string) bool {
	return columnGap.MatchString(line) || strings.Count(line, "|") >= 2
}

func all(lines []string, pred func(string) bool) bool {
	for _, l := range lines {
		if !pred(l) {
			return false
		}
	}
	return true
}
