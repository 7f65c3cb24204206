package chunking

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// boundaryRunes end a sentence or clause; window edges snap back to them.
const boundaryRunes = ".!?\n。！？；;"

// snapLookback is how far a window edge may move backward to reach a boundary.
const snapLookback = 100

var (
	sentenceEnd    = regexp.MustCompile(`[.!?。！？]+`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	lineEndings    = strings.NewReplacer("\r\n", "\n", "\r", "\n")
)

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func isBoundary(r rune) bool {
	return strings.ContainsRune(boundaryRunes, r)
}

func normalizeNewlines(text string) string {
	return lineEndings.Replace(text)
}

// snapEnd moves end backward, at most snapLookback characters and never to
// start, so that the window finishes just after a boundary character. The
// result never exceeds end.
func snapEnd(runes []rune, start, end int) int {
	if end >= len(runes) {
		return len(runes)
	}
	floor := max(start, end-snapLookback)
	for i := end - 1; i > floor; i-- {
		if isBoundary(runes[i]) {
			return i + 1
		}
	}
	return end
}

// splitKeepingDelimiters splits text after every match of re, keeping the
// matched delimiter attached to the preceding piece. Blank pieces are dropped.
func splitKeepingDelimiters(text string, re *regexp.Regexp) []string {
	var pieces []string
	last := 0
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if piece := strings.TrimSpace(text[last:loc[1]]); piece != "" {
			pieces = append(pieces, piece)
		}
		last = loc[1]
	}
	if piece := strings.TrimSpace(text[last:]); piece != "" {
		pieces = append(pieces, piece)
	}
	return pieces
}

func splitSentences(text string) []string {
	return splitKeepingDelimiters(text, sentenceEnd)
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(normalizeNewlines(text), -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pack greedily concatenates units with sep, starting a new chunk whenever the
// running length plus the next unit would exceed size. A unit longer than size
// becomes a chunk of its own.
func pack(units []string, sep string, size int) []string {
	var chunks []string
	var current strings.Builder
	currentLen := 0
	for _, unit := range units {
		unitLen := runeLen(unit)
		if currentLen > 0 && currentLen+unitLen > size {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteString(sep)
			currentLen += runeLen(sep)
		}
		current.WriteString(unit)
		currentLen += unitLen
	}
	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
