package chunking

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Heading is a detected chapter or section title.
type Heading struct {
	Level    int
	Title    string
	Line     string
	Pattern  string
	Priority int
	// Position is the character offset of the heading line within the text.
	Position int
}

// maxHeadingLength keeps long prose lines from being mistaken for titles.
const maxHeadingLength = 100

type headingPattern struct {
	name  string
	re    *regexp.Regexp
	level func(m []string) int
	title func(m []string) string
}

func lastGroup(m []string) string {
	return strings.TrimSpace(m[len(m)-1])
}

func wholeLine(m []string) string {
	return strings.TrimSpace(m[0])
}

// headingPatterns are listed in priority order; the first match wins.
var headingPatterns = []headingPattern{
	{
		name:  "markdown",
		re:    regexp.MustCompile(`^(#{1,6})\s+(.+)$`),
		level: func(m []string) int { return len(m[1]) },
		title: lastGroup,
	},
	{
		name:  "chinese_chapter",
		re:    regexp.MustCompile(`^第([一二三四五六七八九十百千零〇两\d]+)[章节部篇]\s*(.*)$`),
		level: func(m []string) int { return parseNumeral(m[1]) },
		title: wholeLine,
	},
	{
		name:  "chinese_section",
		re:    regexp.MustCompile(`^([一二三四五六七八九十]+)[.、．]\s*(.+)$`),
		level: func(m []string) int { return parseNumeral(m[1]) + 10 },
		title: lastGroup,
	},
	{
		name:  "english_chapter",
		re:    regexp.MustCompile(`^(?:Chapter|CHAPTER)\s+(\d+)(?:\s*[-:.]?\s*(.*))?$`),
		level: func(m []string) int { return parseNumeral(m[1]) },
		title: wholeLine,
	},
	{
		name: "english_section",
		re:   regexp.MustCompile(`^(\d+)\.(\d+)(?:\s*[-:]?\s*(.*))?$`),
		level: func(m []string) int {
			return parseNumeral(m[1])*100 + parseNumeral(m[2])
		},
		title: wholeLine,
	},
	{
		name:  "numeric",
		re:    regexp.MustCompile(`^(\d+)\.\s*(.+)$`),
		level: func(m []string) int { return parseNumeral(m[1]) },
		title: lastGroup,
	},
	{
		name:  "alphabetic",
		re:    regexp.MustCompile(`^([A-Z])\.\s*(.+)$`),
		level: func(m []string) int { return int(m[1][0]-'A') + 1 },
		title: lastGroup,
	},
	{
		name:  "uppercase",
		re:    regexp.MustCompile(`^([A-Z][A-Z\s]{2,})$`),
		level: func([]string) int { return 1 },
		title: wholeLine,
	},
	{
		name:  "chinese_uppercase",
		re:    regexp.MustCompile(`^([一二三四五六七八九十]+)[、\s]\s*(.+)$`),
		level: func(m []string) int { return parseNumeral(m[1]) },
		title: lastGroup,
	},
}

func patternByName(name string) (headingPattern, bool) {
	for _, p := range headingPatterns {
		if p.name == name {
			return p, true
		}
	}
	return headingPattern{}, false
}

// DetectHeadings scans text line by line and returns the headings in document order.
func DetectHeadings(text string, cfg ChapterConfig) []Heading {
	enabled := make(map[string]bool, len(cfg.Patterns))
	for _, name := range cfg.Patterns {
		enabled[name] = true
	}

	var headings []Heading
	offset := 0
	for _, line := range strings.Split(normalizeNewlines(text), "\n") {
		lineLen := utf8.RuneCountInString(line)
		if h, ok := matchHeading(strings.TrimSpace(line), enabled); ok {
			h.Position = offset
			headings = append(headings, h)
		}
		offset += lineLen + 1
	}
	return headings
}

func matchHeading(line string, enabled map[string]bool) (Heading, bool) {
	if line == "" || utf8.RuneCountInString(line) > maxHeadingLength {
		return Heading{}, false
	}
	for priority, p := range headingPatterns {
		if len(enabled) > 0 && !enabled[p.name] {
			continue
		}
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := p.title(m)
		if title == "" {
			title = line
		}
		return Heading{
			Level:    p.level(m),
			Title:    title,
			Line:     line,
			Pattern:  p.name,
			Priority: priority,
		}, true
	}
	return Heading{}, false
}

// Outline returns the headings ordered by pattern priority, then position.
func Outline(text string, cfg ChapterConfig) []Heading {
	headings := DetectHeadings(text, cfg)
	sort.SliceStable(headings, func(i, j int) bool {
		if headings[i].Priority != headings[j].Priority {
			return headings[i].Priority < headings[j].Priority
		}
		return headings[i].Position < headings[j].Position
	})
	return headings
}

func splitChapters(text string, cfg Config) []string {
	text = normalizeNewlines(text)
	headings := DetectHeadings(text, cfg.Chapter)
	if len(headings) == 0 {
		return pack(splitParagraphs(text), "\n\n", cfg.Chapter.ChunkSize)
	}

	runes := []rune(text)
	candidates := make([]string, 0, len(headings))
	for i, h := range headings {
		end := len(runes)
		if i+1 < len(headings) {
			end = headings[i+1].Position
		}
		section := strings.TrimSpace(string(runes[h.Position:end]))
		if i == 0 {
			if preamble := strings.TrimSpace(string(runes[:h.Position])); preamble != "" {
				section = preamble + "\n" + section
			}
		}
		candidates = append(candidates, section)
	}

	var chapters []string
	for _, c := range absorbShortChapters(candidates, cfg.MinChunkSize) {
		if runeLen(c) <= cfg.Chapter.MaxChapterSize {
			chapters = append(chapters, c)
			continue
		}
		chapters = append(chapters, splitOversizedChapter(c, cfg.Chapter.MaxChapterSize)...)
	}
	if cfg.Chapter.KeepChapters {
		return chapters
	}
	return mergeAdjacent(chapters, min(cfg.MaxChunkSize, cfg.Chapter.MaxChapterSize))
}

// mergeAdjacent joins neighbouring chapters with a blank line while the
// result stays within ceiling.
func mergeAdjacent(chapters []string, ceiling int) []string {
	var out []string
	current, currentLen := "", 0
	for _, c := range chapters {
		cLen := runeLen(c)
		if currentLen > 0 && currentLen+2+cLen <= ceiling {
			current += "\n\n" + c
			currentLen += 2 + cLen
			continue
		}
		if currentLen > 0 {
			out = append(out, current)
		}
		current, currentLen = c, cLen
	}
	if currentLen > 0 {
		out = append(out, current)
	}
	return out
}

// absorbShortChapters appends chapters shorter than minSize onto the previous
// chapter. A short leading chapter is carried into the one after it.
func absorbShortChapters(chapters []string, minSize int) []string {
	var out []string
	carry := ""
	for _, c := range chapters {
		if carry != "" {
			c = carry + "\n" + c
			carry = ""
		}
		if runeLen(c) >= minSize {
			out = append(out, c)
			continue
		}
		if len(out) > 0 {
			out[len(out)-1] += "\n" + c
		} else {
			carry = c
		}
	}
	if carry != "" {
		out = append(out, carry)
	}
	return out
}

func splitOversizedChapter(chapter string, ceiling int) []string {
	var units []string
	for _, p := range splitParagraphs(chapter) {
		if runeLen(p) <= ceiling {
			units = append(units, p)
			continue
		}
		units = append(units, pack(splitSentences(p), " ", ceiling)...)
	}
	return pack(units, "\n\n", ceiling)
}

var chineseDigits = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var chineseUnits = map[rune]int{'十': 10, '百': 100, '千': 1000}

// parseNumeral converts Arabic or Chinese numerals to an int. Unparseable
// input yields 0.
func parseNumeral(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	total, digit := 0, 0
	for _, r := range s {
		if d, ok := chineseDigits[r]; ok {
			digit = d
			continue
		}
		unit, ok := chineseUnits[r]
		if !ok {
			if r >= '0' && r <= '9' {
				digit = digit*10 + int(r-'0')
				continue
			}
			return 0
		}
		if digit == 0 {
			digit = 1
		}
		total += digit * unit
		digit = 0
	}
	return total + digit
}
