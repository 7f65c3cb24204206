package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_ChineseChapters(t *testing.T) {
	text := "第一章 绪论\n内容A\n第二章 方法\n内容B"
	chunks := Split(text, Config{
		Strategy:     StrategyChapter,
		MinChunkSize: 5,
		Chapter:      ChapterConfig{KeepChapters: true},
	})

	require.Len(t, chunks, 2)
	assert.Equal(t, "第一章 绪论\n内容A", chunks[0])
	assert.Equal(t, "第二章 方法\n内容B", chunks[1])
}

func TestSplit_ChapterCandidatesMatchHeadings(t *testing.T) {
	body := strings.Repeat("Body text for the section. ", 4)
	text := "Preface before any heading.\n# One\n" + body + "\n## Two\n" + body + "\nChapter 3: Three\n" + body

	chunks := Split(text, Config{
		Strategy:     StrategyChapter,
		MinChunkSize: 1,
		Chapter:      ChapterConfig{KeepChapters: true},
	})
	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[0], "Preface before any heading.\n# One"))
	assert.True(t, strings.HasPrefix(chunks[1], "## Two"))
	assert.True(t, strings.HasPrefix(chunks[2], "Chapter 3: Three"))
}

func TestSplit_ShortChapterAbsorbedIntoPrevious(t *testing.T) {
	long := strings.Repeat("z", 60)
	text := "# A\n" + long + "\n# B\nshort\n# C\n" + long

	chunks := Split(text, Config{
		Strategy:     StrategyChapter,
		MinChunkSize: 20,
		Chapter:      ChapterConfig{KeepChapters: true},
	})
	require.Len(t, chunks, 2)
	assert.Equal(t, "# A\n"+long+"\n# B\nshort", chunks[0])
	assert.Equal(t, "# C\n"+long, chunks[1])
}

func TestSplit_AdjacentChaptersMerged(t *testing.T) {
	text := "第一章 绪论\n内容A\n第二章 方法\n内容B"
	chunks := Split(text, Config{Strategy: StrategyChapter, MinChunkSize: 5})

	require.Len(t, chunks, 1)
	assert.Equal(t, "第一章 绪论\n内容A\n\n第二章 方法\n内容B", chunks[0])
}

func TestSplit_ChapterMergeStopsAtMaxChunkSize(t *testing.T) {
	body := strings.Repeat("x", 40)
	text := "# A\n" + body + "\n# B\n" + body + "\n# C\n" + body

	// Each chapter is 44 runes; two joined with a blank line make 90.
	chunks := Split(text, Config{Strategy: StrategyChapter, MinChunkSize: 1, MaxChunkSize: 100})
	require.Len(t, chunks, 2)
	assert.Equal(t, "# A\n"+body+"\n\n# B\n"+body, chunks[0])
	assert.Equal(t, "# C\n"+body, chunks[1])
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), 100)
	}
}

func TestSplit_OversizedChapterSplitsByParagraph(t *testing.T) {
	para := func(c string) string { return strings.Repeat(c, 60) }
	text := "# A\n" + para("a") + "\n\n" + para("b") + "\n\n" + para("c")

	cfg := Config{Strategy: StrategyChapter, MinChunkSize: 1, Chapter: ChapterConfig{MaxChapterSize: 100}}
	chunks := Split(text, cfg)
	require.Len(t, chunks, 3)
	assert.Equal(t, "# A\n"+para("a"), chunks[0])
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), 100)
	}
}

func TestSplit_ChapterWithoutHeadingsPacksParagraphs(t *testing.T) {
	text := strings.Repeat("a", 600) + "\n\n" + strings.Repeat("b", 600)
	chunks := Split(text, Config{Strategy: StrategyChapter})
	assert.Len(t, chunks, 2)
}

func TestDetectHeadings(t *testing.T) {
	text := "1. Numbered\n# Markdown\nsome prose\nCHAPTER TITLE\n第十二章 开始\n一、引言\nB. Appendix\n2.3 Results"
	headings := DetectHeadings(text, ChapterConfig{})

	var patterns []string
	for _, h := range headings {
		patterns = append(patterns, h.Pattern)
	}
	assert.Equal(t, []string{
		"numeric", "markdown", "uppercase", "chinese_chapter",
		"chinese_section", "alphabetic", "english_section",
	}, patterns)

	assert.Equal(t, 12, headings[3].Level)
	assert.Equal(t, 11, headings[4].Level)
	assert.Equal(t, "引言", headings[4].Title)
	assert.Equal(t, 2, headings[5].Level)
	assert.Equal(t, 203, headings[6].Level)
	assert.Equal(t, 0, headings[0].Position)
	assert.Equal(t, runeLen("1. Numbered\n"), headings[1].Position)
}

func TestDetectHeadings_RestrictedPatterns(t *testing.T) {
	text := "# Title\n1. Item\nCHAPTER TITLE"
	headings := DetectHeadings(text, ChapterConfig{Patterns: []string{"markdown"}})
	require.Len(t, headings, 1)
	assert.Equal(t, "Title", headings[0].Title)
}

func TestOutline_OrdersByPriorityThenPosition(t *testing.T) {
	text := "1. First\n# Second\n2. Third\n## Fourth"
	outline := Outline(text, ChapterConfig{})

	var titles []string
	for _, h := range outline {
		titles = append(titles, h.Title)
	}
	assert.Equal(t, []string{"Second", "Fourth", "First", "Third"}, titles)
}

func TestParseNumeral(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"7", 7},
		{"42", 42},
		{"一", 1},
		{"十", 10},
		{"十二", 12},
		{"二十", 20},
		{"二十三", 23},
		{"一百零五", 105},
		{"abc", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseNumeral(tc.in), tc.in)
	}
}
