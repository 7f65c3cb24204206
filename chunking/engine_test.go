package chunking

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_EmptyInput(t *testing.T) {
	for _, strategy := range Strategies {
		t.Run(string(strategy), func(t *testing.T) {
			assert.Empty(t, Split("", Config{Strategy: strategy}))
			assert.Empty(t, Split("  \n\t ", Config{Strategy: strategy}))
		})
	}
}

func TestSplit_TokenUnderBudgetReturnsWholeText(t *testing.T) {
	text := strings.Repeat("abc ", 100)
	chunks := Split(text, Config{Strategy: StrategyToken, ChunkSize: 500, MinChunkSize: 1})
	assert.Equal(t, []string{text}, chunks)
}

func TestSplit_TokenLongDocument(t *testing.T) {
	text := strings.Repeat("abcde. ", 1429)
	require.Equal(t, 10003, runeLen(text))

	chunks := Split(text, Config{Strategy: StrategyToken, ChunkSize: 500, MinChunkSize: 1})
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), DefaultMaxChunkSize)
	}
	assert.Equal(t, text, strings.Join(chunks, ""), "token chunks cover the text without gaps")
}

func TestSplit_MaxChunkSizeHolds(t *testing.T) {
	text := strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 200) +
		"\n\n" + strings.Repeat("x", 3000)

	for _, strategy := range Strategies {
		if strategy == StrategyCustomDelimiter {
			continue
		}
		t.Run(string(strategy), func(t *testing.T) {
			cfg := Config{Strategy: strategy, ChunkSize: 300, MaxChunkSize: 800, StepSize: 500}
			for _, c := range Split(text, cfg) {
				assert.LessOrEqual(t, runeLen(c), 800)
			}
		})
	}
}

func TestSplit_FixedLength(t *testing.T) {
	text := strings.Repeat("0123456789", 10)
	chunks := Split(text, Config{Strategy: StrategyFixedLength, ChunkSize: 30, MinChunkSize: 5})
	require.Len(t, chunks, 4)
	assert.Equal(t, text[:30], chunks[0])
	assert.Equal(t, text[90:], chunks[3])
}

func TestSplit_MultibyteLengthsAreCharacters(t *testing.T) {
	text := strings.Repeat("知识库文档", 20)
	chunks := Split(text, Config{Strategy: StrategyFixedLength, ChunkSize: 25, MinChunkSize: 1})
	require.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.Equal(t, 25, runeLen(c))
	}
}

func TestSplit_RecursiveOverlapAdvances(t *testing.T) {
	text := strings.Repeat("Sentence number one is here. ", 20)
	cfg := Config{Strategy: StrategyRecursive, ChunkSize: 100, OverlapSize: 30, MinChunkSize: 1}
	chunks := Split(text, cfg)
	require.Greater(t, len(chunks), 1)

	searchFrom := 0
	for _, c := range chunks {
		idx := strings.Index(text[searchFrom:], c)
		require.GreaterOrEqual(t, idx, 0, "chunk must appear in order")
		searchFrom += idx + 1
	}
	assert.True(t, strings.HasSuffix(text, chunks[len(chunks)-1]))
}

func TestSplit_RecursiveOverlapLargerThanChunk(t *testing.T) {
	text := strings.Repeat("a", 50)
	chunks := Split(text, Config{Strategy: StrategyRecursive, ChunkSize: 10, OverlapSize: 20, MinChunkSize: 1, MaxChunkSize: 10})
	assert.Len(t, chunks, 41)
}

func TestSplit_Paragraphs(t *testing.T) {
	p := func(c string) string { return strings.Repeat(c, 200) }
	text := p("a") + "\n\n" + p("b") + "\n\n" + p("c")

	chunks := Split(text, Config{Strategy: StrategyParagraph, ChunkSize: 500})
	require.Len(t, chunks, 2)
	assert.Equal(t, p("a")+"\n\n"+p("b"), chunks[0])
	assert.Equal(t, p("c"), chunks[1])
}

func TestSplit_Sentences(t *testing.T) {
	text := "First sentence here. Second one follows! Is this the third? Yes."
	chunks := Split(text, Config{Strategy: StrategySentence, ChunkSize: 30, MinChunkSize: 1})
	assert.Equal(t, []string{
		"First sentence here.",
		"Second one follows!",
		"Is this the third? Yes.",
	}, chunks)
}

func TestSplit_SlidingWindow(t *testing.T) {
	text := strings.Repeat("abcdefghij", 10)
	cfg := Config{Strategy: StrategySlidingWindow, ChunkSize: 10, WindowSize: 3, StepSize: 10, MinChunkSize: 5}
	chunks := Split(text, cfg)
	require.Len(t, chunks, 10)
	assert.Equal(t, text[:30], chunks[0])
	assert.Equal(t, text[70:], chunks[7])
	assert.Equal(t, text[90:], chunks[9])
}

func TestSplit_CustomDelimiter(t *testing.T) {
	chunks := Split("a| b ||  |c", Config{Strategy: StrategyCustomDelimiter, CustomDelimiter: "|"})
	assert.Equal(t, []string{"a", "b", "c"}, chunks)
}

func TestSplit_UnknownStrategyFallsBack(t *testing.T) {
	var events []FallbackEvent
	engine := NewEngine(WithFallbackObserver(func(e FallbackEvent) {
		events = append(events, e)
	}))
	text := strings.Repeat("Some words. ", 400)

	got, err := engine.Split(context.Background(), text, Config{Strategy: "bogus", MinChunkSize: 1})
	require.NoError(t, err)
	want, err := engine.Split(context.Background(), text, Config{Strategy: StrategyToken, MinChunkSize: 1})
	require.NoError(t, err)

	assert.Equal(t, want, got)
	require.Len(t, events, 1)
	assert.Equal(t, FallbackEvent{Requested: "bogus", Used: StrategyToken}, events[0])
}

func TestParseStrategy(t *testing.T) {
	s, ok := ParseStrategy("Sliding-Window")
	assert.True(t, ok)
	assert.Equal(t, StrategySlidingWindow, s)

	_, ok = ParseStrategy("nope")
	assert.False(t, ok)
}

func TestMergeSmall(t *testing.T) {
	assert.Equal(t, []string{"ab\n\ncdefgh\n\nij"}, mergeSmall([]string{"ab", "cdefgh", "ij"}, 5, 20))
	assert.Equal(t, []string{"ab\n\ncdefgh", "ij"}, mergeSmall([]string{"ab", "cdefgh", "ij"}, 5, 12))
	assert.Equal(t, []string{"abcdef", "ghijkl"}, mergeSmall([]string{"abcdef", "ghijkl"}, 5, 100))
}

func TestPreview(t *testing.T) {
	engine := NewEngine()
	preview, err := engine.Preview(context.Background(), "one.\n\ntwo.\n\nthree.", Config{Strategy: "paragraph", ChunkSize: 5, MinChunkSize: 1})
	require.NoError(t, err)

	assert.Equal(t, StrategyParagraph, preview.Strategy)
	assert.Equal(t, 3, preview.Stats.Count)
	assert.Equal(t, 4, preview.Stats.MinSize)
	assert.Equal(t, 6, preview.Stats.MaxSize)
	assert.Equal(t, 14, preview.Stats.TotalSize)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.SimilarityThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Chapter.Patterns = []string{"markdown", "klingon"}
	assert.Error(t, cfg.Validate())
}
