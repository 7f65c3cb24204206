package textfilter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDictionary = `
stop_words:
  - word: the
    language: en
  - word: 的
    language: zh
  - word: skipped
    disabled: true
sensitive_words:
  - word: secret
    level: high
    replacement: "[redacted]"
  - word: 机密
`

func newTestFilter(t *testing.T, opts ...Option) *Filter {
	t.Helper()
	dict, err := ParseDictionary([]byte(sampleDictionary))
	require.NoError(t, err)
	f, err := New(dict, opts...)
	require.NoError(t, err)
	return f
}

func TestFilterStopWords(t *testing.T) {
	f := newTestFilter(t)

	out, report, err := f.Filter(context.Background(), "The cat saw the other cat. Theory stays.")
	require.NoError(t, err)
	assert.Equal(t, " cat saw  other cat. Theory stays.", out)
	assert.Equal(t, 2, report.StopWordsRemoved)
	assert.True(t, report.Changed())
}

func TestFilterCJKBoundaries(t *testing.T) {
	f := newTestFilter(t)

	out, report, err := f.Filter(context.Background(), "我的书 abc的 的x")
	require.NoError(t, err)
	assert.Equal(t, "我书 abc的 的x", out)
	assert.Equal(t, 1, report.StopWordsRemoved)
}

func TestFilterSensitiveWords(t *testing.T) {
	f := newTestFilter(t)

	out, report, err := f.Filter(context.Background(), "Secret plans are secretive. 这是机密文件")
	require.NoError(t, err)
	assert.Equal(t, "[redacted] plans are secretive. 这是***文件", out)
	assert.Equal(t, 2, report.SensitiveReplaced)
	require.Len(t, report.Replacements, 2)
	assert.Equal(t, Replacement{Word: "Secret", Replacement: "[redacted]", Level: "high"}, report.Replacements[0])
	assert.Equal(t, Replacement{Word: "机密", Replacement: DefaultReplacement, Level: DefaultLevel}, report.Replacements[1])
}

func TestFilterModes(t *testing.T) {
	text := "the secret"

	f := newTestFilter(t, WithMode(ModeStopWords))
	out, _, err := f.Filter(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, " secret", out)

	f = newTestFilter(t, WithMode(ModeSensitive))
	out, _, err = f.Filter(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "the [redacted]", out)

	_, err = New(nil, WithMode("loud"))
	assert.Error(t, err)
}

func TestFilterDisabledAndCounts(t *testing.T) {
	f := newTestFilter(t)
	stop, sensitive := f.Counts()
	assert.Equal(t, 2, stop)
	assert.Equal(t, 2, sensitive)

	out, report, err := f.Filter(context.Background(), "skipped words stay")
	require.NoError(t, err)
	assert.Equal(t, "skipped words stay", out)
	assert.False(t, report.Changed())
}

func TestFilterCancelled(t *testing.T) {
	f := newTestFilter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, _, err := f.Filter(ctx, "the text")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "the text", out)
}

func TestLoadDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDictionary), 0o644))

	dict, err := LoadDictionary(path)
	require.NoError(t, err)
	assert.Len(t, dict.StopWords, 3)
	assert.Len(t, dict.SensitiveWords, 2)

	_, err = ParseDictionary([]byte("stop_words: {"))
	assert.Error(t, err)

	_, err = LoadDictionary(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNilDictionaryPassesThrough(t *testing.T) {
	f, err := New(nil)
	require.NoError(t, err)
	out, report, err := f.Filter(context.Background(), "unchanged")
	require.NoError(t, err)
	assert.Equal(t, "unchanged", out)
	assert.False(t, report.Changed())
}
