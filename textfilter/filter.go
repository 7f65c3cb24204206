package textfilter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"
)

// DefaultReplacement is substituted for sensitive words without their own replacement.
const DefaultReplacement = "***"

// DefaultLevel is assigned to sensitive words without a level.
const DefaultLevel = "medium"

// StopWord is removed from text.
type StopWord struct {
	Word     string `yaml:"word"`
	Language string `yaml:"language,omitempty"`
	Category string `yaml:"category,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// SensitiveWord is replaced in text.
type SensitiveWord struct {
	Word        string `yaml:"word"`
	Level       string `yaml:"level,omitempty"`
	Replacement string `yaml:"replacement,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty"`
}

// Dictionary is the on-disk word list.
type Dictionary struct {
	StopWords      []StopWord      `yaml:"stop_words"`
	SensitiveWords []SensitiveWord `yaml:"sensitive_words"`
}

// LoadDictionary reads a YAML dictionary file.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDictionary(data)
}

// ParseDictionary decodes a YAML dictionary.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var dict Dictionary
	if err := yaml.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	return &dict, nil
}

// Mode selects which passes Filter runs.
type Mode string

const (
	ModeBoth      Mode = "both"
	ModeStopWords Mode = "stop_words"
	ModeSensitive Mode = "sensitive"
)

// Replacement records one sensitive word substitution.
type Replacement struct {
	Word        string
	Replacement string
	Level       string
}

// Report summarizes what a Filter call changed.
type Report struct {
	StopWordsRemoved  int
	SensitiveReplaced int
	Replacements      []Replacement
}

// Changed reports whether anything was removed or replaced.
func (r Report) Changed() bool {
	return r.StopWordsRemoved > 0 || r.SensitiveReplaced > 0
}

type rule struct {
	word        string
	replacement string
	level       string
	re          *regexp2.Regexp
}

// Filter removes stop words and masks sensitive words. It is safe for concurrent use.
type Filter struct {
	mode      Mode
	stop      []rule
	sensitive []rule
	logger    *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter) error

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) error {
		if logger == nil {
			logger = slog.Default()
		}
		f.logger = logger
		return nil
	}
}

// WithMode restricts the passes. Default is ModeBoth.
func WithMode(mode Mode) Option {
	return func(f *Filter) error {
		switch mode {
		case ModeBoth, ModeStopWords, ModeSensitive:
			f.mode = mode
			return nil
		}
		return fmt.Errorf("unknown filter mode %q", mode)
	}
}

// New compiles the active words of dict.
func New(dict *Dictionary, opts ...Option) (*Filter, error) {
	f := &Filter{mode: ModeBoth, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	f.logger = f.logger.With("component", "textfilter")
	if dict == nil {
		return f, nil
	}

	for _, w := range dict.StopWords {
		word := strings.TrimSpace(w.Word)
		if w.Disabled || word == "" {
			continue
		}
		f.stop = append(f.stop, rule{word: word, re: compileWord(word)})
	}
	for _, w := range dict.SensitiveWords {
		word := strings.TrimSpace(w.Word)
		if w.Disabled || word == "" {
			continue
		}
		r := rule{word: word, replacement: w.Replacement, level: w.Level, re: compileWord(word)}
		if r.replacement == "" {
			r.replacement = DefaultReplacement
		}
		if r.level == "" {
			r.level = DefaultLevel
		}
		f.sensitive = append(f.sensitive, r)
	}
	return f, nil
}

var cjk = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

// compileWord matches word case-insensitively. Words containing CJK characters
// only need to be free of adjacent ASCII letters and digits; other words must
// sit on word boundaries.
func compileWord(word string) *regexp2.Regexp {
	quoted := regexp2.Escape(word)
	pattern := `\b` + quoted + `\b`
	if cjk.MatchString(word) {
		pattern = `(?<![a-zA-Z0-9])` + quoted + `(?![a-zA-Z0-9])`
	}
	re := regexp2.MustCompile(pattern, regexp2.IgnoreCase)
	re.MatchTimeout = time.Second
	return re
}

// Counts returns the number of active stop and sensitive words.
func (f *Filter) Counts() (stopWords, sensitiveWords int) {
	return len(f.stop), len(f.sensitive)
}

// Filter returns text with stop words removed and sensitive words replaced.
func (f *Filter) Filter(ctx context.Context, text string) (string, Report, error) {
	var report Report
	if f.mode != ModeSensitive {
		for _, r := range f.stop {
			if err := ctx.Err(); err != nil {
				return text, report, err
			}
			out, err := r.re.ReplaceFunc(text, func(regexp2.Match) string {
				report.StopWordsRemoved++
				return ""
			}, -1, -1)
			if err != nil {
				return text, report, fmt.Errorf("stop word %q: %w", r.word, err)
			}
			text = out
		}
	}
	if f.mode != ModeStopWords {
		for _, r := range f.sensitive {
			if err := ctx.Err(); err != nil {
				return text, report, err
			}
			out, err := r.re.ReplaceFunc(text, func(m regexp2.Match) string {
				report.SensitiveReplaced++
				report.Replacements = append(report.Replacements, Replacement{
					Word:        m.String(),
					Replacement: r.replacement,
					Level:       r.level,
				})
				return r.replacement
			}, -1, -1)
			if err != nil {
				return text, report, fmt.Errorf("sensitive word %q: %w", r.word, err)
			}
			text = out
		}
	}
	if report.Changed() {
		f.logger.Debug("filtered text", "stop_words", report.StopWordsRemoved, "sensitive", report.SensitiveReplaced)
	}
	return text, report, nil
}
