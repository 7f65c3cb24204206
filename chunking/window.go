package chunking

import "strings"

// charsPerToken approximates how many characters make up one model token.
const charsPerToken = 4

func splitFixedLength(text string, cfg Config) []string {
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += cfg.ChunkSize {
		end := min(start+cfg.ChunkSize, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// splitByTokens treats ChunkSize as a token budget. Text under budget is
// returned whole; otherwise windows of ChunkSize*4 characters are cut, each
// snapped back to the nearest boundary.
func splitByTokens(text string, cfg Config) []string {
	runes := []rune(text)
	if len(runes)/charsPerToken <= cfg.ChunkSize {
		return []string{text}
	}
	window := cfg.ChunkSize * charsPerToken
	var chunks []string
	for start := 0; start < len(runes); {
		end := snapEnd(runes, start, min(start+window, len(runes)))
		chunks = append(chunks, string(runes[start:end]))
		start = end
	}
	return chunks
}

// splitRecursive cuts ChunkSize windows with boundary snapping and steps back
// by OverlapSize, always advancing at least one character.
func splitRecursive(text string, cfg Config) []string {
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := snapEnd(runes, start, min(start+cfg.ChunkSize, len(runes)))
		chunks = append(chunks, string(runes[start:end]))
		if end >= len(runes) {
			break
		}
		start = max(start+1, end-cfg.OverlapSize)
	}
	return chunks
}

// splitSlidingWindow emits windows of WindowSize*ChunkSize characters every
// StepSize characters, keeping only windows of at least MinChunkSize.
func splitSlidingWindow(text string, cfg Config) []string {
	runes := []rune(text)
	window := cfg.WindowSize * cfg.ChunkSize
	var chunks []string
	for start := 0; start < len(runes); start += cfg.StepSize {
		end := min(start+window, len(runes))
		if end-start < cfg.MinChunkSize {
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func splitCustomDelimiter(text string, cfg Config) []string {
	var chunks []string
	for _, part := range strings.Split(text, cfg.CustomDelimiter) {
		if part = strings.TrimSpace(part); part != "" {
			chunks = append(chunks, part)
		}
	}
	return chunks
}

func splitBySentences(text string, cfg Config) []string {
	return pack(splitSentences(text), " ", cfg.ChunkSize)
}

func splitByParagraphs(text string, cfg Config) []string {
	return pack(splitParagraphs(text), "\n\n", cfg.ChunkSize)
}
