package chunking

import (
	"context"
	"math"
	"regexp"
	"strings"
)

const (
	semanticWeight   = 0.7
	lexicalWeight    = 0.2
	structuralWeight = 0.1

	// longSentence is the length above which a sentence is re-split on clause punctuation.
	longSentence = 200
	// maxSentencesPerChunk caps how many sentences a semantic chunk may hold.
	maxSentencesPerChunk = 10
)

var (
	semanticSentenceEnd = regexp.MustCompile(`[.!?。！？；;]\s*`)
	clauseEnd           = regexp.MustCompile(`[，,；;]\s*`)
	lexicalToken        = regexp.MustCompile(`[\x{4e00}-\x{9fff}]+|\b[a-zA-Z]+\b`)
	punctuationMark     = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
)

func semanticSentences(text string) []string {
	var out []string
	for _, s := range splitKeepingDelimiters(text, semanticSentenceEnd) {
		if runeLen(s) <= longSentence {
			out = append(out, s)
			continue
		}
		out = append(out, splitKeepingDelimiters(s, clauseEnd)...)
	}
	return out
}

// splitSemantic walks the sentences in order and merges each one into the
// current chunk while the weighted similarity clears an adaptive threshold.
// Without an embedder, or when embedding fails, the semantic term is zero.
func (e *Engine) splitSemantic(ctx context.Context, text string, cfg Config) ([]string, error) {
	sentences := semanticSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	if e.embedder != nil {
		embedded, err := e.embedder.EmbedTexts(ctx, sentences)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			e.logger.Warn("embedding sentences failed, scoring without semantics", "err", err)
		case len(embedded) != len(sentences):
			e.logger.Warn("embedder returned wrong number of vectors", "want", len(sentences), "got", len(embedded))
		default:
			vectors = embedded
		}
	}

	var chunks []string
	current := []int{0}
	currentLen := runeLen(sentences[0])
	flush := func() {
		parts := make([]string, len(current))
		for i, idx := range current {
			parts[i] = sentences[idx]
		}
		chunks = append(chunks, strings.Join(parts, " "))
	}

	for i := 1; i < len(sentences); i++ {
		sentenceLen := runeLen(sentences[i])
		fits := currentLen+1+sentenceLen <= cfg.MaxChunkSize && len(current) < maxSentencesPerChunk
		if fits && e.similarity(sentences, vectors, current, i) >= adaptiveThreshold(cfg.SimilarityThreshold, len(current)) {
			current = append(current, i)
			currentLen += 1 + sentenceLen
			continue
		}
		flush()
		current = []int{i}
		currentLen = sentenceLen
	}
	flush()
	return chunks, nil
}

// adaptiveThreshold rises with the number of sentences already in the chunk.
func adaptiveThreshold(base float64, count int) float64 {
	t := base + 0.2*math.Min(float64(count)/5, 1)
	return math.Max(0.3, math.Min(0.9, t))
}

func (e *Engine) similarity(sentences []string, vectors [][]float32, current []int, next int) float64 {
	parts := make([]string, len(current))
	for i, idx := range current {
		parts[i] = sentences[idx]
	}
	chunkText := strings.Join(parts, " ")

	semantic := 0.0
	if vectors != nil {
		semantic = cosine(meanVector(vectors, current), vectors[next])
	}
	return semanticWeight*semantic +
		lexicalWeight*lexicalSimilarity(chunkText, sentences[next]) +
		structuralWeight*structuralSimilarity(chunkText, sentences[next])
}

func meanVector(vectors [][]float32, idx []int) []float32 {
	mean := make([]float32, len(vectors[idx[0]]))
	for _, i := range idx {
		for d := range mean {
			if d < len(vectors[i]) {
				mean[d] += vectors[i][d]
			}
		}
	}
	for d := range mean {
		mean[d] /= float32(len(idx))
	}
	return mean
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range lexicalToken.FindAllString(text, -1) {
		set[strings.ToLower(tok)] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func lexicalSimilarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func structuralSimilarity(a, b string) float64 {
	la, lb := float64(runeLen(a)), float64(runeLen(b))
	lengthRatio := 0.0
	if la > 0 && lb > 0 {
		lengthRatio = math.Min(la, lb) / math.Max(la, lb)
	}

	pa := make(map[string]struct{})
	for _, p := range punctuationMark.FindAllString(a, -1) {
		pa[p] = struct{}{}
	}
	pb := make(map[string]struct{})
	for _, p := range punctuationMark.FindAllString(b, -1) {
		pb[p] = struct{}{}
	}
	punct := 1.0
	if len(pa) > 0 || len(pb) > 0 {
		punct = jaccard(pa, pb)
	}
	return 0.6*lengthRatio + 0.4*punct
}
