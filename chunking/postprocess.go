package chunking

import "strings"

const mergeSeparator = "\n\n"

// postProcess drops blank chunks, re-splits chunks above MaxChunkSize and
// merges chunks below MinChunkSize into a neighbour while the result stays
// within MaxChunkSize.
func postProcess(chunks []string, cfg Config) []string {
	var sized []string
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if runeLen(c) > cfg.MaxChunkSize {
			sized = append(sized, resplit(c, cfg.MaxChunkSize)...)
			continue
		}
		sized = append(sized, c)
	}
	return mergeSmall(sized, cfg.MinChunkSize, cfg.MaxChunkSize)
}

func resplit(chunk string, size int) []string {
	runes := []rune(chunk)
	var out []string
	for start := 0; start < len(runes); {
		end := snapEnd(runes, start, min(start+size, len(runes)))
		if piece := string(runes[start:end]); strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
		start = end
	}
	return out
}

func mergeSmall(chunks []string, minSize, maxSize int) []string {
	var out []string
	sepLen := runeLen(mergeSeparator)
	for _, c := range chunks {
		if n := len(out); n > 0 {
			last := out[n-1]
			lastLen, cLen := runeLen(last), runeLen(c)
			if (lastLen < minSize || cLen < minSize) && lastLen+sepLen+cLen <= maxSize {
				out[n-1] = last + mergeSeparator + c
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
