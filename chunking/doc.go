// Package chunking splits extracted document text into ordered chunks.
//
// Nine strategies are available: token, fixed_length, sentence, paragraph,
// chapter, semantic, recursive, sliding_window and custom_delimiter. All
// lengths are measured in characters (runes), never bytes.
//
// Except for custom_delimiter, every strategy's output passes through the same
// post-processing: blank chunks are dropped, chunks longer than MaxChunkSize
// are cut at sentence boundaries, and chunks shorter than MinChunkSize are
// merged into a neighbour while the merge stays within MaxChunkSize.
//
// An unknown strategy name falls back to token splitting. The fallback is
// logged and reported to any observer registered with WithFallbackObserver.
//
//	engine := chunking.NewEngine(chunking.WithEmbedder(embedder))
//	chunks, err := engine.Split(ctx, text, chunking.Config{Strategy: chunking.StrategySemantic})
package chunking
