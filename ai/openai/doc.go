// Package openai provides the embedding service using OpenAI-compatible APIs.
//
// This package implements ai.Provider using the langchaingo library to talk to
// OpenAI or OpenAI-compatible services (such as Ollama, LocalAI, or vLLM).
// Requests are sent in batches and can be throttled with
// ai.Config.RequestsPerSecond.
//
// # Usage
//
//	config := ai.NewConfig(
//	    ai.WithEmbeddingHost("http://localhost:11434"), // /v1 added automatically
//	    ai.WithEmbeddingModel("embeddinggemma"),
//	)
//
//	provider, err := openai.NewProvider(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vectors, err := provider.Embedder().EmbedTexts(ctx, chunks)
package openai
