// Package reembed regenerates the embeddings of a knowledge base.
//
// A Reembedder walks every indexed chunk of a tenant in batches, embeds the
// batches concurrently with retry and exponential backoff, normalizes the
// vectors to unit length and rebuilds the tenant's vector index from them.
// Chunk rows are then pointed at the renumbered vector ids. Use it after
// switching embedding models or when an index was damaged.
package reembed
