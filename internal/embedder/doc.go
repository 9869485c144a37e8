// Package embedder turns chunk text into vectors through a pluggable
// embedding provider.
//
// A Provider has a single method, Embed, which maps an ordered batch of texts
// to an ordered batch of vectors. Bundled providers:
//
//   - openai: OpenAI /embeddings (any compatible base URL)
//   - jina: Jina AI /embeddings
//   - ollama: a local Ollama server's /api/embed
//   - local: offline hashed bag-of-words, deterministic
//
// The Adapter sits in front of a provider. It splits requests into batches,
// serves repeated texts from an LRU cache, verifies that the response has one
// vector per text with a consistent dimension, and classifies failures:
// provider rejections (HTTP 400/413/422, content policy) are permanent, all
// other failures wrap types.ErrProvider and are retried by the scheduler.
//
//	p, err := embedder.New(embedder.Config{Provider: "local"})
//	a := embedder.NewAdapter(p, embedder.WithBatchSize(32), embedder.WithCache(embedder.NewCache(10000)))
//	vectors, err := a.EmbedChunks(ctx, chunks)
package embedder
