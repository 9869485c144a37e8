// Package retrieval answers semantic queries over the indexed knowledge.
//
// A query is embedded with the same provider used for indexing and matched
// against the vector store. The store is asked for more candidates than
// requested so that, after keeping only the best chunks of each document,
// TopK results usually remain:
//
//	svc := retrieval.New(store, adapter, retrieval.Options{DefaultTopK: 5})
//	resp, err := svc.Retrieve(ctx, retrieval.Request{Query: "how are retries configured"})
//
// # Caching
//
// Responses are kept in an LRU cache keyed by the request and the store
// generation. Every store write advances the generation, so a cached answer
// is only ever served for the exact index state it was computed from.
package retrieval
