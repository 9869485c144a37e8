// Package mcp implements the Model Context Protocol (MCP) server for the
// knowledge engine.
//
// The MCP server exposes four tools to AI assistants:
//   - search_knowledge: Retrieve passages relevant to a natural language query
//   - ask: Answer a question from retrieved passages
//   - reindex: Reconcile the watch root, or force one document to be re-indexed
//   - get_status: Report index health and scheduler statistics
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// # Basic Usage
//
// The MCP server is started by the serve command, which also watches the
// configured root and keeps the index current while the server runs:
//
//	knowledge-engine serve --config knowledge.yaml
//
// # Tool: search_knowledge
//
//	Request:
//	{
//	  "name": "search_knowledge",
//	  "arguments": {
//	    "query": "how are failed embeddings retried",
//	    "top_k": 5,
//	    "chunks_per_document": 1,
//	    "key_prefix": "guides/"
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "relevance_score": 0.87,
//	      "document": "guides/retries.md",
//	      "chunk": 2,
//	      "start_offset": 1800,
//	      "end_offset": 2800,
//	      "content": "Failed tasks are retried with exponential backoff..."
//	    }
//	  ],
//	  "total": 1,
//	  "candidates": 15,
//	  "cache_hit": false
//	}
//
// # Tool: ask
//
// The router classifies the query as direct-answer or debate unless
// task_type forces one. Exactly one reasoning call is made per request.
//
//	Request:
//	{
//	  "name": "ask",
//	  "arguments": {
//	    "query": "compare polling versus watching for change detection"
//	  }
//	}
//
//	Response:
//	{
//	  "answer": "...",
//	  "task_type": "debate",
//	  "provider": "openai",
//	  "sources": [{"document_key": "guides/watching.md", "seq": 0, "score": 0.81}]
//	}
//
// # Tool: reindex
//
// Without arguments the watch root is reconciled against the store and
// changed documents are queued. With "document" a single key is forced
// through the indexer. Work is queued; the call returns before it runs.
//
// # Tool: get_status
//
// Returns document counts by state, record counts, scheduler counters,
// watcher availability and the active providers.
//
// # Error Handling
//
// Error codes:
//   - -32602: Invalid params (missing/invalid arguments, unsupported task type)
//   - -32603: Internal error (database, filesystem, etc.)
//   - -32001: Document not found under the watch root
//   - -32002: Reconciliation already in progress
//   - -32003: Embedding or reasoning provider unavailable
//   - -32004: Empty query
//
// # Logging
//
// The server logs to stderr through log/slog; stdout is reserved for the
// MCP protocol.
package mcp
