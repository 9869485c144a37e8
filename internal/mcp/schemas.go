package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/knowledge-engine/internal/retrieval"
)

// searchKnowledgeTool returns the tool definition for search_knowledge
func searchKnowledgeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search the indexed documents for passages relevant to a natural language query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return",
					"default":     retrieval.DefaultTopK,
					"minimum":     1,
					"maximum":     retrieval.MaxTopK,
				},
				"chunks_per_document": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of passages returned from any one document",
					"default":     retrieval.DefaultChunksPerDocument,
					"minimum":     1,
				},
				"key_prefix": map[string]interface{}{
					"type":        "string",
					"description": "Only search documents whose key starts with this prefix (e.g., 'guides/')",
				},
				"no_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, bypass the result cache",
					"default":     false,
				},
			},
			Required: []string{"query"},
		},
	}
}

// askTool returns the tool definition for ask
func askTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ask",
		Description: "Answer a question from the indexed documents, routed to a direct answer or a multi-perspective debate",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The question to answer",
				},
				"task_type": map[string]interface{}{
					"type":        "string",
					"description": "Force a task type instead of letting the router classify the query",
					"enum":        []string{"direct-answer", "debate"},
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of passages given to the reasoner as context",
					"default":     retrieval.DefaultTopK,
					"minimum":     1,
					"maximum":     retrieval.MaxTopK,
				},
				"chunks_per_document": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of context passages taken from any one document",
					"default":     retrieval.DefaultChunksPerDocument,
					"minimum":     1,
				},
				"key_prefix": map[string]interface{}{
					"type":        "string",
					"description": "Only use documents whose key starts with this prefix",
				},
			},
			Required: []string{"query"},
		},
	}
}

// reindexTool returns the tool definition for reindex
func reindexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "reindex",
		Description: "Reconcile the watch root with the index, or force one document to be re-indexed",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"document": map[string]interface{}{
					"type":        "string",
					"description": "Document key relative to the watch root; omit to reconcile every document",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, re-embed every document ignoring content hashes (full rebuild)",
					"default":     false,
				},
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report index health, document states and scheduler statistics",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
