package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/knowledge-engine/internal/engine"
	"github.com/dshills/knowledge-engine/internal/indexer"
	"github.com/dshills/knowledge-engine/internal/inference"
	"github.com/dshills/knowledge-engine/internal/retrieval"
	"github.com/dshills/knowledge-engine/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams       = -32602 // Invalid method parameters
	ErrorCodeInternalError       = -32603 // Internal JSON-RPC error
	ErrorCodeDocumentNotFound    = -32001 // Document key names no file under the watch root
	ErrorCodeIndexingInProgress  = -32002 // Another reconciliation is already running
	ErrorCodeProviderUnavailable = -32003 // Embedding or reasoning provider failed
	ErrorCodeEmptyQuery          = -32004 // Query parameter is empty
)

// handleSearchKnowledge handles the search_knowledge tool invocation
func (s *Server) handleSearchKnowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	topK := getIntDefault(args, "top_k", 0)
	if topK < 0 || topK > retrieval.MaxTopK {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("top_k must be between 1 and %d", retrieval.MaxTopK), map[string]interface{}{
			"param": "top_k",
			"value": topK,
		})
	}
	perDoc := getIntDefault(args, "chunks_per_document", 0)
	if perDoc < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "chunks_per_document must be positive", map[string]interface{}{
			"param": "chunks_per_document",
			"value": perDoc,
		})
	}

	resp, err := s.engine.Search(ctx, retrieval.Request{
		Query:             query,
		TopK:              topK,
		ChunksPerDocument: perDoc,
		KeyPrefix:         getStringDefault(args, "key_prefix", ""),
		NoCache:           getBoolDefault(args, "no_cache", false),
	})
	if err != nil {
		return nil, s.toMCPError("search failed", err)
	}

	response := map[string]interface{}{
		"query":       query,
		"results":     formatResults(resp.Results),
		"total":       resp.Total,
		"candidates":  resp.Candidates,
		"cache_hit":   resp.CacheHit,
		"duration_ms": resp.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleAsk handles the ask tool invocation
func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	taskType := inference.TaskType(getStringDefault(args, "task_type", ""))
	if taskType != "" && !taskType.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid task_type", map[string]interface{}{
			"param":   "task_type",
			"value":   string(taskType),
			"allowed": inference.AllTaskTypes,
		})
	}

	topK := getIntDefault(args, "top_k", 0)
	if topK < 0 || topK > retrieval.MaxTopK {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("top_k must be between 1 and %d", retrieval.MaxTopK), map[string]interface{}{
			"param": "top_k",
			"value": topK,
		})
	}

	perDoc := getIntDefault(args, "chunks_per_document", 0)
	if perDoc < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "chunks_per_document must be positive", map[string]interface{}{
			"param": "chunks_per_document",
			"value": perDoc,
		})
	}

	resp, err := s.engine.Ask(ctx, engine.AskRequest{
		Query:             query,
		TopK:              topK,
		ChunksPerDocument: perDoc,
		KeyPrefix:         getStringDefault(args, "key_prefix", ""),
		TaskType:          taskType,
	})
	if err != nil {
		return nil, s.toMCPError("ask failed", err)
	}

	response := map[string]interface{}{
		"answer":        resp.Answer.Answer,
		"task_type":     string(resp.Answer.TaskType),
		"provider":      resp.Answer.Provider,
		"model":         resp.Answer.Model,
		"sources":       resp.Answer.Sources,
		"input_tokens":  resp.Answer.InputTokens,
		"output_tokens": resp.Answer.OutputTokens,
		"duration_ms":   resp.Answer.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleReindex handles the reindex tool invocation
func (s *Server) handleReindex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		// No arguments means a plain reconciliation.
		args = map[string]interface{}{}
	}

	if key := getStringDefault(args, "document", ""); key != "" {
		if err := s.engine.ReindexDocument(ctx, key); err != nil {
			return nil, s.toMCPError("reindex failed", err)
		}
		response := map[string]interface{}{
			"queued":   true,
			"document": key,
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}

	res, err := s.engine.Reindex(ctx, getBoolDefault(args, "force", false))
	if err != nil {
		return nil, s.toMCPError("reindex failed", err)
	}

	response := map[string]interface{}{
		"queued":      true,
		"scanned":     res.Scanned,
		"changed":     res.Changed,
		"unchanged":   res.Unchanged,
		"removed":     res.Removed,
		"duration_ms": res.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, s.toMCPError("failed to get status", err)
	}

	states := make(map[string]int, len(st.Store.DocumentStates))
	for state, n := range st.Store.DocumentStates {
		states[string(state)] = n
	}

	response := map[string]interface{}{
		"watch_root": st.WatchRoot,
		"uptime":     st.Uptime.Round(time.Second).String(),
		"statistics": map[string]interface{}{
			"documents":       st.Store.Documents,
			"document_states": states,
			"records":         st.Store.Records,
			"quarantined":     st.Store.Quarantined,
			"index_size_mb":   fmt.Sprintf("%.2f", float64(st.Store.SizeBytes)/(1024*1024)),
		},
		"scheduler": map[string]interface{}{
			"queued":        st.Scheduler.Queued,
			"running":       st.Scheduler.Running,
			"retry_pending": st.Scheduler.RetryPending,
			"completed":     st.Scheduler.Completed,
			"failed":        st.Scheduler.Failed,
			"retried":       st.Scheduler.Retried,
		},
		"health": map[string]interface{}{
			"watching":          st.Watching,
			"watcher_available": st.WatcherAvailable,
			"schema_version":    st.Store.SchemaVersion,
			"build_mode":        st.Store.BuildMode,
			"embedding":         st.Embedding.Name + "/" + st.Embedding.Model,
			"reasoning":         st.Reasoning,
		},
	}
	if !st.LastReconcileAt.IsZero() {
		response["last_reconcile_at"] = st.LastReconcileAt.Format(time.RFC3339)
	}
	if !st.Store.LastCompaction.IsZero() {
		response["last_compaction_at"] = st.Store.LastCompaction.Format(time.RFC3339)
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// toMCPError maps an engine error onto an MCP error code
func (s *Server) toMCPError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		return newMCPError(ErrorCodeEmptyQuery, err.Error(), data)
	case errors.Is(err, inference.ErrUnsupportedTask):
		return newMCPError(ErrorCodeInvalidParams, err.Error(), data)
	case errors.Is(err, engine.ErrDocumentNotFound):
		return newMCPError(ErrorCodeDocumentNotFound, err.Error(), data)
	case errors.Is(err, indexer.ErrReconcileInProgress):
		return newMCPError(ErrorCodeIndexingInProgress, err.Error(), data)
	case errors.Is(err, types.ErrProvider), errors.Is(err, types.ErrUnavailable):
		return newMCPError(ErrorCodeProviderUnavailable, message, data)
	}
	s.logger.Error(message, "error", err)
	return newMCPError(ErrorCodeInternalError, message, data)
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func formatResults(results []types.SearchResult) []map[string]interface{} {
	out := make([]map[string]interface{}, len(results))
	for i, r := range results {
		out[i] = map[string]interface{}{
			"rank":            r.Rank,
			"relevance_score": r.Score,
			"document":        r.DocumentKey,
			"chunk":           r.Seq,
			"start_offset":    r.StartOffset,
			"end_offset":      r.EndOffset,
			"content":         r.ChunkText,
			"indexed_at":      r.IndexedAt.Format(time.RFC3339),
		}
	}
	return out
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
