package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/knowledge-engine/internal/embedder"
	"github.com/dshills/knowledge-engine/internal/engine"
	"github.com/dshills/knowledge-engine/internal/indexer"
	"github.com/dshills/knowledge-engine/internal/inference"
	"github.com/dshills/knowledge-engine/internal/retrieval"
	"github.com/dshills/knowledge-engine/internal/storage"
	"github.com/dshills/knowledge-engine/pkg/types"
)

type fakeEngine struct {
	searchReq  retrieval.Request
	askReq     engine.AskRequest
	force      bool
	reindexKey string
	err        error
}

func (f *fakeEngine) Search(_ context.Context, req retrieval.Request) (*retrieval.Response, error) {
	f.searchReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.Response{
		Results: []types.SearchResult{
			{DocumentKey: "guide/retries.md", Seq: 0, ChunkText: "Retries back off.", Score: 0.9, Rank: 1},
		},
		Total:      1,
		Candidates: 3,
	}, nil
}

func (f *fakeEngine) Ask(_ context.Context, req engine.AskRequest) (*engine.AskResponse, error) {
	f.askReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &engine.AskResponse{
		Answer: &inference.Response{
			Answer:   "Retries back off.",
			TaskType: inference.TaskDirectAnswer,
			Provider: "extractive",
			Sources:  []inference.Source{{DocumentKey: "guide/retries.md", Score: 0.9}},
		},
	}, nil
}

func (f *fakeEngine) Reindex(_ context.Context, force bool) (*indexer.ReconcileResult, error) {
	f.force = force
	if f.err != nil {
		return nil, f.err
	}
	return &indexer.ReconcileResult{Scanned: 4, Changed: 1, Unchanged: 3}, nil
}

func (f *fakeEngine) ReindexDocument(_ context.Context, key string) error {
	f.reindexKey = key
	return f.err
}

func (f *fakeEngine) Status(_ context.Context) (*engine.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &engine.Status{
		WatchRoot: "/docs",
		Uptime:    time.Minute,
		Watching:  true,
		Store: &storage.Status{
			Documents:      2,
			DocumentStates: map[types.DocumentState]int{types.StateIndexed: 1, types.StateFailed: 1},
			Records:        5,
		},
		Embedding: embedder.Info{Name: "local", Model: "hashed-bow"},
		Reasoning: "extractive",
	}, nil
}

func newTestServer(t *testing.T, eng Engine) *Server {
	t.Helper()
	s, err := NewServer(eng, nil)
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return req
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)

	s := newTestServer(t, &fakeEngine{})
	assert.NotNil(t, s.mcp)
	assert.NotNil(t, s.engine)
}

func TestHandleSearchKnowledge(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	res, err := s.handleSearchKnowledge(context.Background(), callRequest("search_knowledge", map[string]interface{}{
		"query":               "retries",
		"top_k":               float64(3),
		"chunks_per_document": float64(2),
		"key_prefix":          "guide/",
		"no_cache":            true,
	}))
	require.NoError(t, err)

	assert.Equal(t, retrieval.Request{Query: "retries", TopK: 3, ChunksPerDocument: 2, KeyPrefix: "guide/", NoCache: true}, eng.searchReq)
	out := decodeResult(t, res)
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "guide/retries.md", first["document"])
	assert.Equal(t, float64(1), first["rank"])
	assert.Equal(t, float64(3), out["candidates"])
}

func TestHandleSearchKnowledge_InvalidParams(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})
	ctx := context.Background()

	_, err := s.handleSearchKnowledge(ctx, callRequest("search_knowledge", nil))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleSearchKnowledge(ctx, callRequest("search_knowledge", map[string]interface{}{"query": ""}))
	requireCode(t, err, ErrorCodeEmptyQuery)

	_, err = s.handleSearchKnowledge(ctx, callRequest("search_knowledge", map[string]interface{}{"query": "q", "top_k": float64(500)}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleSearchKnowledge(ctx, callRequest("search_knowledge", map[string]interface{}{"query": "q", "chunks_per_document": float64(-1)}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestHandleAsk(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	res, err := s.handleAsk(context.Background(), callRequest("ask", map[string]interface{}{
		"query":     "how do retries work",
		"task_type": "direct-answer",
	}))
	require.NoError(t, err)
	assert.Equal(t, inference.TaskDirectAnswer, eng.askReq.TaskType)

	out := decodeResult(t, res)
	assert.Equal(t, "Retries back off.", out["answer"])
	assert.Equal(t, "direct-answer", out["task_type"])
	assert.Len(t, out["sources"], 1)

	_, err = s.handleAsk(context.Background(), callRequest("ask", map[string]interface{}{
		"query":     "q",
		"task_type": "summarize",
	}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestHandleAsk_ChunksPerDocument(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)
	ctx := context.Background()

	_, err := s.handleAsk(ctx, callRequest("ask", map[string]interface{}{
		"query":               "compare retries and limits",
		"top_k":               float64(4),
		"chunks_per_document": float64(2),
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, eng.askReq.TopK)
	assert.Equal(t, 2, eng.askReq.ChunksPerDocument)

	_, err = s.handleAsk(ctx, callRequest("ask", map[string]interface{}{"query": "q"}))
	require.NoError(t, err)
	assert.Zero(t, eng.askReq.ChunksPerDocument, "zero selects the retrieval default")

	_, err = s.handleAsk(ctx, callRequest("ask", map[string]interface{}{"query": "q", "chunks_per_document": float64(-1)}))
	requireCode(t, err, ErrorCodeInvalidParams)

	props := askTool().InputSchema.Properties
	assert.Contains(t, props, "chunks_per_document")
}

func TestHandleReindex(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)
	ctx := context.Background()

	res, err := s.handleReindex(ctx, callRequest("reindex", nil))
	require.NoError(t, err)
	assert.False(t, eng.force)
	out := decodeResult(t, res)
	assert.Equal(t, float64(1), out["changed"])

	_, err = s.handleReindex(ctx, callRequest("reindex", map[string]interface{}{"force": true}))
	require.NoError(t, err)
	assert.True(t, eng.force)

	res, err = s.handleReindex(ctx, callRequest("reindex", map[string]interface{}{"document": "guide/retries.md"}))
	require.NoError(t, err)
	assert.Equal(t, "guide/retries.md", eng.reindexKey)
	assert.Equal(t, "guide/retries.md", decodeResult(t, res)["document"])
}

func TestHandleGetStatus(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	res, err := s.handleGetStatus(context.Background(), callRequest("get_status", nil))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, "/docs", out["watch_root"])

	stats := out["statistics"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["documents"])
	states := stats["document_states"].(map[string]interface{})
	assert.Equal(t, float64(1), states["failed"])

	health := out["health"].(map[string]interface{})
	assert.Equal(t, "local/hashed-bow", health["embedding"])
	assert.Equal(t, true, health["watching"])
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  error
		code int
	}{
		{retrieval.ErrEmptyQuery, ErrorCodeEmptyQuery},
		{fmt.Errorf("%w: summarize", inference.ErrUnsupportedTask), ErrorCodeInvalidParams},
		{fmt.Errorf("%w: %q", engine.ErrDocumentNotFound, "x.md"), ErrorCodeDocumentNotFound},
		{indexer.ErrReconcileInProgress, ErrorCodeIndexingInProgress},
		{fmt.Errorf("%w: openai: timeout", types.ErrProvider), ErrorCodeProviderUnavailable},
		{errors.New("disk on fire"), ErrorCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			s := newTestServer(t, &fakeEngine{err: tc.err})
			_, err := s.handleReindex(ctx, callRequest("reindex", nil))
			requireCode(t, err, tc.code)
		})
	}
}

func TestListenServesToolCalls(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
`
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(input))
	}()

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx, pr, &out) }()

	require.Eventually(t, func() bool { return countLines(out.String()) >= 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	_ = pw.Close()
	<-done

	for _, name := range []string{"search_knowledge", "ask", "reindex", "get_status"} {
		assert.Contains(t, out.String(), `"`+name+`"`)
	}
}
