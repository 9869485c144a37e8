package engine

import (
	"context"
	"time"

	"github.com/dshills/knowledge-engine/internal/embedder"
	"github.com/dshills/knowledge-engine/internal/indexer"
	"github.com/dshills/knowledge-engine/internal/inference"
	"github.com/dshills/knowledge-engine/internal/scheduler"
	"github.com/dshills/knowledge-engine/internal/storage"
)

// Status is a point-in-time health report.
type Status struct {
	WatchRoot        string                   `json:"watch_root"`
	Uptime           time.Duration            `json:"uptime"`
	Watching         bool                     `json:"watching"`
	WatcherAvailable bool                     `json:"watcher_available"`
	Store            *storage.Status          `json:"store"`
	Scheduler        scheduler.Stats          `json:"scheduler"`
	Indexer          indexer.Statistics       `json:"indexer"`
	LastReconcile    *indexer.ReconcileResult `json:"last_reconcile,omitempty"`
	LastReconcileAt  time.Time                `json:"last_reconcile_at,omitempty"`
	Embedding        embedder.Info            `json:"embedding"`
	Reasoning        string                   `json:"reasoning"`
	RetrievalCache   int                      `json:"retrieval_cache_entries"`
}

// Status gathers counters from every component.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st, err := e.store.Status(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	w := e.watcher
	s := &Status{
		WatchRoot:       e.root,
		Uptime:          time.Since(e.startedAt),
		LastReconcile:   e.lastReconcile,
		LastReconcileAt: e.lastReconcileAt,
	}
	e.mu.Unlock()

	s.Watching = w != nil
	s.WatcherAvailable = w != nil && w.Available()
	s.Store = st
	s.Scheduler = e.scheduler.Stats()
	s.Indexer = e.indexer.Stats()
	s.Embedding = e.adapter.Info()
	s.Reasoning = inference.NameOf(e.reasoner)
	s.RetrievalCache = e.retrieval.CacheLen()
	return s, nil
}
