package storage

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/dshills/knowledge-engine/pkg/types"
)

const (
	maxLists       = 256
	maxTrainSample = 8192
	kmeansRounds   = 8
)

// spaceKey identifies a vector space: records are only comparable within
// the same modality and dimension.
type spaceKey struct {
	modality string
	dim      int
}

// space is an immutable set of trained centroids.
type space struct {
	gen       uint64
	centroids [][]float32
	size      int // records at training time
}

type probe struct {
	gen   uint64
	lists map[int32]bool
}

// assign returns the nearest inverted list of rec, or -1 when its space has
// no centroids.
func assign(spaces map[spaceKey]*space, metric Metric, rec *types.VectorRecord) (int32, uint64) {
	sp, ok := spaces[spaceKey{rec.Modality, rec.Dimension}]
	if !ok || len(sp.centroids) == 0 {
		return -1, 0
	}
	return int32(nearest(sp.centroids, metric, rec.Vector)), sp.gen
}

func nearest(centroids [][]float32, metric Metric, v []float32) int {
	best, bestScore := 0, math.Inf(-1)
	for i, c := range centroids {
		if sc := metric.score(v, c); sc > bestScore {
			best, bestScore = i, sc
		}
	}
	return best
}

// probes selects the NProbe nearest lists of every large trained space
// matching the query. Spaces below the threshold are scanned flat.
func (s *Store) probes(vector []float32, modality string) map[spaceKey]probe {
	s.spacesMu.RLock()
	defer s.spacesMu.RUnlock()

	var out map[spaceKey]probe
	for k, sp := range s.spaces {
		if k.dim != len(vector) || (modality != "" && k.modality != modality) {
			continue
		}
		if sp.size < s.opts.IVFThreshold || len(sp.centroids) <= s.opts.NProbe {
			continue
		}

		type scored struct {
			list  int
			score float64
		}
		ranked := make([]scored, len(sp.centroids))
		for i, c := range sp.centroids {
			ranked[i] = scored{i, s.opts.Metric.score(vector, c)}
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

		p := probe{gen: sp.gen, lists: make(map[int32]bool, s.opts.NProbe)}
		for _, r := range ranked[:s.opts.NProbe] {
			p.lists[int32(r.list)] = true
		}
		if out == nil {
			out = make(map[spaceKey]probe)
		}
		out[k] = p
	}
	return out
}

// Compact retrains the inverted-list centroids of every vector space from
// the live records and reassigns each record to its nearest list. Queries
// and writes proceed while it runs.
func (s *Store) Compact(ctx context.Context) error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	ctx, span := tracer.Start(ctx, "storage.Compact")
	defer span.End()

	// Snapshot vectors per space in a deterministic order.
	var entries []*docEntry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.docs {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	vectors := make(map[spaceKey][][]float32)
	for _, e := range entries {
		for i := range e.records {
			k := spaceKey{e.records[i].Modality, e.records[i].Dimension}
			vectors[k] = append(vectors[k], e.records[i].Vector)
		}
	}

	trained := make(map[spaceKey]*space, len(vectors))
	for k, vecs := range vectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(vecs) < 2 {
			continue
		}
		trained[k] = &space{
			gen:       s.spaceGen.Add(1),
			centroids: kmeans(vecs, s.opts.Metric),
			size:      len(vecs),
		}
	}

	s.spacesMu.Lock()
	s.spaces = trained
	s.spacesMu.Unlock()

	// Reassign under each shard's writer lock so no write is lost.
	for _, sh := range s.shards {
		sh.wmu.Lock()
		sh.mu.RLock()
		keys := make([]string, 0, len(sh.docs))
		for key := range sh.docs {
			keys = append(keys, key)
		}
		sh.mu.RUnlock()
		for _, key := range keys {
			sh.mu.RLock()
			old := sh.docs[key]
			sh.mu.RUnlock()
			if old == nil {
				continue
			}
			fresh := s.newEntry(key, old.records)
			sh.mu.Lock()
			sh.docs[key] = fresh
			sh.mu.Unlock()
		}
		sh.wmu.Unlock()
	}

	s.generation.Add(1)
	s.lastCompaction.Store(time.Now().UnixNano())
	s.logger.Info("vector index compacted", "spaces", len(trained), "records", s.Count())
	return nil
}

// kmeans trains about sqrt(n) centroids with Lloyd iterations seeded from
// evenly spaced samples. Deterministic for a given input order.
func kmeans(vecs [][]float32, metric Metric) [][]float32 {
	sample := vecs
	if len(sample) > maxTrainSample {
		stride := len(vecs) / maxTrainSample
		sample = make([][]float32, 0, maxTrainSample)
		for i := 0; i < len(vecs) && len(sample) < maxTrainSample; i += stride {
			sample = append(sample, vecs[i])
		}
	}

	k := int(math.Sqrt(float64(len(vecs))))
	if k < 1 {
		k = 1
	}
	if k > maxLists {
		k = maxLists
	}
	if k > len(sample) {
		k = len(sample)
	}

	dim := len(sample[0])
	centroids := make([][]float32, k)
	for i := range centroids {
		c := make([]float32, dim)
		copy(c, sample[i*len(sample)/k])
		centroids[i] = c
	}

	assignments := make([]int, len(sample))
	for round := 0; round < kmeansRounds; round++ {
		changed := false
		for i, v := range sample {
			if n := nearest(centroids, metric, v); n != assignments[i] {
				assignments[i] = n
				changed = true
			}
		}
		if round > 0 && !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range sample {
			a := assignments[i]
			counts[a]++
			for d, x := range v {
				sums[a][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}
