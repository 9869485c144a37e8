package storage

import (
	"log/slog"
	"time"

	"github.com/dshills/knowledge-engine/pkg/types"
)

// Options configures a Store.
type Options struct {
	Metric Metric
	// Shards is the number of independently locked partitions of the
	// in-memory index.
	Shards int
	// IVFThreshold is the number of records in a vector space above which
	// queries probe the nearest inverted lists instead of scanning.
	IVFThreshold int
	// NProbe is the number of inverted lists searched per query.
	NProbe int
	// OnInconsistency is called (on its own goroutine) with the key of a
	// quarantined document.
	OnInconsistency func(docKey string)
	Logger          *slog.Logger
}

// DefaultOptions returns the defaults used when fields are zero.
func DefaultOptions() Options {
	return Options{
		Metric:       MetricCosine,
		Shards:       32,
		IVFThreshold: 4096,
		NProbe:       4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Metric == "" {
		o.Metric = d.Metric
	}
	if o.Shards <= 0 {
		o.Shards = d.Shards
	}
	if o.IVFThreshold <= 0 {
		o.IVFThreshold = d.IVFThreshold
	}
	if o.NProbe <= 0 {
		o.NProbe = d.NProbe
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	KeyPrefix string
	Modality  string
}

// Metadata describes a record written through Upsert.
type Metadata struct {
	Modality    string
	ContentHash [32]byte
	Text        string
	StartOffset int
	EndOffset   int
	IndexedAt   time.Time
}

// Match is one query hit.
type Match struct {
	Key         types.ChunkKey
	Score       float64
	Text        string
	StartOffset int
	EndOffset   int
	Modality    string
	IndexedAt   time.Time
}

// Status summarises the store for health reporting.
type Status struct {
	SchemaVersion  string                      `json:"schema_version"`
	BuildMode      string                      `json:"build_mode"`
	Metric         Metric                      `json:"metric"`
	Documents      int                         `json:"documents"`
	DocumentStates map[types.DocumentState]int `json:"document_states"`
	Records        int                         `json:"records"`
	Shards         int                         `json:"shards"`
	Spaces         []SpaceStatus               `json:"spaces"`
	Generation     uint64                      `json:"generation"`
	Quarantined    int64                       `json:"quarantined"`
	SizeBytes      int64                       `json:"size_bytes"`
	LastCompaction time.Time                   `json:"last_compaction,omitempty"`
}

// SpaceStatus describes one modality/dimension vector space.
type SpaceStatus struct {
	Modality  string `json:"modality"`
	Dimension int    `json:"dimension"`
	Lists     int    `json:"lists"`
}
