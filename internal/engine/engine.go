// Package engine is the memory service: it ties embedding, classification,
// the vector index, persistence and the waypoint graph into the public
// operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/sector"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

// Repository is the persistence the engine needs. *store.Store implements it.
type Repository interface {
	CreateMemoryWithSector(ctx context.Context, m memory.Memory, sec memory.Sector, vec []float32) (memory.Memory, error)
	GetMemory(ctx context.Context, id string) (*memory.Memory, error)
	GetMemories(ctx context.Context, ids []string) ([]memory.Memory, error)
	GetMemoriesByLabels(ctx context.Context, labels []int64) (map[int64]memory.Memory, error)
	PreviousInConversation(ctx context.Context, m memory.Memory) (*memory.Memory, error)
	ScanMemories(ctx context.Context, after string, limit int) ([]memory.Memory, error)
	CountMemories(ctx context.Context) (int, error)
	ApplyAccess(ctx context.Context, id string, accessType memory.AccessType, queryContext string, fn func(memory.Memory) memory.Memory) (memory.Memory, error)
	UpdateStrengths(ctx context.Context, strengths map[string]float64) (int64, error)
	AccessLog(ctx context.Context, id string, limit int) ([]memory.AccessLog, error)

	GetSchedule(ctx context.Context, memoryID string) (*memory.DecaySchedule, error)
	SaveReview(ctx context.Context, d memory.DecaySchedule, rate float64) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]memory.DecaySchedule, error)
	MarkSwept(ctx context.Context, ids []string, now time.Time) error
	DeactivateSchedules(ctx context.Context, ids []string) (int64, error)

	CreateWaypoint(ctx context.Context, w memory.Waypoint) error
	ReinforceWaypoint(ctx context.Context, id string, alpha float64) (memory.Waypoint, error)
	WaypointsFor(ctx context.Context, ids []string) ([]memory.Waypoint, error)
	RelatedAccessCounts(ctx context.Context, ids []string) (map[string]int, error)

	ListSectors(ctx context.Context) ([]memory.Sector, error)
	LoadVectors(ctx context.Context, after int64, limit int) ([]vectorindex.Entry, error)
}

// Index is the vector index. *vectorindex.Manager implements it.
type Index interface {
	Insert(ctx context.Context, vec []float32, owner vectorindex.Owner) (int64, error)
	Restore(ctx context.Context, entries []vectorindex.Entry) (int, error)
	Adopt(ctx context.Context, entries []vectorindex.Entry) (int, error)
	Search(ctx context.Context, vec []float32, k int) ([]vectorindex.Neighbor, error)
	Evict(ctx context.Context, label int64) error
	Stats() vectorindex.Stats
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Embedder turns text into vectors. embedding.Provider implements it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Classifier places content in a sector.
type Classifier interface {
	Classify(ctx context.Context, content string) (sector.Result, error)
}

// Extractor proposes waypoints between two memories.
type Extractor interface {
	Extract(ctx context.Context, a, b memory.Memory) (graph.Extraction, error)
}

// GraphMirror is an optional graph database kept in step with the
// waypoints table. *graph.Neo4jGraph implements it.
type GraphMirror interface {
	UpsertMemory(ctx context.Context, m memory.Memory) error
	Upsert(ctx context.Context, w memory.Waypoint) error
	Reinforce(ctx context.Context, waypointID string, strength float64) (bool, error)
	SyncStrengths(ctx context.Context, strengths map[string]float64) (int, error)
	Activate(ctx context.Context, seeds []string, opts graph.ActivationOpts) ([]graph.Activated, error)
}

// Publisher receives memories that decayed below the archive threshold.
type Publisher interface {
	PublishArchive(ctx context.Context, c ArchiveCandidate) error
}

// ArchiveCandidate is a memory whose strength fell below the archive
// threshold during a sweep.
type ArchiveCandidate struct {
	MemoryID       string    `json:"memory_id"`
	OwnerID        string    `json:"owner_id"`
	ConversationID string    `json:"conversation_id"`
	SectorID       string    `json:"sector_id,omitempty"`
	Strength       float64   `json:"strength"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Config tunes the engine.
type Config struct {
	Decay            decay.Config
	InitialStrength  float64 // default 0.8
	DecayRate        float64 // default 0.95
	TouchOnQuery     bool    // record a query access on returned memories
	ContextBoost     bool    // boost candidates by related access counts
	SearchFanout     int     // candidates fetched per requested result, default 3
	SweepBatch       int     // schedules per sweep page, default 500
	CacheItems       int64   // memory cache size, default 10000
	LinkConversation bool    // extract waypoints against the previous memory
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	d := decay.DefaultConfig()
	if c.Decay.ReinforceAlpha == 0 {
		c.Decay.ReinforceAlpha = d.ReinforceAlpha
	}
	if c.Decay.ContextBeta == 0 {
		c.Decay.ContextBeta = d.ContextBeta
	}
	if c.Decay.EbbinghausK == 0 {
		c.Decay.EbbinghausK = d.EbbinghausK
	}
	if c.Decay.ArchiveThreshold == 0 {
		c.Decay.ArchiveThreshold = d.ArchiveThreshold
	}
	if c.Decay.ReinforceThreshold == 0 {
		c.Decay.ReinforceThreshold = d.ReinforceThreshold
	}
	if c.Decay.UpdateInterval == 0 {
		c.Decay.UpdateInterval = d.UpdateInterval
	}
	if c.InitialStrength == 0 {
		c.InitialStrength = memory.DefaultInitialStrength
	}
	if c.DecayRate == 0 {
		c.DecayRate = memory.DefaultDecayRate
	}
	if c.SearchFanout <= 0 {
		c.SearchFanout = 3
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	if c.CacheItems <= 0 {
		c.CacheItems = 10_000
	}
}

// Deps are the collaborators of an Engine. Graph, Extractor and Publisher
// are optional.
type Deps struct {
	Repo       Repository
	Index      Index
	Embedder   Embedder
	Classifier Classifier
	Extractor  Extractor
	Graph      GraphMirror
	Publisher  Publisher
}

// Engine implements the memory operations.
type Engine struct {
	repo       Repository
	index      Index
	embedder   Embedder
	classifier Classifier
	extractor  Extractor
	graph      GraphMirror
	publisher  Publisher

	cfg    Config
	cache  *memoryCache
	now    func() time.Time
	logger *zap.Logger
}

// New builds an Engine. Repo, Index, Embedder and Classifier are required.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Repo == nil || deps.Index == nil || deps.Embedder == nil || deps.Classifier == nil {
		return nil, errors.New("engine: repository, index, embedder and classifier are required")
	}
	cfg.Defaults()
	cache, err := newMemoryCache(cfg.CacheItems)
	if err != nil {
		return nil, err
	}
	return &Engine{
		repo:       deps.Repo,
		index:      deps.Index,
		embedder:   deps.Embedder,
		classifier: deps.Classifier,
		extractor:  deps.Extractor,
		graph:      deps.Graph,
		publisher:  deps.Publisher,
		cfg:        cfg,
		cache:      cache,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// IndexStats reports the vector index state.
func (e *Engine) IndexStats() vectorindex.Stats { return e.index.Stats() }

// Sectors lists the sector tree.
func (e *Engine) Sectors(ctx context.Context) ([]memory.Sector, error) {
	return e.repo.ListSectors(ctx)
}

// sectorMultipliers loads the decay multiplier of every sector.
func (e *Engine) sectorMultipliers(ctx context.Context) (decay.Multipliers, error) {
	sectors, err := e.repo.ListSectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sector multipliers: %w", err)
	}
	return decay.SectorMultipliers(sectors), nil
}

// Close flushes the label table and releases the cache.
func (e *Engine) Close(ctx context.Context) error {
	e.cache.close()
	return e.index.Close(ctx)
}
