// Package vectorindex owns the approximate-nearest-neighbor index that maps
// memory embeddings to integer labels.
//
// A Manager is the single owner of one index per process. All mutations
// (capacity growth, label allocation, vector write, owner write) run inside
// one write-locked critical section; searches share a read lock so they only
// wait behind in-flight mutations, never behind each other.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmptyVector       = errors.New("empty vector")
	ErrClosed            = errors.New("vector index closed")
)

const (
	DefaultDimension       = 768
	DefaultInitialCapacity = 10_000
)

// Owner identifies who a label belongs to.
type Owner struct {
	OwnerID        string `json:"owner_id"`
	ConversationID string `json:"conversation_id"`
}

// Neighbor is one k-NN hit. Distance is cosine distance, lower is closer.
type Neighbor struct {
	Label    int64   `json:"label"`
	Distance float64 `json:"distance"`
}

// Entry is a persisted vector used to rebuild an in-process backend.
type Entry struct {
	Label  int64
	Vector []float32
	Owner  Owner
}

// Backend is the ANN structure behind a Manager. Implementations need not be
// safe for concurrent writers; the Manager serializes Add and Delete.
type Backend interface {
	Add(ctx context.Context, label int64, vec []float32) error
	Search(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
	Delete(ctx context.Context, labels ...int64) error
	Len() int
}

// Grower is implemented by backends that preallocate storage and must be
// told when the Manager raises capacity. The chromem and Qdrant backends
// allocate on demand and do not implement it; for them a growth only raises
// the Manager's own capacity and is visible in Stats.Growths.
type Grower interface {
	Grow(ctx context.Context, capacity int) error
}

// LabelStore persists the label table across restarts.
type LabelStore interface {
	Load(ctx context.Context) (owners map[int64]Owner, next int64, err error)
	Save(ctx context.Context, owners map[int64]Owner, next int64) error
}

// OpenFunc allocates the backend on first use.
type OpenFunc func(ctx context.Context, dimension, capacity int) (Backend, error)

// Options configures a Manager.
type Options struct {
	Dimension       int
	InitialCapacity int
}

func (o *Options) defaults() {
	if o.Dimension <= 0 {
		o.Dimension = DefaultDimension
	}
	if o.InitialCapacity <= 0 {
		o.InitialCapacity = DefaultInitialCapacity
	}
}

// Stats is a point-in-time view of the index.
type Stats struct {
	Initialized bool  `json:"initialized"`
	Dimension   int   `json:"dimension"`
	Capacity    int   `json:"capacity"`
	Count       int   `json:"count"`
	Stored      int   `json:"stored"`
	NextLabel   int64 `json:"next_label"`
	Growths     int   `json:"growths"`
}

// Manager is the process-wide index service.
type Manager struct {
	opts   Options
	open   OpenFunc
	labels LabelStore
	logger *zap.Logger

	mu       sync.RWMutex
	backend  Backend
	owners   map[int64]Owner
	next     int64
	capacity int
	growths  int
	closed   bool
}

// NewManager builds a Manager. Nothing is allocated until the first call that
// needs the index.
func NewManager(open OpenFunc, labels LabelStore, opts Options, logger *zap.Logger) *Manager {
	opts.defaults()
	if labels == nil {
		labels = NewMemoryLabels()
	}
	return &Manager{
		opts:   opts,
		open:   open,
		labels: labels,
		logger: logger,
	}
}

// Dimension returns the configured vector size.
func (m *Manager) Dimension() int { return m.opts.Dimension }

func (m *Manager) checkVector(vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if len(vec) != m.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), m.opts.Dimension)
	}
	return nil
}

// ensure performs lazy initialization. It is safe to call from any method
// that does not already hold the lock.
func (m *Manager) ensure(ctx context.Context) error {
	m.mu.RLock()
	ready, closed := m.backend != nil, m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.backend != nil {
		return nil
	}

	owners, next, err := m.labels.Load(ctx)
	if err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	if owners == nil {
		owners = make(map[int64]Owner)
	}
	capacity := m.opts.InitialCapacity
	for capacity < len(owners) {
		capacity += m.opts.InitialCapacity
	}
	backend, err := m.open(ctx, m.opts.Dimension, capacity)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}

	m.backend = backend
	m.owners = owners
	m.next = next
	m.capacity = capacity
	m.logger.Info("vector index initialized",
		zap.Int("dimension", m.opts.Dimension),
		zap.Int("capacity", capacity),
		zap.Int("labels", len(owners)),
		zap.Int64("next_label", next))
	return nil
}

// growLocked raises capacity by one increment when the index is full. The
// caller must hold the write lock.
func (m *Manager) growLocked(ctx context.Context) error {
	if len(m.owners) < m.capacity {
		return nil
	}
	capacity := m.capacity + m.opts.InitialCapacity
	if g, ok := m.backend.(Grower); ok {
		if err := g.Grow(ctx, capacity); err != nil {
			return fmt.Errorf("grow index to %d: %w", capacity, err)
		}
	}
	m.capacity = capacity
	m.growths++
	m.logger.Info("vector index grown", zap.Int("capacity", capacity))
	return nil
}

// Insert stores vec under a fresh label and records its owner. The label is
// only published once the backend write has succeeded.
func (m *Manager) Insert(ctx context.Context, vec []float32, owner Owner) (int64, error) {
	if err := m.checkVector(vec); err != nil {
		return 0, err
	}
	if err := m.ensure(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.growLocked(ctx); err != nil {
		return 0, err
	}

	label := m.next
	if err := m.backend.Add(ctx, label, vec); err != nil {
		return 0, fmt.Errorf("add label %d: %w", label, err)
	}
	m.owners[label] = owner
	m.next++
	return label, nil
}

// Restore re-adds persisted vectors under their original labels, typically
// after a restart with an in-process backend. Backend writes are upserts, so
// restoring a label twice is harmless.
func (m *Manager) Restore(ctx context.Context, entries []Entry) (int, error) {
	if err := m.ensure(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	restored := 0
	for _, e := range entries {
		if err := m.checkVector(e.Vector); err != nil {
			return restored, fmt.Errorf("restore label %d: %w", e.Label, err)
		}
		if _, ok := m.owners[e.Label]; !ok {
			if err := m.growLocked(ctx); err != nil {
				return restored, err
			}
		}
		if err := m.backend.Add(ctx, e.Label, e.Vector); err != nil {
			return restored, fmt.Errorf("restore label %d: %w", e.Label, err)
		}
		m.owners[e.Label] = e.Owner
		if e.Label >= m.next {
			m.next = e.Label + 1
		}
		restored++
	}
	if restored > 0 {
		m.logger.Info("vector index restored", zap.Int("entries", restored))
	}
	return restored, nil
}

// Adopt registers persisted labels whose vectors the backend already holds,
// such as a remote collection that outlived the process. Nothing is written
// to the backend. Owners are overwritten and the allocator moves past the
// highest adopted label.
func (m *Manager) Adopt(ctx context.Context, entries []Entry) (int, error) {
	if err := m.ensure(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	adopted := 0
	for _, e := range entries {
		if _, ok := m.owners[e.Label]; !ok {
			if err := m.growLocked(ctx); err != nil {
				return adopted, err
			}
		}
		m.owners[e.Label] = e.Owner
		if e.Label >= m.next {
			m.next = e.Label + 1
		}
		adopted++
	}
	return adopted, nil
}

// Lookup maps a label to its owner. Unknown labels report ok == false.
func (m *Manager) Lookup(ctx context.Context, label int64) (Owner, bool, error) {
	if err := m.ensure(ctx); err != nil {
		return Owner{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[label]
	return o, ok, nil
}

// Search returns up to k neighbors of vec by ascending distance.
func (m *Manager) Search(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	if err := m.checkVector(vec); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.owners) == 0 {
		return nil, nil
	}
	k = min(k, len(m.owners))

	hits, err := m.backend.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	out := hits[:0]
	for _, h := range hits {
		if _, ok := m.owners[h.Label]; ok {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(a, b Neighbor) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Evict removes a label and its vector. Evicting an unknown label is a no-op.
func (m *Manager) Evict(ctx context.Context, label int64) error {
	if err := m.ensure(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[label]; !ok {
		return nil
	}
	delete(m.owners, label)
	if err := m.backend.Delete(ctx, label); err != nil {
		return fmt.Errorf("evict label %d: %w", label, err)
	}
	m.logger.Debug("label evicted", zap.Int64("label", label))
	return nil
}

// Stats reports the current shape of the index. Stored below Count means the
// backend lost vectors the label table still knows about.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Initialized: m.backend != nil,
		Dimension:   m.opts.Dimension,
		Capacity:    m.capacity,
		Count:       len(m.owners),
		NextLabel:   m.next,
		Growths:     m.growths,
	}
	if m.backend != nil {
		st.Stored = m.backend.Len()
	}
	return st
}

// Flush persists the label table without closing the index.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.backend == nil {
		return nil
	}
	return m.labels.Save(ctx, m.owners, m.next)
}

// Close flushes the label table and releases the backend. Further calls fail
// with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.backend == nil {
		return nil
	}

	var errs []error
	if err := m.labels.Save(ctx, m.owners, m.next); err != nil {
		errs = append(errs, fmt.Errorf("flush labels: %w", err))
	}
	if c, ok := m.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	m.logger.Info("vector index closed",
		zap.Int("labels", len(m.owners)),
		zap.Int64("next_label", m.next))
	return errors.Join(errs...)
}
