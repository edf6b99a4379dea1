package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/scorer"
	"github.com/nidhogg/mnemo/internal/sector"
	"github.com/nidhogg/mnemo/internal/upstream"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu        sync.Mutex
	memories  map[string]memory.Memory
	vectors   map[int64][]float32
	sectors   map[string]memory.Sector
	schedules map[string]memory.DecaySchedule
	waypoints map[string]memory.Waypoint
	accesses  []memory.AccessLog
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		memories:  make(map[string]memory.Memory),
		vectors:   make(map[int64][]float32),
		sectors:   make(map[string]memory.Sector),
		schedules: make(map[string]memory.DecaySchedule),
		waypoints: make(map[string]memory.Waypoint),
	}
}

func (r *fakeRepo) CreateMemoryWithSector(_ context.Context, m memory.Memory, sec memory.Sector, vec []float32) (memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return memory.Memory{}, r.createErr
	}
	if err := m.Validate(); err != nil {
		return memory.Memory{}, err
	}
	s, ok := r.sectors[sec.ID]
	if !ok {
		s = sec
	}
	s.MemoryCount++
	r.sectors[sec.ID] = s
	m.SectorID = sec.ID
	r.memories[m.ID] = m
	r.vectors[m.EmbeddingID] = vec
	r.schedules[m.ID] = memory.DecaySchedule{
		MemoryID:           m.ID,
		LastDecayAt:        m.CreatedAt,
		NextDecayAt:        m.CreatedAt.Add(time.Hour),
		DecayIntervalHours: memory.DefaultIntervalHours,
		IsActive:           true,
	}
	return m, nil
}

func (r *fakeRepo) put(m memory.Memory, sched memory.DecaySchedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memories[m.ID] = m
	r.schedules[m.ID] = sched
}

func (r *fakeRepo) GetMemory(_ context.Context, id string) (*memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memories[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *fakeRepo) GetMemories(_ context.Context, ids []string) ([]memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []memory.Memory
	for _, id := range ids {
		if m, ok := r.memories[id]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) GetMemoriesByLabels(_ context.Context, labels []int64) (map[int64]memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]memory.Memory)
	for _, m := range r.memories {
		if slices.Contains(labels, m.EmbeddingID) {
			out[m.EmbeddingID] = m
		}
	}
	return out, nil
}

func (r *fakeRepo) PreviousInConversation(_ context.Context, m memory.Memory) (*memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev *memory.Memory
	for _, o := range r.memories {
		if o.ID == m.ID || o.OwnerID != m.OwnerID || o.ConversationID != m.ConversationID || o.CreatedAt.After(m.CreatedAt) {
			continue
		}
		if prev == nil || o.EmbeddingID > prev.EmbeddingID {
			o := o
			prev = &o
		}
	}
	return prev, nil
}

func (r *fakeRepo) ScanMemories(_ context.Context, after string, limit int) ([]memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []memory.Memory
	for _, m := range r.memories {
		if m.ID > after {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) CountMemories(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memories), nil
}

func (r *fakeRepo) ApplyAccess(_ context.Context, id string, accessType memory.AccessType, queryContext string, fn func(memory.Memory) memory.Memory) (memory.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memories[id]
	if !ok {
		return memory.Memory{}, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	next := fn(m)
	if err := next.Validate(); err != nil {
		return memory.Memory{}, err
	}
	r.memories[id] = next
	r.accesses = append(r.accesses, memory.AccessLog{
		MemoryID:       id,
		AccessType:     accessType,
		QueryContext:   queryContext,
		StrengthBefore: m.Strength,
		StrengthAfter:  next.Strength,
		AccessedAt:     next.LastAccessed,
	})
	return next, nil
}

func (r *fakeRepo) AccessLog(_ context.Context, id string, limit int) ([]memory.AccessLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []memory.AccessLog
	for i := len(r.accesses) - 1; i >= 0 && len(out) < limit; i-- {
		if r.accesses[i].MemoryID == id {
			out = append(out, r.accesses[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateStrengths(_ context.Context, strengths map[string]float64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range strengths {
		if m, ok := r.memories[id]; ok {
			m.Strength = s
			r.memories[id] = m
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) GetSchedule(_ context.Context, id string) (*memory.DecaySchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *fakeRepo) SaveReview(_ context.Context, d memory.DecaySchedule, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memories[d.MemoryID]
	if !ok {
		return memory.ErrNotFound
	}
	m.DecayRate = rate
	r.memories[d.MemoryID] = m
	r.schedules[d.MemoryID] = d
	return nil
}

func (r *fakeRepo) DueSchedules(_ context.Context, now time.Time, limit int) ([]memory.DecaySchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []memory.DecaySchedule
	for _, s := range r.schedules {
		if s.IsActive && !s.NextDecayAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemoryID < out[j].MemoryID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkSwept(_ context.Context, ids []string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		s := r.schedules[id]
		s.LastDecayAt = now
		s.NextDecayAt = now.Add(time.Duration(s.DecayIntervalHours) * time.Hour)
		r.schedules[id] = s
	}
	return nil
}

func (r *fakeRepo) DeactivateSchedules(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if s, ok := r.schedules[id]; ok && s.IsActive {
			s.IsActive = false
			r.schedules[id] = s
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) CreateWaypoint(_ context.Context, w memory.Waypoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, okA := r.memories[w.SourceMemoryID]
	_, okB := r.memories[w.TargetMemoryID]
	if !okA || !okB {
		return memory.ErrNotFound
	}
	r.waypoints[w.ID] = w
	return nil
}

func (r *fakeRepo) ReinforceWaypoint(_ context.Context, id string, alpha float64) (memory.Waypoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waypoints[id]
	if !ok {
		return memory.Waypoint{}, memory.ErrNotFound
	}
	w.Strength = math.Min(1, w.Strength+alpha*(1-w.Strength))
	r.waypoints[id] = w
	return w, nil
}

func (r *fakeRepo) WaypointsFor(_ context.Context, ids []string) ([]memory.Waypoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []memory.Waypoint
	for _, w := range r.waypoints {
		if slices.Contains(ids, w.SourceMemoryID) || slices.Contains(ids, w.TargetMemoryID) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *fakeRepo) RelatedAccessCounts(_ context.Context, ids []string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (r *fakeRepo) ListSectors(context.Context) ([]memory.Sector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]memory.Sector, 0, len(r.sectors))
	for _, s := range r.sectors {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) setMultiplier(sectorID string, mult float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sectors[sectorID]
	s.ID, s.DecayMultiplier = sectorID, mult
	r.sectors[sectorID] = s
}

func (r *fakeRepo) LoadVectors(_ context.Context, after int64, limit int) ([]vectorindex.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []vectorindex.Entry
	for _, m := range r.memories {
		vec, ok := r.vectors[m.EmbeddingID]
		if !ok || m.EmbeddingID <= after {
			continue
		}
		out = append(out, vectorindex.Entry{
			Label:  m.EmbeddingID,
			Vector: vec,
			Owner:  vectorindex.Owner{OwnerID: m.OwnerID, ConversationID: m.ConversationID},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vecs  map[string][]float32
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.vecs[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

type stubLLM struct {
	answer string
	err    error
}

func (s stubLLM) Complete(context.Context, string, string) (string, error) {
	return s.answer, s.err
}

type stubExtractor struct {
	ex graph.Extraction
}

func (s stubExtractor) Extract(context.Context, memory.Memory, memory.Memory) (graph.Extraction, error) {
	return s.ex, nil
}

type recordingPublisher struct {
	got []ArchiveCandidate
}

func (p *recordingPublisher) PublishArchive(_ context.Context, c ArchiveCandidate) error {
	p.got = append(p.got, c)
	return nil
}

var testVectors = map[string][]float32{
	"Go channels synchronize goroutines":    {1, 0, 0},
	"The Louvre houses the Mona Lisa":       {0, 1, 0},
	"Quantum effects in bird navigation":    {0, 0, 1},
	"how do goroutines talk to each other?": {0.9, 0.1, 0},
}

type fixture struct {
	eng      *Engine
	repo     *fakeRepo
	index    *vectorindex.Manager
	embedder *stubEmbedder
	pub      *recordingPublisher
}

func newFixture(t *testing.T, answer string, cfg Config, extractor Extractor) *fixture {
	t.Helper()
	repo := newFakeRepo()
	idx := newIndex()
	emb := &stubEmbedder{vecs: testVectors}
	pub := &recordingPublisher{}
	deps := Deps{
		Repo:       repo,
		Index:      idx,
		Embedder:   emb,
		Classifier: sector.NewClassifier(stubLLM{answer: answer}, zap.NewNop()),
		Publisher:  pub,
	}
	if extractor != nil {
		deps.Extractor = extractor
	}
	eng, err := New(deps, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.now = func() time.Time { return t0 }
	t.Cleanup(func() { eng.Close(context.Background()) })
	return &fixture{eng: eng, repo: repo, index: idx, embedder: emb, pub: pub}
}

func newIndex() *vectorindex.Manager {
	return vectorindex.NewManager(vectorindex.OpenChromem("test"), nil,
		vectorindex.Options{Dimension: 3, InitialCapacity: 4}, zap.NewNop())
}

func (f *fixture) add(t *testing.T, content, conv string) *AddResult {
	t.Helper()
	res, err := f.eng.AddMemory(context.Background(), AddRequest{
		Content:        content,
		OwnerID:        "u1",
		ConversationID: conv,
	})
	if err != nil {
		t.Fatalf("AddMemory(%q): %v", content, err)
	}
	return res
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestAddMemory(t *testing.T) {
	f := newFixture(t, `{"name":"programming","topics":["Go","concurrency"]}`, Config{}, nil)
	res := f.add(t, "Go channels synchronize goroutines", "c1")

	if res.Label != 0 {
		t.Errorf("label = %d, want 0", res.Label)
	}
	if res.Sector != "programming" || !res.Classified {
		t.Errorf("sector = %q classified=%v", res.Sector, res.Classified)
	}
	m := f.repo.memories[res.Memory.ID]
	if m.EmbeddingID != 0 || m.Strength != 0.8 || m.DecayRate != 0.95 {
		t.Errorf("stored memory = %+v", m)
	}
	topics, _ := m.Metadata["topics"].([]string)
	if !slices.Equal(topics, []string{"go", "concurrency"}) {
		t.Errorf("topics = %v", topics)
	}
	if f.repo.sectors["programming"].MemoryCount != 1 {
		t.Errorf("sector count = %d", f.repo.sectors["programming"].MemoryCount)
	}
	if st := f.index.Stats(); st.Count != 1 || st.NextLabel != 1 {
		t.Errorf("index stats = %+v", st)
	}
	if s := f.repo.schedules[m.ID]; !s.IsActive || !s.NextDecayAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("schedule = %+v", s)
	}
}

func TestAddMemory_UnknownSectorFallsBack(t *testing.T) {
	f := newFixture(t, `{"name":"quantum-biology","topics":["birds"]}`, Config{}, nil)
	res := f.add(t, "Quantum effects in bird navigation", "c1")
	if res.Sector != sector.Fallback || res.Classified {
		t.Fatalf("sector = %q classified=%v", res.Sector, res.Classified)
	}
	topics, _ := res.Memory.Metadata["topics"].([]string)
	if !slices.Equal(topics, []string{"birds"}) {
		t.Errorf("topics = %v", topics)
	}
}

func TestAddMemory_TierOverride(t *testing.T) {
	f := newFixture(t, `{"name":"culture","topics":[]}`, Config{}, nil)
	res, err := f.eng.AddMemory(context.Background(), AddRequest{
		Content:      "The Louvre houses the Mona Lisa",
		OwnerID:      "u1",
		TierOverride: memory.TierCritical,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Memory.DecayRate != 0.99 {
		t.Errorf("rate = %f, want 0.99", res.Memory.DecayRate)
	}
}

func TestAddMemory_Kind(t *testing.T) {
	f := newFixture(t, `{"name":"culture","topics":[]}`, Config{}, nil)
	res, err := f.eng.AddMemory(context.Background(), AddRequest{
		Content: "The Louvre houses the Mona Lisa",
		OwnerID: "u1",
		Kind:    decay.KindReflective,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Memory.DecayRate != 0.90 || res.Memory.Metadata["kind"] != "reflective" {
		t.Errorf("rate = %f, metadata = %v", res.Memory.DecayRate, res.Memory.Metadata)
	}

	// A tier override beats the kind.
	res, err = f.eng.AddMemory(context.Background(), AddRequest{
		Content:      "Go channels synchronize goroutines",
		OwnerID:      "u1",
		Kind:         decay.KindReflective,
		TierOverride: memory.TierImportant,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Memory.DecayRate != 0.97 {
		t.Errorf("rate = %f, want 0.97", res.Memory.DecayRate)
	}
}

func TestAddMemory_Validation(t *testing.T) {
	f := newFixture(t, `{"name":"music"}`, Config{}, nil)
	cases := []AddRequest{
		{Content: ""},
		{Content: "ok", OwnerType: "robot"},
		{Content: "ok", TierOverride: "FOREVER"},
		{Content: "ok", Kind: "dreamlike"},
	}
	for _, req := range cases {
		if _, err := f.eng.AddMemory(context.Background(), req); !errors.Is(err, memory.ErrInvalid) {
			t.Errorf("AddMemory(%+v) err = %v, want ErrInvalid", req, err)
		}
	}
	if f.embedder.calls != 0 {
		t.Errorf("embedder called %d times for invalid input", f.embedder.calls)
	}
}

func TestAddMemory_ClassifierFailureLeavesNoLabel(t *testing.T) {
	repo := newFakeRepo()
	idx := newIndex()
	eng, err := New(Deps{
		Repo:       repo,
		Index:      idx,
		Embedder:   &stubEmbedder{vecs: testVectors},
		Classifier: sector.NewClassifier(stubLLM{err: errors.New("upstream down")}, zap.NewNop()),
	}, Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AddMemory(context.Background(), AddRequest{Content: "Go channels synchronize goroutines"}); err == nil {
		t.Fatal("expected classifier error")
	}
	if st := idx.Stats(); st.Count != 0 || st.NextLabel != 0 {
		t.Errorf("index stats = %+v", st)
	}
}

func TestAddMemory_UnparsableClassificationAborts(t *testing.T) {
	f := newFixture(t, "Sorry, I can't help with that.", Config{}, nil)
	_, err := f.eng.AddMemory(context.Background(), AddRequest{Content: "Go channels synchronize goroutines"})
	if !errors.Is(err, sector.ErrUnparsable) {
		t.Fatalf("err = %v, want ErrUnparsable", err)
	}
	if !upstream.IsRetryable(err) {
		t.Errorf("err = %v, want a retryable upstream error", err)
	}
	if st := f.index.Stats(); st.Count != 0 || st.NextLabel != 0 {
		t.Errorf("index stats = %+v", st)
	}
	if n, _ := f.repo.CountMemories(context.Background()); n != 0 {
		t.Errorf("%d memories persisted", n)
	}
}

func TestAddMemory_PersistFailureEvictsLabel(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	f.repo.createErr = errors.New("connection reset")

	_, err := f.eng.AddMemory(context.Background(), AddRequest{Content: "Go channels synchronize goroutines"})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if st := f.index.Stats(); st.Count != 0 || st.Stored != 0 {
		t.Errorf("label survived failed persist: %+v", st)
	}

	f.repo.createErr = nil
	res := f.add(t, "Go channels synchronize goroutines", "c1")
	if res.Label != 1 {
		t.Errorf("label = %d, want 1 (labels are never reused)", res.Label)
	}
}

func TestAddMemory_LinksConversation(t *testing.T) {
	ex := stubExtractor{ex: graph.Extraction{
		Entities:  []string{"goroutines"},
		Relations: []graph.Relation{{Type: memory.RelElaboration, Strength: 0.7, Reason: "follow-up"}},
	}}
	f := newFixture(t, `{"name":"programming"}`, Config{LinkConversation: true}, ex)

	first := f.add(t, "Go channels synchronize goroutines", "c1")
	if len(first.Waypoints) != 0 {
		t.Fatalf("first memory linked: %+v", first.Waypoints)
	}
	second := f.add(t, "how do goroutines talk to each other?", "c1")
	if len(second.Waypoints) != 1 {
		t.Fatalf("waypoints = %d, want 1", len(second.Waypoints))
	}
	w := second.Waypoints[0]
	if w.SourceMemoryID != second.Memory.ID || w.TargetMemoryID != first.Memory.ID {
		t.Errorf("direction = %s -> %s", w.SourceMemoryID, w.TargetMemoryID)
	}
	if _, ok := f.repo.waypoints[w.ID]; !ok {
		t.Error("waypoint not stored")
	}

	other := f.add(t, "The Louvre houses the Mona Lisa", "c2")
	if len(other.Waypoints) != 0 {
		t.Errorf("linked across conversations: %+v", other.Waypoints)
	}
}

func TestQuery(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{TouchOnQuery: true}, nil)
	goMem := f.add(t, "Go channels synchronize goroutines", "c1")
	f.add(t, "The Louvre houses the Mona Lisa", "c1")

	hits, err := f.eng.Query(context.Background(), QueryRequest{Text: "how do goroutines talk to each other?", K: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].MemoryID != goMem.Memory.ID {
		t.Fatalf("hits = %+v", hits)
	}
	sim := 0.9 / math.Sqrt(0.82)
	want := 0.6*sim + 0.3*0.8 + 0.1
	if math.Abs(hits[0].Score-want) > 1e-4 {
		t.Errorf("score = %f, want %f", hits[0].Score, want)
	}

	touched := f.repo.memories[goMem.Memory.ID]
	if touched.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", touched.AccessCount)
	}
	if len(f.repo.accesses) != 1 || f.repo.accesses[0].AccessType != memory.AccessQuery {
		t.Errorf("access log = %+v", f.repo.accesses)
	}
}

func TestQuery_OwnerFilter(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	f.add(t, "Go channels synchronize goroutines", "c1")

	hits, err := f.eng.Query(context.Background(), QueryRequest{Text: "how do goroutines talk to each other?", OwnerID: "someone-else"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %+v, want none", hits)
	}
}

func TestQuery_Validation(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	for _, req := range []QueryRequest{{Text: "  "}, {Text: "how do goroutines talk to each other?", K: 101}} {
		if _, err := f.eng.Query(context.Background(), req); !errors.Is(err, memory.ErrInvalid) {
			t.Errorf("Query(%+v) err = %v, want ErrInvalid", req, err)
		}
	}
}

func TestQuery_EmptyIndex(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	hits, err := f.eng.Query(context.Background(), QueryRequest{Text: "how do goroutines talk to each other?"})
	if err != nil || len(hits) != 0 {
		t.Fatalf("hits = %+v err = %v", hits, err)
	}
}

func TestRecall(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	f.add(t, "Go channels synchronize goroutines", "c1")

	blocks, prompt, err := f.eng.Recall(context.Background(),
		QueryRequest{Text: "how do goroutines talk to each other?"}, scorer.DefaultContextBudget())
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Content != "Go channels synchronize goroutines" {
		t.Fatalf("blocks = %+v", blocks)
	}
	if prompt == "" {
		t.Error("empty prompt")
	}
}

func TestReinforce(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	res := f.add(t, "Go channels synchronize goroutines", "c1")

	got, err := f.eng.Reinforce(context.Background(), res.Memory.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 0.8 initial strength with one reinforcement and no elapsed time.
	if math.Abs(got-0.96) > 1e-9 {
		t.Errorf("strength = %f, want 0.96", got)
	}
	view, err := f.eng.GetMemory(context.Background(), res.Memory.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.ReinforcementCount != 1 {
		t.Errorf("reinforcement count = %d", view.ReinforcementCount)
	}
	if got != view.CurrentStrength {
		t.Errorf("Reinforce returned %f, GetMemory reports %f", got, view.CurrentStrength)
	}
	if math.Abs(view.Strength-0.83) > 1e-9 {
		t.Errorf("stored strength = %f, want 0.83", view.Strength)
	}

	if _, err := f.eng.Reinforce(context.Background(), "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAccessLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"name":"programming"}`, Config{TouchOnQuery: true}, nil)
	res := f.add(t, "Go channels synchronize goroutines", "c1")

	if _, err := f.eng.Query(ctx, QueryRequest{Text: "how do goroutines talk to each other?"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Reinforce(ctx, res.Memory.ID); err != nil {
		t.Fatal(err)
	}

	log, err := f.eng.AccessLog(ctx, res.Memory.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0].AccessType != memory.AccessReinforce || log[1].AccessType != memory.AccessQuery {
		t.Fatalf("log = %+v", log)
	}
	if log[1].QueryContext != "how do goroutines talk to each other?" {
		t.Errorf("query context = %q", log[1].QueryContext)
	}

	one, err := f.eng.AccessLog(ctx, res.Memory.ID, 1)
	if err != nil || len(one) != 1 {
		t.Errorf("limit 1: log = %+v err = %v", one, err)
	}
	if _, err := f.eng.AccessLog(ctx, "missing", 0); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
	if _, err := f.eng.AccessLog(ctx, res.Memory.ID, 501); !errors.Is(err, memory.ErrInvalid) {
		t.Errorf("limit 501: err = %v, want ErrInvalid", err)
	}
}

func TestGetMemory_Unknown(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	view, err := f.eng.GetMemory(context.Background(), "missing")
	if err != nil || view != nil {
		t.Fatalf("view = %+v err = %v", view, err)
	}
}

func TestScheduleReview(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	res := f.add(t, "Go channels synchronize goroutines", "c1")

	out, err := f.eng.ScheduleReview(context.Background(), res.Memory.ID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if out.Review.NextReviewDays != 6 || out.Review.DecayRate != 0.96 {
		t.Errorf("review = %+v", out.Review)
	}
	if got := f.repo.memories[res.Memory.ID].DecayRate; got != 0.96 {
		t.Errorf("stored rate = %f", got)
	}
	if s := f.repo.schedules[res.Memory.ID]; s.DecayIntervalHours != 144 || !s.NextDecayAt.Equal(t0.Add(144*time.Hour)) {
		t.Errorf("schedule = %+v", s)
	}

	if _, err := f.eng.ScheduleReview(context.Background(), res.Memory.ID, 6); !errors.Is(err, memory.ErrInvalid) {
		t.Errorf("performance 6: err = %v", err)
	}
	if _, err := f.eng.ScheduleReview(context.Background(), "missing", 3); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestGetDecayStats(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{SweepBatch: 1}, nil)
	a := f.add(t, "Go channels synchronize goroutines", "c1")
	f.add(t, "The Louvre houses the Mona Lisa", "c1")

	all, err := f.eng.GetDecayStats(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if all.TotalMemories != 2 || math.Abs(all.AverageStrength-0.8) > 1e-9 {
		t.Errorf("stats = %+v", all)
	}
	one, err := f.eng.GetDecayStats(context.Background(), []string{a.Memory.ID, "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if one.TotalMemories != 1 {
		t.Errorf("total = %d, want 1", one.TotalMemories)
	}
}

func TestDecayCurve(t *testing.T) {
	pts, err := DecayCurve(0.8, 0.5, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.8, 0.4, 0.2}
	if len(pts) != len(want) {
		t.Fatalf("points = %+v", pts)
	}
	for i, p := range pts {
		if p.Day != i || math.Abs(p.Strength-want[i]) > 1e-9 {
			t.Errorf("point %d = %+v", i, p)
		}
	}
	for _, bad := range [][3]float64{{1.2, 0.9, 5}, {0.8, 0, 5}, {0.8, 0.9, 366}, {0.8, 0.9, -1}} {
		if _, err := DecayCurve(bad[0], bad[1], int(bad[2])); !errors.Is(err, memory.ErrInvalid) {
			t.Errorf("DecayCurve%v err = %v", bad, err)
		}
	}
}

func TestWaypointsAndRelated(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	a := f.add(t, "Go channels synchronize goroutines", "c1").Memory
	b := f.add(t, "The Louvre houses the Mona Lisa", "c1").Memory
	c := f.add(t, "Quantum effects in bird navigation", "c1").Memory
	ctx := context.Background()

	ab, err := f.eng.CreateWaypoint(ctx, WaypointRequest{SourceMemoryID: a.ID, TargetMemoryID: b.ID, RelationshipType: memory.RelSemantic, Strength: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.CreateWaypoint(ctx, WaypointRequest{SourceMemoryID: c.ID, TargetMemoryID: b.ID, RelationshipType: memory.RelCausal, Strength: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.CreateWaypoint(ctx, WaypointRequest{SourceMemoryID: a.ID, TargetMemoryID: a.ID, RelationshipType: memory.RelSemantic}); !errors.Is(err, memory.ErrInvalid) {
		t.Errorf("self reference: err = %v", err)
	}
	if _, err := f.eng.CreateWaypoint(ctx, WaypointRequest{SourceMemoryID: a.ID, TargetMemoryID: "ghost", RelationshipType: memory.RelSemantic}); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing target: err = %v", err)
	}

	related, err := f.eng.Related(ctx, a.ID, graph.DefaultActivationOpts())
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 2 {
		t.Fatalf("related = %+v", related)
	}
	if related[0].MemoryID != b.ID || math.Abs(related[0].Activation-0.7) > 1e-9 || related[0].Depth != 1 {
		t.Errorf("first = %+v", related[0])
	}
	if related[1].MemoryID != c.ID || math.Abs(related[1].Activation-0.49) > 1e-9 || related[1].Depth != 2 {
		t.Errorf("second = %+v", related[1])
	}

	// Reinforcing a saturated edge keeps it at 1.
	w, err := f.eng.ReinforceWaypoint(ctx, ab.ID)
	if err != nil || w.Strength != 1 {
		t.Errorf("reinforce = %+v err = %v", w, err)
	}
	if _, err := f.eng.Related(ctx, "missing", graph.DefaultActivationOpts()); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing seed: err = %v", err)
	}
}

func TestSectorMultiplierScalesDecay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	res := f.add(t, "Go channels synchronize goroutines", "c1")
	f.repo.setMultiplier("programming", 0.1)

	view, err := f.eng.GetMemory(ctx, res.Memory.ID)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(view.CurrentStrength-0.08) > 1e-9 || !view.NeedsReinforcement {
		t.Errorf("view strength = %f, needs reinforcement = %v", view.CurrentStrength, view.NeedsReinforcement)
	}

	hits, err := f.eng.Query(ctx, QueryRequest{Text: "how do goroutines talk to each other?", K: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || math.Abs(hits[0].Strength-0.08) > 1e-9 {
		t.Fatalf("hits = %+v", hits)
	}

	stats, err := f.eng.GetDecayStats(ctx, []string{res.Memory.ID})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(stats.AverageStrength-0.08) > 1e-9 {
		t.Errorf("average strength = %f, want 0.08", stats.AverageStrength)
	}

	// The same memory outside any sector stays above the archive threshold.
	plain := res.Memory
	plain.ID, plain.EmbeddingID, plain.SectorID = "plain", 99, ""
	due := memory.DecaySchedule{NextDecayAt: t0.Add(-time.Hour), DecayIntervalHours: 1, IsActive: true}
	due.MemoryID = plain.ID
	f.repo.put(plain, due)
	due.MemoryID = res.Memory.ID
	f.repo.put(f.repo.memories[res.Memory.ID], due)

	report, err := f.eng.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 2 || report.Archived != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(f.pub.got) != 1 || f.pub.got[0].MemoryID != res.Memory.ID || math.Abs(f.pub.got[0].Strength-0.08) > 1e-9 {
		t.Errorf("published = %+v", f.pub.got)
	}
	if !f.repo.schedules["plain"].IsActive {
		t.Error("unscaled memory was archived")
	}
}

func TestSweep_ArchivesDecayedMemories(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{SweepBatch: 1}, nil)
	old := t0.Add(-200 * time.Hour)
	stale := memory.Memory{
		ID: "stale", Content: "forgotten", OwnerID: "u1", ConversationID: "c1", OwnerType: memory.OwnerUser,
		EmbeddingID: 7, Strength: 0.8, InitialStrength: 0.8, DecayRate: 0.95,
		LastAccessed: old, CreatedAt: old,
	}
	fresh := stale
	fresh.ID, fresh.EmbeddingID, fresh.LastAccessed = "fresh", 8, t0.Add(-2*time.Hour)
	f.repo.put(stale, memory.DecaySchedule{MemoryID: "stale", NextDecayAt: t0.Add(-time.Hour), DecayIntervalHours: 1, IsActive: true})
	f.repo.put(fresh, memory.DecaySchedule{MemoryID: "fresh", NextDecayAt: t0.Add(-time.Hour), DecayIntervalHours: 1, IsActive: true})

	report, err := f.eng.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 2 || report.Refreshed != 2 || report.Archived != 1 || report.Published != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(f.pub.got) != 1 || f.pub.got[0].MemoryID != "stale" {
		t.Fatalf("published = %+v", f.pub.got)
	}
	if f.repo.schedules["stale"].IsActive {
		t.Error("archived schedule still active")
	}
	if s := f.repo.schedules["fresh"]; !s.NextDecayAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("fresh schedule = %+v", s)
	}
	wantFresh := 0.8 * math.Pow(0.95, 2)
	if got := f.repo.memories["fresh"].Strength; math.Abs(got-wantFresh) > 1e-9 {
		t.Errorf("fresh strength = %f, want %f", got, wantFresh)
	}
	if got := f.repo.memories["fresh"].LastAccessed; !got.Equal(fresh.LastAccessed) {
		t.Errorf("sweep moved last accessed to %v", got)
	}

	again, err := f.eng.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Due != 0 || len(f.pub.got) != 1 {
		t.Errorf("second sweep = %+v, published %d", again, len(f.pub.got))
	}
}

func TestWarmIndex(t *testing.T) {
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	goMem := f.add(t, "Go channels synchronize goroutines", "c1")
	f.add(t, "The Louvre houses the Mona Lisa", "c1")

	// A fresh process: same rows, empty in-process index.
	idx := newIndex()
	eng, err := New(Deps{
		Repo:       f.repo,
		Index:      idx,
		Embedder:   f.embedder,
		Classifier: sector.NewClassifier(stubLLM{answer: `{"name":"programming"}`}, zap.NewNop()),
	}, Config{SweepBatch: 1}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	eng.now = func() time.Time { return t0 }

	n, err := eng.WarmIndex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("restored = %d, want 2", n)
	}
	if st := idx.Stats(); st.NextLabel != 2 {
		t.Errorf("next label = %d, want 2", st.NextLabel)
	}
	hits, err := eng.Query(context.Background(), QueryRequest{Text: "how do goroutines talk to each other?", K: 1})
	if err != nil || len(hits) != 1 || hits[0].MemoryID != goMem.Memory.ID {
		t.Fatalf("hits = %+v err = %v", hits, err)
	}

	again, err := eng.WarmIndex(context.Background())
	if err != nil || again != 0 {
		t.Errorf("second warm = %d err = %v", again, err)
	}
}

func TestWarmIndex_BackendKeptPoints(t *testing.T) {
	backend, err := vectorindex.NewChromemBackend("kept")
	if err != nil {
		t.Fatal(err)
	}
	open := func(context.Context, int, int) (vectorindex.Backend, error) { return backend, nil }
	opts := vectorindex.Options{Dimension: 3, InitialCapacity: 4}
	repo := newFakeRepo()
	emb := &stubEmbedder{vecs: testVectors}
	start := func() *Engine {
		eng, err := New(Deps{
			Repo:       repo,
			Index:      vectorindex.NewManager(open, vectorindex.NewMemoryLabels(), opts, zap.NewNop()),
			Embedder:   emb,
			Classifier: sector.NewClassifier(stubLLM{answer: `{"name":"programming"}`}, zap.NewNop()),
		}, Config{SweepBatch: 1}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		eng.now = func() time.Time { return t0 }
		return eng
	}
	add := func(eng *Engine, content string) *AddResult {
		res, err := eng.AddMemory(context.Background(), AddRequest{Content: content, OwnerID: "u1", ConversationID: "c1"})
		if err != nil {
			t.Fatalf("AddMemory(%q): %v", content, err)
		}
		return res
	}

	first := start()
	goMem := add(first, "Go channels synchronize goroutines")
	add(first, "The Louvre houses the Mona Lisa")

	// The process dies without flushing; the backend keeps its points.
	second := start()
	n, err := second.WarmIndex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rewritten = %d, want 0", n)
	}
	if st := second.IndexStats(); st.Count != 2 || st.Stored != 2 || st.NextLabel != 2 {
		t.Errorf("stats after warm-up = %+v", st)
	}

	hits, err := second.Query(context.Background(), QueryRequest{Text: "how do goroutines talk to each other?", K: 1})
	if err != nil || len(hits) != 1 || hits[0].MemoryID != goMem.Memory.ID {
		t.Fatalf("hits = %+v err = %v", hits, err)
	}

	third := add(second, "Quantum effects in bird navigation")
	if third.Label != 2 {
		t.Errorf("new label = %d, want 2", third.Label)
	}
	if backend.Len() != 3 {
		t.Errorf("backend points = %d, want 3", backend.Len())
	}
	hits, err = second.Query(context.Background(), QueryRequest{Text: "how do goroutines talk to each other?", K: 1})
	if err != nil || len(hits) != 1 || hits[0].MemoryID != goMem.Memory.ID {
		t.Fatalf("old vector overwritten: hits = %+v err = %v", hits, err)
	}
}

func TestSweep_FlushesLabels(t *testing.T) {
	labels := vectorindex.NewMemoryLabels()
	f := newFixture(t, `{"name":"programming"}`, Config{}, nil)
	idx := vectorindex.NewManager(vectorindex.OpenChromem("flush"), labels,
		vectorindex.Options{Dimension: 3, InitialCapacity: 4}, zap.NewNop())
	f.eng.index = idx
	f.add(t, "Go channels synchronize goroutines", "c1")

	before := labels.Saves()
	if _, err := f.eng.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if labels.Saves() != before+1 {
		t.Errorf("saves = %d, want %d", labels.Saves(), before+1)
	}
	owners, next, err := labels.Load(context.Background())
	if err != nil || len(owners) != 1 || next != 1 {
		t.Errorf("persisted owners = %v next = %d err = %v", owners, next, err)
	}
}
