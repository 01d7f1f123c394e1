package ace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/coda/pkg/vector"
)

// memEmbedder returns constant vectors.
type memEmbedder struct{}

func (memEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (e memEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, _ := e.Embed(ctx, []string{text})
	return vecs[0], nil
}
func (e memEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return e.EmbedSingle(ctx, query)
}
func (memEmbedder) Dimensions() int   { return 3 }
func (memEmbedder) ModelName() string { return "mem" }
func (memEmbedder) Close() error      { return nil }

// memVectors is an in-memory vector.Provider with honest scroll paging.
type memVectors struct {
	mu          sync.Mutex
	collections map[string]map[string]vector.Point
}

func newMemVectors() *memVectors {
	return &memVectors{collections: make(map[string]map[string]vector.Point)}
}

func (m *memVectors) Name() string { return "mem" }

func (m *memVectors) CreateCollection(_ context.Context, collection string, _ int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; ok {
		return false, nil
	}
	m.collections[collection] = make(map[string]vector.Point)
	return true, nil
}

func (m *memVectors) DeleteCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *memVectors) GetCollectionInfo(_ context.Context, collection string) (*vector.CollectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &vector.CollectionInfo{PointsCount: uint64(len(m.collections[collection])), VectorSize: 3}, nil
}

func (m *memVectors) Upsert(_ context.Context, collection string, points []vector.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]vector.Point)
		m.collections[collection] = coll
	}
	for _, p := range points {
		coll[p.ID] = p
	}
	return nil
}

func (m *memVectors) Search(_ context.Context, collection string, _ []float32, limit int, _ float32, _ map[string]any) ([]vector.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vector.SearchResult
	for _, id := range m.sortedIDs(collection) {
		p := m.collections[collection][id]
		out = append(out, vector.SearchResult{ID: p.ID, Score: 0.9, Payload: p.Payload})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memVectors) Scroll(_ context.Context, collection string, limit int, offset string) ([]vector.SearchResult, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.sortedIDs(collection)
	start := 0
	if offset != "" {
		fmt.Sscanf(offset, "%d", &start)
	}

	var out []vector.SearchResult
	i := start
	for ; i < len(ids) && len(out) < limit; i++ {
		p := m.collections[collection][ids[i]]
		out = append(out, vector.SearchResult{ID: p.ID, Payload: p.Payload})
	}

	next := ""
	if i < len(ids) {
		next = fmt.Sprintf("%d", i)
	}
	return out, next, nil
}

func (m *memVectors) DeletePoints(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	return nil
}

func (m *memVectors) DeleteByFilter(_ context.Context, collection string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = make(map[string]vector.Point)
	return nil
}

func (m *memVectors) Close() error { return nil }

func (m *memVectors) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *memVectors) pointIDs(collection string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedIDs(collection)
}

func newTestPlaybook(t *testing.T) (*Playbook, *memVectors) {
	t.Helper()
	vectors := newMemVectors()
	return NewPlaybook("cli", vectors, memEmbedder{}, nil), vectors
}

func TestBulletQuality(t *testing.T) {
	b := &Bullet{}
	assert.Equal(t, 0.5, b.Quality())

	b.HelpfulCount = 3
	b.HarmfulCount = 1
	assert.Equal(t, 0.75, b.Quality())

	b.HelpfulCount = 0
	b.HarmfulCount = 2
	assert.Equal(t, 0.0, b.Quality())
}

func TestAddRemoveBullet(t *testing.T) {
	p, vectors := newTestPlaybook(t)
	ctx := context.Background()

	b, err := p.AddBullet(ctx, &Bullet{Section: SectionStrategies, Content: "Prefer small diffs"})
	require.NoError(t, err)
	assert.Regexp(t, `^strat-[0-9a-f]{8}$`, b.ID)
	assert.Equal(t, []string{b.ID}, vectors.pointIDs(BulletCollection("cli")))

	require.NoError(t, p.RemoveBullet(ctx, b.ID))
	_, ok := p.GetBullet(b.ID)
	assert.False(t, ok)
	assert.Empty(t, p.Bullets())
	assert.Empty(t, vectors.pointIDs(BulletCollection("cli")))
}

func TestAddBulletRejectsInvalid(t *testing.T) {
	p, _ := newTestPlaybook(t)
	ctx := context.Background()

	_, err := p.AddBullet(ctx, &Bullet{Section: SectionStrategies, Content: "  "})
	assert.Error(t, err)
	_, err = p.AddBullet(ctx, &Bullet{Section: "nonsense", Content: "x"})
	assert.Error(t, err)
}

func TestDedupMergesCounters(t *testing.T) {
	p, _ := newTestPlaybook(t)
	ctx := context.Background()

	first, err := p.AddBullet(ctx, &Bullet{Section: SectionStrategies, Content: "Use caching", HelpfulCount: 1})
	require.NoError(t, err)
	second, err := p.AddBullet(ctx, &Bullet{Section: SectionStrategies, Content: "use caching ", HarmfulCount: 2})
	require.NoError(t, err)

	removed, updated := p.Dedup(ctx)
	assert.Equal(t, []string{second.ID}, removed)
	assert.Equal(t, []string{first.ID}, updated)

	survivor, ok := p.GetBullet(first.ID)
	require.True(t, ok)
	assert.Equal(t, 1, survivor.HelpfulCount)
	assert.Equal(t, 2, survivor.HarmfulCount)

	// Idempotent.
	removed, updated = p.Dedup(ctx)
	assert.Empty(t, removed)
	assert.Empty(t, updated)
	assert.Equal(t, 1, p.Len())
}

func TestPruneHarmful(t *testing.T) {
	p, vectors := newTestPlaybook(t)
	ctx := context.Background()

	keep, err := p.AddBullet(ctx, &Bullet{Section: SectionPitfalls, Content: "watch for nil maps", HarmfulCount: 2})
	require.NoError(t, err)
	drop, err := p.AddBullet(ctx, &Bullet{Section: SectionPitfalls, Content: "bad advice", HarmfulCount: 3})
	require.NoError(t, err)

	removed := p.PruneHarmful(ctx, 0)
	assert.Equal(t, []string{drop.ID}, removed)
	_, ok := p.GetBullet(keep.ID)
	assert.True(t, ok)
	assert.Equal(t, []string{keep.ID}, vectors.pointIDs(BulletCollection("cli")))
}

func TestApplyFeedback(t *testing.T) {
	p, _ := newTestPlaybook(t)
	ctx := context.Background()

	b, err := p.AddBullet(ctx, &Bullet{Section: SectionAPIs, Content: "use context everywhere"})
	require.NoError(t, err)

	p.ApplyFeedback(ctx, []Feedback{
		{BulletID: b.ID, Tag: FeedbackHelpful},
		{BulletID: b.ID, Tag: FeedbackHarmful},
		{BulletID: b.ID, Tag: FeedbackNeutral},
		{BulletID: "missing", Tag: FeedbackHelpful},
	})

	got, ok := p.GetBullet(b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, got.HelpfulCount)
	assert.Equal(t, 1, got.HarmfulCount)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p, vectors := newTestPlaybook(t)
	ctx := context.Background()

	var want []*Bullet
	for i := 0; i < 250; i++ {
		b, err := p.AddBullet(ctx, &Bullet{
			Section:      Sections[i%len(Sections)],
			Content:      fmt.Sprintf("guidance %d", i),
			HelpfulCount: i % 4,
			HarmfulCount: i % 2,
		})
		require.NoError(t, err)
		want = append(want, b)
	}
	require.NoError(t, p.SaveToVectorDB(ctx))

	// Reload into a fresh playbook backed by the same collection; the
	// scroll must page (250 > page size).
	reloaded := NewPlaybook("cli", vectors, memEmbedder{}, nil)
	require.NoError(t, reloaded.LoadFromVectorDB(ctx))
	require.Equal(t, len(want), reloaded.Len())

	for _, b := range want {
		got, ok := reloaded.GetBullet(b.ID)
		require.True(t, ok, "bullet %s missing after reload", b.ID)
		assert.Equal(t, b.Section, got.Section)
		assert.Equal(t, b.Content, got.Content)
		assert.Equal(t, b.HelpfulCount, got.HelpfulCount)
		assert.Equal(t, b.HarmfulCount, got.HarmfulCount)
	}
}

func TestLoadLegacyPayloads(t *testing.T) {
	vectors := newMemVectors()
	ctx := context.Background()

	_, err := vectors.CreateCollection(ctx, BulletCollection("cli"), 3)
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(ctx, BulletCollection("cli"), []vector.Point{
		{ID: "legacy-1", Vector: []float32{1, 0, 0}, Payload: map[string]any{
			"text":       "old style bullet",
			"category":   "pitfalls",
			"votes_up":   2,
			"votes_down": 1,
		}},
		{ID: "legacy-2", Vector: []float32{1, 0, 0}, Payload: map[string]any{
			"text": "bare minimum",
		}},
	}))

	p := NewPlaybook("cli", vectors, memEmbedder{}, nil)
	require.NoError(t, p.LoadFromVectorDB(ctx))

	b, ok := p.GetBullet("legacy-1")
	require.True(t, ok)
	assert.Equal(t, SectionPitfalls, b.Section)
	assert.Equal(t, "old style bullet", b.Content)
	assert.Equal(t, 2, b.HelpfulCount)
	assert.Equal(t, 1, b.HarmfulCount)

	bare, ok := p.GetBullet("legacy-2")
	require.True(t, ok)
	assert.Equal(t, SectionDomain, bare.Section)
	assert.Equal(t, 0.5, bare.Quality())
}

func TestRetrieveRelevantBullets(t *testing.T) {
	p, _ := newTestPlaybook(t)
	ctx := context.Background()

	b, err := p.AddBullet(ctx, &Bullet{Section: SectionStrategies, Content: "cache embeddings"})
	require.NoError(t, err)
	require.NoError(t, p.MarkHelpful(ctx, b.ID))

	hits, err := p.RetrieveRelevantBullets(ctx, "caching", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].Bullet.ID)
	// Counters come from the live in-memory copy.
	assert.Equal(t, 1, hits[0].Bullet.HelpfulCount)
}
