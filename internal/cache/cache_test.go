package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timvw/loopsmith/internal/model"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sampleResponse(score float64) *model.EvaluationResponse {
	return &model.EvaluationResponse{
		Score:   score,
		Pass:    score >= model.DefaultTargetScore,
		Summary: "fine",
		Status:  model.StatusFromScore(score),
		Details: &model.Details{
			Strengths:       []string{"clear"},
			Issues:          []string{},
			Improvements:    []string{},
			ContextSpecific: map[string]any{"k": "v"},
		},
		Metadata: model.Metadata{
			EvaluationID:   "id-1",
			EvaluationTime: 4200,
			ModelUsed:      "codex",
			ParsingMethod:  "json",
			SchemaVersion:  model.SchemaVersion,
		},
		Extra: map[string]any{"ready_for_implementation": true},
	}
}

// --- Memory Store ---

func TestMemory_HitRewritesTimingMetadata(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 10)
	require.NoError(t, m.Put(ctx, "fp", sampleResponse(9)))

	got, ok, err := m.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9.0, got.Score)
	assert.Zero(t, got.Metadata.EvaluationTime)
	assert.Equal(t, ModelUsed, got.Metadata.ModelUsed)
	assert.Equal(t, "id-1", got.Metadata.EvaluationID)
	assert.Equal(t, true, got.Extra["ready_for_implementation"])
}

func TestMemory_RepeatedHitsAreIdentical(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 10)
	require.NoError(t, m.Put(ctx, "fp", sampleResponse(7)))

	first, ok, _ := m.Get(ctx, "fp")
	require.True(t, ok)
	second, ok, _ := m.Get(ctx, "fp")
	require.True(t, ok)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestMemory_HitMatchesOriginalExceptTiming(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 10)
	orig := sampleResponse(7)
	orig.Details = model.EmptyDetails()
	orig.Suggestions = []string{}
	require.NoError(t, m.Put(ctx, "fp", orig))

	hit, ok, err := m.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)

	want := orig.Clone()
	want.Metadata.EvaluationTime = 0
	want.Metadata.ModelUsed = ModelUsed
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(hit)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Contains(t, string(b), `"strengths":[]`)
}

func TestMemory_HitsAreIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 10)
	orig := sampleResponse(7)
	require.NoError(t, m.Put(ctx, "fp", orig))
	orig.Details.Strengths[0] = "mutated after put"

	got, _, _ := m.Get(ctx, "fp")
	got.Details.Strengths[0] = "mutated after get"
	got.Extra["new"] = 1

	again, _, _ := m.Get(ctx, "fp")
	assert.Equal(t, []string{"clear"}, again.Details.Strengths)
	assert.NotContains(t, again.Extra, "new")
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemory(time.Minute, 10, WithClock(clock.Now))
	require.NoError(t, m.Put(ctx, "fp", sampleResponse(8)))

	clock.Advance(59 * time.Second)
	_, ok, _ := m.Get(ctx, "fp")
	assert.True(t, ok, "fresh within TTL")

	clock.Advance(time.Second)
	_, ok, _ = m.Get(ctx, "fp")
	assert.False(t, ok, "an entry exactly TTL old is stale")
	assert.Equal(t, 0, m.Len(), "stale entry is evicted on read")
}

func TestMemory_FIFOEviction(t *testing.T) {
	ctx := context.Background()
	const capacity = 5
	m := NewMemory(time.Hour, capacity)

	for i := range capacity + 1 {
		require.NoError(t, m.Put(ctx, fmt.Sprintf("fp-%d", i), sampleResponse(float64(i))))
	}

	assert.Equal(t, capacity, m.Len())
	_, ok, _ := m.Get(ctx, "fp-0")
	assert.False(t, ok, "oldest insertion is evicted")
	for i := 1; i <= capacity; i++ {
		_, ok, _ := m.Get(ctx, fmt.Sprintf("fp-%d", i))
		assert.True(t, ok, "fp-%d must survive", i)
	}
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestMemory_ReadsDoNotProtectFromEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 2)
	require.NoError(t, m.Put(ctx, "a", sampleResponse(1)))
	require.NoError(t, m.Put(ctx, "b", sampleResponse(2)))

	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, m.Put(ctx, "c", sampleResponse(3)))
	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok, "FIFO, not LRU")
	_, ok, _ = m.Get(ctx, "b")
	assert.True(t, ok)
}

func TestMemory_RePutCountsAsNewInsertion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 2)
	require.NoError(t, m.Put(ctx, "a", sampleResponse(1)))
	require.NoError(t, m.Put(ctx, "b", sampleResponse(2)))
	require.NoError(t, m.Put(ctx, "a", sampleResponse(5)))
	require.NoError(t, m.Put(ctx, "c", sampleResponse(3)))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok)
	got, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Score)
}

func TestMemory_ZeroTTLDisables(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 10)
	require.NoError(t, m.Put(ctx, "fp", sampleResponse(9)))
	_, ok, _ := m.Get(ctx, "fp")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ClearAndStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 10)
	require.NoError(t, m.Put(ctx, "fp", sampleResponse(9)))
	_, _, _ = m.Get(ctx, "fp")
	_, _, _ = m.Get(ctx, "other")

	s := m.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)

	require.NoError(t, m.Clear(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 16)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("fp-%d", (w*200+i)%32)
				_ = m.Put(ctx, key, sampleResponse(float64(i%10)))
				_, _, _ = m.Get(ctx, key)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 16)
}

// --- Fingerprint ---

func TestFingerprint_Deterministic(t *testing.T) {
	in := FingerprintInput{Content: "doc", TargetScore: 8, Timeout: time.Minute, Template: "tmpl"}
	assert.Equal(t, Fingerprint(in), Fingerprint(in))
	assert.Len(t, Fingerprint(in), 64)
}

func TestFingerprint_EveryFieldMatters(t *testing.T) {
	base := FingerprintInput{
		Content:     "doc",
		TargetScore: 8,
		Timeout:     time.Minute,
		Template:    "tmpl",
		Mode:        model.ModeFlexible,
		ProjectPath: "/p",
		Engine:      "codex",
	}
	variants := map[string]func(*FingerprintInput){
		"content":  func(in *FingerprintInput) { in.Content = "doc2" },
		"target":   func(in *FingerprintInput) { in.TargetScore = 7.5 },
		"timeout":  func(in *FingerprintInput) { in.Timeout = 2 * time.Minute },
		"template": func(in *FingerprintInput) { in.Template = "tmpl v2" },
		"rubric":   func(in *FingerprintInput) { in.Rubric = &model.Rubric{Completeness: 1} },
		"mode":     func(in *FingerprintInput) { in.Mode = model.ModeStrict },
		"project":  func(in *FingerprintInput) { in.ProjectPath = "/q" },
		"engine":   func(in *FingerprintInput) { in.Engine = "mock" },
	}
	want := Fingerprint(base)
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			assert.NotEqual(t, want, Fingerprint(in))
		})
	}
}

func TestFingerprint_NoConcatenationCollision(t *testing.T) {
	a := FingerprintInput{Content: "ab", Template: "c"}
	b := FingerprintInput{Content: "a", Template: "bc"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_TargetScoreNormalized(t *testing.T) {
	a := FingerprintInput{Content: "doc", TargetScore: 8}
	b := FingerprintInput{Content: "doc", TargetScore: 8.0}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
