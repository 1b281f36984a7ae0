// internal/engine/engine_test.go
package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"persona-engine/internal/cache"
	"persona-engine/internal/chat"
	"persona-engine/internal/common/config"
	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/composer"
	"persona-engine/internal/extractor"
	"persona-engine/internal/gate"
	"persona-engine/internal/models"
	"persona-engine/internal/persona"
	"persona-engine/internal/retrieval"
	"persona-engine/internal/safety"
	"persona-engine/internal/synthesis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stageGate answers by stage name, so one fake serves the whole pipeline.
type stageGate struct {
	mu        sync.Mutex
	jobs      []gate.Job
	responses map[string]string
}

func (f *stageGate) Submit(ctx context.Context, job gate.Job) (gate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return gate.Result{Text: f.responses[job.Request.Stage]}, nil
}

func (f *stageGate) countByStage(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Request.Stage == stage {
			n++
		}
	}
	return n
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]string)}
}

func (m *memoryCache) Get(ctx context.Context, stage, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[stage+":"+key]
	return v, ok, nil
}

func (m *memoryCache) Put(ctx context.Context, stage, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[stage+":"+key] = value
	return nil
}

type fakeMetadataStore struct {
	mu    sync.Mutex
	saved []models.ArticleMetadata
}

func (f *fakeMetadataStore) Save(ctx context.Context, meta models.ArticleMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, meta)
	return nil
}

func (f *fakeMetadataStore) Current(ctx context.Context) ([]models.ArticleMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ArticleMetadata(nil), f.saved...), nil
}

type fakeAdjustmentStore struct {
	saved []models.PersonaAdjustment
}

func (f *fakeAdjustmentStore) Append(ctx context.Context, adj models.PersonaAdjustment) error {
	f.saved = append(f.saved, adj)
	return nil
}

type fakeSegmentStore struct {
	saved []models.ComposedSegment
}

func (f *fakeSegmentStore) Save(ctx context.Context, segment models.ComposedSegment) error {
	f.saved = append(f.saved, segment)
	return nil
}

const extractionResponse = `{
  "summary": "Company X reports record profits driven by cloud services growth.",
  "sentiment": {"label": "positive", "score": 0.8},
  "keywords": ["cloud", "profits", "growth", "services", "earnings"],
  "topics": ["business", "technology"]
}`

// voicedResponse is ~20 words, inside the test composer's tolerance band.
const voicedResponse = "Folks, Company X just posted record profits, and the cloud is doing the heavy lifting; services growth simply will not quit."

type testHarness struct {
	engine      *Engine
	gate        *stageGate
	metadata    *fakeMetadataStore
	adjustments *fakeAdjustmentStore
	segments    *fakeSegmentStore
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := logger.NewNoOpLogger()
	validator := safety.NewValidator(safety.Config{MaxInputLength: 100000, MaxOutputLength: 100000})
	mc := newMemoryCache()
	index := retrieval.NewIndex(retrieval.Config{RecencyHalfLifeHours: 48, MinRelevance: 0.05})
	registry := persona.NewRegistry([]config.PersonaConfig{{
		Name:            "anchor",
		Tone:            "neutral",
		Style:           "conversational",
		Formality:       "casual",
		VocabularyLevel: "general",
		Humor:           "none",
		Temperature:     0.5,
		Guidance:        0.5,
	}}, log)

	g := &stageGate{responses: map[string]string{
		cache.StageMetadata:    extractionResponse,
		cache.StageSynthesis:   "Cloud-driven profits are up across the sector.",
		cache.StageComposition: voicedResponse,
		"chat-parse":           `{"tone": "sarcastic", "temperature": 0.7}`,
	}}

	ex := extractor.New(g, mc, validator, extractor.Config{
		ContextBudget: 6000,
		ModelVersion:  "local-8b-v3",
		CacheTTL:      time.Hour,
		Deadline:      time.Minute,
	}, log)
	synth := synthesis.New(g, mc, index, validator, synthesis.Config{
		MaxQueryLength: 500,
		TopK:           5,
		CacheTTL:       time.Hour,
		Deadline:       time.Minute,
	}, log)
	comp := composer.New(g, mc, validator, composer.Config{
		TargetWords: 20,
		CacheTTL:    time.Hour,
		Deadline:    time.Minute,
	}, log)
	adj := chat.New(g, registry, comp, validator, chat.Config{
		BasePersona:      "anchor",
		MaxMessageLength: 500,
		Deadline:         15 * time.Second,
	}, log)

	h := &testHarness{
		gate:        g,
		metadata:    &fakeMetadataStore{},
		adjustments: &fakeAdjustmentStore{},
		segments:    &fakeSegmentStore{},
	}
	h.engine = New(Deps{
		Extractor:   ex,
		Synthesizer: synth,
		Composer:    comp,
		Adjuster:    adj,
		Registry:    registry,
		Index:       index,
		Metadata:    h.metadata,
		Adjustments: h.adjustments,
		Segments:    h.segments,
	}, log)
	return h
}

func testArticle(id int64) models.Article {
	return models.Article{
		ID:          id,
		Title:       "Company X reports record profits",
		Body:        "Company X reports record profits driven by cloud services growth.",
		PublishedAt: time.Now().UTC().Add(-time.Hour),
		ContentHash: "hash-" + string(rune('a'+id)),
	}
}

func TestEngine_ExtractMetadataIndexesAndPersists(t *testing.T) {
	h := newHarness(t)

	meta := h.engine.ExtractMetadata(context.Background(), testArticle(1))

	assert.NotEmpty(t, meta.Summary)
	assert.Contains(t, []string{models.SentimentPositive, models.SentimentNegative, models.SentimentNeutral}, meta.Sentiment.Label)
	assert.GreaterOrEqual(t, len(meta.Keywords), 5)
	assert.LessOrEqual(t, len(meta.Keywords), 10)

	require.Len(t, h.metadata.saved, 1)
	assert.Equal(t, 1, h.engine.index.Len())
}

func TestEngine_RunConsumesStreamUntilClosed(t *testing.T) {
	h := newHarness(t)

	articles := make(chan models.Article, 2)
	articles <- testArticle(1)
	articles <- testArticle(2)
	close(articles)

	require.NoError(t, h.engine.Run(context.Background(), articles))
	assert.Len(t, h.metadata.saved, 2)
	assert.Equal(t, 2, h.engine.index.Len())
}

func TestEngine_RunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.engine.Run(ctx, make(chan models.Article))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_FullPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine.ExtractMetadata(ctx, testArticle(1))

	result, err := h.engine.SynthesizeForSession(ctx, "s1", "cloud profits growth", []int64{1})
	require.NoError(t, err)
	require.False(t, result.Empty)

	segment, err := h.engine.Compose(ctx, result, "anchor", nil)
	require.NoError(t, err)
	assert.Equal(t, voicedResponse, segment.Text)
	assert.False(t, segment.Degraded)
	require.Len(t, h.segments.saved, 1)

	adjustment, recomposed, err := h.engine.Chat(ctx, "s1", "make it more sarcastic and raise the temperature a bit")
	require.NoError(t, err)
	require.NotNil(t, recomposed)
	require.NotNil(t, adjustment.AppliedDelta.Tone)
	assert.Equal(t, "sarcastic", *adjustment.AppliedDelta.Tone)
	assert.Equal(t, "sarcastic", recomposed.PersonaSnapshot.Tone)

	require.Len(t, h.adjustments.saved, 1)
	assert.Len(t, h.segments.saved, 2)

	// The recomposition ran under a new persona snapshot, so it could not be
	// served from the composition cache.
	assert.Equal(t, 2, h.gate.countByStage(cache.StageComposition))
}

func TestEngine_SynthesizeEmptyPoolNoModelCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine.ExtractMetadata(ctx, testArticle(1))
	before := h.gate.countByStage(cache.StageSynthesis)

	result, err := h.engine.Synthesize(ctx, "underwater basket weaving", []int64{1})
	require.NoError(t, err)
	assert.True(t, result.Empty)
	assert.Equal(t, before, h.gate.countByStage(cache.StageSynthesis))
}

func TestEngine_ComposeUnknownPersona(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Compose(context.Background(), models.SynthesisResult{CacheKey: "k"}, "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodePersonaNotFound, stderrors.CodeOf(err))
}

func TestEngine_RestoreRebuildsIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine.ExtractMetadata(ctx, testArticle(1))

	rebuilt := newHarness(t)
	rebuilt.metadata.saved = h.metadata.saved
	require.NoError(t, rebuilt.engine.Restore(ctx))
	assert.Equal(t, 1, rebuilt.engine.index.Len())
}
