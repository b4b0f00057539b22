package steps

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/platform/internal/cache"
	"github.com/agentops/platform/internal/graph"
	"github.com/agentops/platform/internal/repository"
	"github.com/agentops/platform/internal/vector"
	"github.com/agentops/platform/pkg/saga"
)

var errBoom = errors.New("boom")

type fixedIDs struct {
	id  int64
	err error
}

func (f fixedIDs) NextID() (int64, error) { return f.id, f.err }

type fakeAgents struct {
	created     []*repository.Agent
	deactivated []int64
	createErr   error
	deactErr    error
}

func (f *fakeAgents) CreateAgent(_ context.Context, a *repository.Agent) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, a)
	return nil
}

func (f *fakeAgents) DeactivateAgent(_ context.Context, agentID, _ int64) error {
	if f.deactErr != nil {
		return f.deactErr
	}
	f.deactivated = append(f.deactivated, agentID)
	return nil
}

type fakeVectors struct {
	upserted  [][]float32
	deleted   []int64
	upsertErr error
	deleteErr error
}

func (f *fakeVectors) Upsert(_ context.Context, _, _ int64, embeddings [][]float32) (*vector.UpsertResult, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserted = embeddings
	return &vector.UpsertResult{OperationID: "op-1", Count: len(embeddings)}, nil
}

func (f *fakeVectors) DeleteByAgent(_ context.Context, agentID int64) (int64, error) {
	f.deleted = append(f.deleted, agentID)
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return 1, nil
}

func assertStepError(t *testing.T, err error, step string, op saga.Op) *saga.StepError {
	t.Helper()
	var se *saga.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, step, se.Step)
	assert.Equal(t, op, se.Op)
	return se
}

func TestAgentRowStep(t *testing.T) {
	store := &fakeAgents{}
	step := NewAgentRowStep(store, fixedIDs{id: 42})
	step.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	sc := saga.Context{
		KeyOrganizationID: int64(7),
		KeyAgentData:      AgentData{Name: "planner", Model: "m-1", Config: map[string]any{"temp": 0.2}},
	}
	res, err := step.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, saga.Result{KeyAgentID: int64(42), KeyAgentName: "planner"}, res)

	require.Len(t, store.created, 1)
	a := store.created[0]
	assert.Equal(t, int64(42), a.AgentID)
	assert.Equal(t, int64(7), a.OrganizationID)
	assert.Equal(t, "m-1", a.Model)
	assert.Equal(t, int64(1_700_000_000_000), a.CreatedAtMs)

	require.NoError(t, step.Compensate(context.Background(), sc))
	assert.Equal(t, []int64{42}, store.deactivated)
}

func TestAgentRowStepErrors(t *testing.T) {
	t.Run("missing organization", func(t *testing.T) {
		step := NewAgentRowStep(&fakeAgents{}, fixedIDs{id: 1})
		_, err := step.Execute(context.Background(), saga.Context{KeyAgentData: AgentData{Name: "a"}})
		assertStepError(t, err, NameAgentRow, saga.OpExecute)
		assert.ErrorIs(t, err, saga.ErrMissingKey)
	})

	t.Run("wrong agent data type", func(t *testing.T) {
		step := NewAgentRowStep(&fakeAgents{}, fixedIDs{id: 1})
		_, err := step.Execute(context.Background(), saga.Context{
			KeyOrganizationID: int64(1),
			KeyAgentData:      map[string]any{"name": "a"},
		})
		assert.ErrorIs(t, err, saga.ErrKeyType)
	})

	t.Run("id source", func(t *testing.T) {
		step := NewAgentRowStep(&fakeAgents{}, fixedIDs{err: errBoom})
		_, err := step.Execute(context.Background(), saga.Context{
			KeyOrganizationID: int64(1),
			KeyAgentData:      AgentData{Name: "a"},
		})
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("insert conflict", func(t *testing.T) {
		store := &fakeAgents{createErr: repository.ErrAgentExists}
		step := NewAgentRowStep(store, fixedIDs{id: 1})
		_, err := step.Execute(context.Background(), saga.Context{
			KeyOrganizationID: int64(1),
			KeyAgentData:      AgentData{Name: "a"},
		})
		assertStepError(t, err, NameAgentRow, saga.OpExecute)
		assert.ErrorIs(t, err, repository.ErrAgentExists)

		// Nothing was written, so nothing to undo.
		require.NoError(t, step.Compensate(context.Background(), nil))
		assert.Empty(t, store.deactivated)
	})

	t.Run("compensation failure", func(t *testing.T) {
		store := &fakeAgents{deactErr: errBoom}
		step := NewAgentRowStep(store, fixedIDs{id: 9})
		_, err := step.Execute(context.Background(), saga.Context{
			KeyOrganizationID: int64(1),
			KeyAgentData:      AgentData{Name: "a"},
		})
		require.NoError(t, err)
		err = step.Compensate(context.Background(), nil)
		assertStepError(t, err, NameAgentRow, saga.OpCompensate)
	})
}

func TestSessionCacheStep(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := cache.NewSessionCache(client, cache.Options{
		DefaultTTL: time.Hour, MinTTL: time.Minute, MaxTTL: 24 * time.Hour,
	})

	step := NewSessionCacheStep(sessions)
	sc := saga.Context{
		KeyAgentID:        int64(42),
		KeyOrganizationID: int64(7),
		KeySessionData:    map[string]any{"locale": "en", SessionTTLField: float64(120)},
	}
	res, err := step.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, cache.Key(42), res[KeyCacheKey])
	assert.Equal(t, 2*time.Minute, res[KeyCacheTTL])
	assert.True(t, mr.Exists(cache.Key(42)))
	assert.Equal(t, 2*time.Minute, mr.TTL(cache.Key(42)))

	require.NoError(t, step.Compensate(context.Background(), sc))
	assert.False(t, mr.Exists(cache.Key(42)))
}

func TestSessionCacheStepWithoutSessionData(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	step := NewSessionCacheStep(cache.NewSessionCache(client, cache.DefaultOptions))
	res, err := step.Execute(context.Background(), saga.Context{
		KeyAgentID:        int64(1),
		KeyOrganizationID: int64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultOptions.DefaultTTL, res[KeyCacheTTL])
}

func TestSessionCacheStepUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	step := NewSessionCacheStep(cache.NewSessionCache(client, cache.DefaultOptions))
	_, err := step.Execute(context.Background(), saga.Context{
		KeyAgentID:        int64(1),
		KeyOrganizationID: int64(1),
	})
	assertStepError(t, err, NameSessionCache, saga.OpExecute)
	require.NoError(t, step.Compensate(context.Background(), nil))
}

func TestRequestedTTL(t *testing.T) {
	tests := []struct {
		data map[string]any
		want time.Duration
	}{
		{nil, 0},
		{map[string]any{SessionTTLField: 30}, 30 * time.Second},
		{map[string]any{SessionTTLField: int64(60)}, time.Minute},
		{map[string]any{SessionTTLField: 1.5}, 1500 * time.Millisecond},
		{map[string]any{SessionTTLField: "90"}, 0},
		{map[string]any{SessionTTLField: -5}, 0},
		{map[string]any{SessionTTLField: math.NaN()}, 0},
		{map[string]any{SessionTTLField: 1e300}, time.Duration(maxTTLSeconds) * time.Second},
		{map[string]any{SessionTTLField: int64(math.MaxInt64)}, time.Duration(maxTTLSeconds) * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requestedTTL(tt.data), "%v", tt.data)
	}
}

func TestVectorIndexStep(t *testing.T) {
	index := &fakeVectors{}
	step := NewVectorIndexStep(index)
	embeddings := [][]float32{{0.1, 0.2}, {0.3, 0.4}}
	sc := saga.Context{
		KeyAgentID:        int64(42),
		KeyOrganizationID: int64(7),
		KeyEmbeddings:     embeddings,
	}

	res, err := step.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, saga.Result{KeyVectorOperationID: "op-1", KeyVectorCount: 2}, res)
	assert.Equal(t, embeddings, index.upserted)

	require.NoError(t, step.Compensate(context.Background(), sc))
	assert.Equal(t, []int64{42}, index.deleted)
}

func TestVectorIndexStepFailedUpsertCleansUp(t *testing.T) {
	index := &fakeVectors{upsertErr: vector.ErrPartialBatch}
	step := NewVectorIndexStep(index)
	_, err := step.Execute(context.Background(), saga.Context{
		KeyAgentID:        int64(42),
		KeyOrganizationID: int64(7),
		KeyEmbeddings:     [][]float32{{1}},
	})
	assertStepError(t, err, NameVectorIndex, saga.OpExecute)
	assert.ErrorIs(t, err, vector.ErrPartialBatch)
	assert.NotErrorIs(t, err, saga.ErrPartialWrite)
	assert.Equal(t, []int64{42}, index.deleted, "stored objects cleared by the failing step")

	// Nothing left for a compensation to undo.
	require.NoError(t, step.Compensate(context.Background(), nil))
	assert.Equal(t, []int64{42}, index.deleted)
}

func TestVectorIndexStepFailedCleanupIsPartialWrite(t *testing.T) {
	cleanupErr := errors.New("weaviate timeout")
	index := &fakeVectors{upsertErr: vector.ErrPartialBatch, deleteErr: cleanupErr}
	step := NewVectorIndexStep(index)
	_, err := step.Execute(context.Background(), saga.Context{
		KeyAgentID:        int64(42),
		KeyOrganizationID: int64(7),
		KeyEmbeddings:     [][]float32{{1}},
	})
	assertStepError(t, err, NameVectorIndex, saga.OpExecute)
	assert.ErrorIs(t, err, vector.ErrPartialBatch)
	assert.ErrorIs(t, err, saga.ErrPartialWrite)
	assert.ErrorIs(t, err, cleanupErr)
}

func TestVectorIndexStepMissingEmbeddings(t *testing.T) {
	index := &fakeVectors{}
	step := NewVectorIndexStep(index)
	_, err := step.Execute(context.Background(), saga.Context{
		KeyAgentID:        int64(42),
		KeyOrganizationID: int64(7),
	})
	assert.ErrorIs(t, err, saga.ErrMissingKey)
	require.NoError(t, step.Compensate(context.Background(), nil))
	assert.Empty(t, index.deleted)
}

func openGraph(t *testing.T) *graph.Store {
	t.Helper()
	g, err := graph.Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGraphNodeStep(t *testing.T) {
	g := openGraph(t)
	ctx := context.Background()
	require.NoError(t, g.CreateNode(ctx, &graph.Node{ID: "team:core", OrganizationID: 7, Kind: "team"}, nil))

	step := NewGraphNodeStep(g)
	sc := saga.Context{
		KeyAgentID:        int64(42),
		KeyAgentName:      "planner",
		KeyOrganizationID: int64(7),
		KeyRelationships:  []graph.Relationship{{Type: "MEMBER_OF", TargetID: "team:core"}},
	}
	res, err := step.Execute(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, saga.Result{KeyGraphNodeID: "agent:42"}, res)

	node, err := g.GetNode(ctx, 7, "agent:42")
	require.NoError(t, err)
	assert.Equal(t, "planner", node.Properties["name"])
	edges, err := g.Neighbors(ctx, 7, "agent:42", "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "team:core", edges[0].To)

	require.NoError(t, step.Compensate(ctx, sc))
	_, err = g.GetNode(ctx, 7, "agent:42")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestGraphNodeStepUnknownTarget(t *testing.T) {
	g := openGraph(t)
	step := NewGraphNodeStep(g)
	_, err := step.Execute(context.Background(), saga.Context{
		KeyAgentID:        int64(42),
		KeyOrganizationID: int64(7),
		KeyRelationships:  []graph.Relationship{{Type: "MEMBER_OF", TargetID: "team:ghost"}},
	})
	assertStepError(t, err, NameGraphNode, saga.OpExecute)
	assert.ErrorIs(t, err, graph.ErrTargetNotFound)

	_, err = g.GetNode(context.Background(), 7, "agent:42")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

// Failure in the last step unwinds the three before it through the real
// engine.
func TestAgentStepsUnwindThroughTransaction(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	agents := &fakeAgents{}
	vectors := &fakeVectors{}
	g := openGraph(t)

	tx, err := saga.NewTransaction("tx-1", []saga.Step{
		NewAgentRowStep(agents, fixedIDs{id: 42}),
		NewSessionCacheStep(cache.NewSessionCache(client, cache.DefaultOptions)),
		NewVectorIndexStep(vectors),
		NewGraphNodeStep(g),
	})
	require.NoError(t, err)

	_, err = tx.Execute(context.Background(), saga.Context{
		KeyOrganizationID: int64(7),
		KeyAgentData:      AgentData{Name: "planner"},
		KeyEmbeddings:     [][]float32{{1, 2}},
		KeyRelationships:  []graph.Relationship{{Type: "REPORTS_TO", TargetID: "agent:404"}},
	})
	var txErr *saga.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, NameGraphNode, txErr.FailedStep)
	assert.Equal(t, saga.StatusCompensated, tx.Status())

	assert.Equal(t, []int64{42}, agents.deactivated)
	assert.Equal(t, []int64{42}, vectors.deleted)
	assert.False(t, mr.Exists(cache.Key(42)))
}
