package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/agentops/platform/internal/cache"
	"github.com/agentops/platform/internal/graph"
	"github.com/agentops/platform/internal/metrics"
	"github.com/agentops/platform/internal/repository"
	"github.com/agentops/platform/internal/steps"
	"github.com/agentops/platform/internal/vector"
	"github.com/agentops/platform/pkg/audit"
	commonerrors "github.com/agentops/platform/pkg/errors"
	"github.com/agentops/platform/pkg/saga"
)

type fixedIDs int64

func (f fixedIDs) NextID() (int64, error) { return int64(f), nil }

type recordingAudit struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (r *recordingAudit) Log(_ context.Context, rec *audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingAudit) Query(context.Context, *audit.QueryFilter) ([]*audit.Record, error) {
	return nil, nil
}

func (r *recordingAudit) events() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.EventType
	}
	return out
}

type fakeWeaviate struct {
	mu        sync.Mutex
	imported  []*models.Object
	deleted   []string
	importErr error
	deleteErr error
	onImport  func()
	// reject fails the last reject objects of a batch after storing the rest.
	reject int
}

func (f *fakeWeaviate) importFn(_ context.Context, objects []*models.Object) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onImport != nil {
		f.onImport()
	}
	if f.importErr != nil {
		return nil, f.importErr
	}
	if f.reject > 0 && f.reject <= len(objects) {
		kept := len(objects) - f.reject
		f.imported = append(f.imported, objects[:kept]...)
		var failures []string
		for _, o := range objects[kept:] {
			failures = append(failures, string(o.ID)+": rejected")
		}
		return failures, nil
	}
	f.imported = append(f.imported, objects...)
	return nil, nil
}

func (f *fakeWeaviate) deleteFn(_ context.Context, _, agentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, agentID)
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	n := int64(len(f.imported))
	f.imported = nil
	return n, nil
}

type harness struct {
	svc     *AgentSagaService
	sql     sqlmock.Sqlmock
	redis   *miniredis.Miniredis
	vectors *fakeWeaviate
	graph   *graph.Store
	audit   *recordingAudit
	store   *saga.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g, err := graph.Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	wv := &fakeWeaviate{}
	rec := &recordingAudit{}
	store := saga.NewMemoryStore()

	svc := NewAgentSagaService(Deps{
		Agents:   repository.NewAgentRepository(db),
		IDs:      fixedIDs(42),
		Sessions: cache.NewSessionCache(client, cache.DefaultOptions),
		Vectors:  vector.NewIndexWithFuncs("AgentEmbedding", wv.importFn, wv.deleteFn),
		Graph:    g,
		Store:    store,
		Audit:    rec,
		Metrics:  metrics.New(),
	})
	svc.newTxID = func() string { return "tx-test" }

	return &harness{svc: svc, sql: mock, redis: mr, vectors: wv, graph: g, audit: rec, store: store}
}

func validRequest() *CreateAgentSagaRequest {
	return &CreateAgentSagaRequest{
		OrganizationID: 7,
		Agent:          steps.AgentData{Name: "planner", Model: "m-1", Config: map[string]any{"api_key": "sk-secret"}},
		Session:        map[string]any{"locale": "en"},
		Embeddings:     [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
	}
}

func TestCreateAgentSagaSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.graph.CreateNode(ctx, &graph.Node{ID: "team:core", OrganizationID: 7, Kind: "team"}, nil))

	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))

	req := validRequest()
	req.Relationships = []graph.Relationship{{Type: "MEMBER_OF", TargetID: "team:core"}}
	resp := h.svc.CreateAgentSaga(ctx, req)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "tx-test", resp.TransactionID)
	assert.Equal(t, int64(42), resp.AgentID)
	assert.Empty(t, resp.FailedStep)
	assert.Empty(t, resp.ErrorCode)

	require.NoError(t, h.sql.ExpectationsWereMet())
	assert.True(t, h.redis.Exists(cache.Key(42)))
	assert.Len(t, h.vectors.imported, 2)
	edges, err := h.graph.Neighbors(ctx, 7, "agent:42", "MEMBER_OF")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	log, err := h.store.Get(ctx, "tx-test")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, log.Status)

	assert.Equal(t, []audit.EventType{audit.EventAgentCreated}, h.audit.events())
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.audit.records[0].Params), &params))
	assert.Equal(t, audit.Redacted, params["config"].(map[string]any)["api_key"])
}

func TestCreateAgentSagaVectorFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.vectors.importErr = errors.New("weaviate unavailable")

	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("UPDATE agentops.agents").
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := h.svc.CreateAgentSaga(context.Background(), validRequest())

	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, steps.NameVectorIndex, resp.FailedStep)
	assert.True(t, resp.Compensated)
	assert.Empty(t, resp.CompensationFailures)
	assert.Equal(t, commonerrors.CodeSagaFailed, resp.ErrorCode)
	assert.Zero(t, resp.AgentID)

	// Row soft-deleted, cache key removed, the failed step cleaned up after
	// itself and was not compensated again.
	require.NoError(t, h.sql.ExpectationsWereMet())
	assert.False(t, h.redis.Exists(cache.Key(42)))
	assert.Equal(t, []string{"42"}, h.vectors.deleted)

	log, err := h.store.Get(context.Background(), "tx-test")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, log.Status)
	assert.Equal(t, steps.NameVectorIndex, log.FailedStep)

	assert.Equal(t, []audit.EventType{audit.EventAgentRolledBack}, h.audit.events())
	assert.Equal(t, steps.NameVectorIndex, h.audit.records[0].FailedStep)
}

func TestCreateAgentSagaPartialBatchLeavesNoVectors(t *testing.T) {
	h := newHarness(t)
	h.vectors.reject = 1

	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("UPDATE agentops.agents").WillReturnResult(sqlmock.NewResult(0, 1))

	resp := h.svc.CreateAgentSaga(context.Background(), validRequest())

	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, steps.NameVectorIndex, resp.FailedStep)
	assert.True(t, resp.Compensated)
	assert.Equal(t, commonerrors.CodeSagaFailed, resp.ErrorCode)
	assert.Empty(t, h.vectors.imported, "vectors stored before the batch failed are removed")
	assert.Equal(t, []string{"42"}, h.vectors.deleted)
	require.NoError(t, h.sql.ExpectationsWereMet())
}

func TestCreateAgentSagaPartialBatchCleanupFailure(t *testing.T) {
	h := newHarness(t)
	h.vectors.reject = 1
	h.vectors.deleteErr = errors.New("weaviate timeout")

	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("UPDATE agentops.agents").WillReturnResult(sqlmock.NewResult(0, 1))

	resp := h.svc.CreateAgentSaga(context.Background(), validRequest())

	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, steps.NameVectorIndex, resp.FailedStep)
	assert.False(t, resp.Compensated)
	assert.Equal(t, []string{steps.NameVectorIndex}, resp.CompensationFailures)
	assert.Equal(t, commonerrors.CodeCompensationFailed, resp.ErrorCode)
	assert.Len(t, h.vectors.imported, 1)

	// The rest of the saga still rolled back.
	require.NoError(t, h.sql.ExpectationsWereMet())
	assert.False(t, h.redis.Exists(cache.Key(42)))

	log, err := h.store.Get(context.Background(), "tx-test")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, log.Status)
	assert.Equal(t, []audit.EventType{audit.EventAgentSagaFailed}, h.audit.events())
}

func TestCreateAgentSagaCompensationFailure(t *testing.T) {
	h := newHarness(t)
	h.vectors.importErr = errors.New("weaviate unavailable")

	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("UPDATE agentops.agents").WillReturnError(errors.New("connection reset"))

	resp := h.svc.CreateAgentSaga(context.Background(), validRequest())

	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, steps.NameVectorIndex, resp.FailedStep)
	assert.False(t, resp.Compensated)
	assert.Equal(t, []string{steps.NameAgentRow}, resp.CompensationFailures)
	assert.Equal(t, commonerrors.CodeCompensationFailed, resp.ErrorCode)

	// The session step still rolled back.
	assert.False(t, h.redis.Exists(cache.Key(42)))

	log, err := h.store.Get(context.Background(), "tx-test")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, log.Status)
	assert.Len(t, log.CompensationErrors, 1)
	assert.Equal(t, []audit.EventType{audit.EventAgentSagaFailed}, h.audit.events())
}

func TestCreateAgentSagaUnknownRelationshipTarget(t *testing.T) {
	h := newHarness(t)
	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("UPDATE agentops.agents").WillReturnResult(sqlmock.NewResult(0, 1))

	req := validRequest()
	req.Relationships = []graph.Relationship{{Type: "REPORTS_TO", TargetID: "agent:404"}}
	resp := h.svc.CreateAgentSaga(context.Background(), req)

	assert.Equal(t, steps.NameGraphNode, resp.FailedStep)
	assert.True(t, resp.Compensated)
	assert.Equal(t, commonerrors.CodeRelationshipInvalid, resp.ErrorCode)
	assert.Equal(t, []string{"42"}, h.vectors.deleted)
	require.NoError(t, h.sql.ExpectationsWereMet())
}

func TestCreateAgentSagaDuplicateName(t *testing.T) {
	h := newHarness(t)
	h.svc.deps.Agents = conflictingAgents{}

	resp := h.svc.CreateAgentSaga(context.Background(), validRequest())

	assert.Equal(t, steps.NameAgentRow, resp.FailedStep)
	assert.True(t, resp.Compensated)
	assert.Equal(t, commonerrors.CodeAgentExists, resp.ErrorCode)
	assert.False(t, h.redis.Exists(cache.Key(42)))
}

type conflictingAgents struct{}

func (conflictingAgents) CreateAgent(context.Context, *repository.Agent) error {
	return repository.ErrAgentExists
}

func (conflictingAgents) DeactivateAgent(context.Context, int64, int64) error { return nil }

func TestCreateAgentSagaCancelledMidway(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.vectors.onImport = cancel

	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("UPDATE agentops.agents").WillReturnResult(sqlmock.NewResult(0, 1))

	resp := h.svc.CreateAgentSaga(ctx, validRequest())

	assert.Equal(t, StatusFailed, resp.Status)
	assert.Empty(t, resp.FailedStep)
	assert.True(t, resp.Compensated)
	assert.Equal(t, commonerrors.CodeCanceled, resp.ErrorCode)

	// The vector step finished before the cancellation was seen, so it is
	// compensated along with the others.
	assert.Equal(t, []string{"42"}, h.vectors.deleted)
	assert.False(t, h.redis.Exists(cache.Key(42)))
	require.NoError(t, h.sql.ExpectationsWereMet())
}

func TestCreateAgentSagaRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateAgentSagaRequest)
		field  string
		code   commonerrors.Code
	}{
		{"organization", func(r *CreateAgentSagaRequest) { r.OrganizationID = 0 }, "organizationId", commonerrors.CodeInvalidParam},
		{"name", func(r *CreateAgentSagaRequest) { r.Agent.Name = "" }, "agent.name", commonerrors.CodeInvalidParam},
		{"embeddings", func(r *CreateAgentSagaRequest) { r.Embeddings = nil }, "embeddings", commonerrors.CodeInvalidParam},
		{"ragged embeddings", func(r *CreateAgentSagaRequest) { r.Embeddings = [][]float32{{1, 2}, {1}} }, "embeddings", commonerrors.CodeInvalidParam},
		{"relationship type", func(r *CreateAgentSagaRequest) {
			r.Relationships = []graph.Relationship{{Type: "member-of", TargetID: "team:core"}}
		}, "relationships[0].type", commonerrors.CodeRelationshipInvalid},
		{"relationship target", func(r *CreateAgentSagaRequest) {
			r.Relationships = []graph.Relationship{{Type: "MEMBER_OF", TargetID: "core"}}
		}, "relationships[0].targetId", commonerrors.CodeRelationshipInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tt.mutate(req)

			resp := h.svc.CreateAgentSaga(context.Background(), req)

			assert.Equal(t, StatusFailed, resp.Status)
			assert.Empty(t, resp.TransactionID)
			assert.Equal(t, tt.code, resp.ErrorCode)
			require.NotEmpty(t, resp.Errors)
			assert.Equal(t, tt.field, resp.Errors[0].Field)

			// No store was touched.
			require.NoError(t, h.sql.ExpectationsWereMet())
			assert.Empty(t, h.redis.Keys())
			assert.Empty(t, h.vectors.imported)
			assert.Equal(t, []audit.EventType{audit.EventAgentRejected}, h.audit.events())
		})
	}
}

func TestCreateAgentSagaNilRequest(t *testing.T) {
	h := newHarness(t)
	resp := h.svc.CreateAgentSaga(context.Background(), nil)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, commonerrors.CodeInvalidParam, resp.ErrorCode)
}

func TestStepsAreFreshPerCall(t *testing.T) {
	h := newHarness(t)
	a, b := h.svc.Steps(), h.svc.Steps()
	require.Len(t, a, 4)
	names := make([]string, len(a))
	for i := range a {
		assert.NotSame(t, a[i], b[i])
		names[i] = a[i].Name()
	}
	assert.Equal(t, []string{steps.NameAgentRow, steps.NameSessionCache, steps.NameVectorIndex, steps.NameGraphNode}, names)
}

// Sequential sagas for distinct agents do not interfere.
func TestCreateAgentSagaIndependentRuns(t *testing.T) {
	h := newHarness(t)
	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectExec("INSERT INTO agentops.agents").WillReturnResult(sqlmock.NewResult(1, 1))

	ids := []int64{100, 101}
	for i, id := range ids {
		h.svc.deps.IDs = fixedIDs(id)
		h.svc.newTxID = func() string { return "tx-" + strconv.Itoa(i) }
		resp := h.svc.CreateAgentSaga(context.Background(), validRequest())
		require.Equal(t, StatusSuccess, resp.Status)
		assert.Equal(t, id, resp.AgentID)
		assert.True(t, h.redis.Exists(cache.Key(id)))
	}
	require.NoError(t, h.sql.ExpectationsWereMet())
}
