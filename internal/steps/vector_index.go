package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentops/platform/internal/vector"
	"github.com/agentops/platform/pkg/saga"
)

type VectorWriter interface {
	Upsert(ctx context.Context, organizationID, agentID int64, embeddings [][]float32) (*vector.UpsertResult, error)
	DeleteByAgent(ctx context.Context, agentID int64) (int64, error)
}

// VectorIndexStep indexes the agent's embeddings; compensation deletes
// every vector tagged with the agent.
type VectorIndexStep struct {
	index VectorWriter

	agentID int64
}

func NewVectorIndexStep(index VectorWriter) *VectorIndexStep {
	return &VectorIndexStep{index: index}
}

func (s *VectorIndexStep) Name() string { return NameVectorIndex }

func (s *VectorIndexStep) Execute(ctx context.Context, sc saga.Context) (saga.Result, error) {
	agentID, err := saga.Lookup[int64](sc, KeyAgentID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	org, err := saga.Lookup[int64](sc, KeyOrganizationID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	embeddings, err := saga.Lookup[[][]float32](sc, KeyEmbeddings)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	res, err := s.index.Upsert(ctx, org, agentID, embeddings)
	if err != nil {
		// A failed step is never compensated, and a batch that failed halfway
		// may have stored some objects. Clear them here.
		if _, cleanErr := s.index.DeleteByAgent(ctx, agentID); cleanErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", saga.ErrPartialWrite, cleanErr))
		}
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	s.agentID = agentID
	return saga.Result{KeyVectorOperationID: res.OperationID, KeyVectorCount: res.Count}, nil
}

func (s *VectorIndexStep) Compensate(ctx context.Context, _ saga.Context) error {
	if s.agentID == 0 {
		return nil
	}
	if _, err := s.index.DeleteByAgent(ctx, s.agentID); err != nil {
		return saga.NewStepError(s.Name(), saga.OpCompensate, err)
	}
	return nil
}
