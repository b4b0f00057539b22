package steps

import (
	"context"
	"time"

	"github.com/agentops/platform/internal/repository"
	"github.com/agentops/platform/pkg/saga"
)

type AgentWriter interface {
	CreateAgent(ctx context.Context, a *repository.Agent) error
	DeactivateAgent(ctx context.Context, agentID, atMs int64) error
}

type IDSource interface {
	NextID() (int64, error)
}

// AgentRowStep inserts the agent row; compensation soft-deletes it.
type AgentRowStep struct {
	store AgentWriter
	ids   IDSource
	now   func() time.Time

	agentID int64
}

func NewAgentRowStep(store AgentWriter, ids IDSource) *AgentRowStep {
	return &AgentRowStep{store: store, ids: ids, now: time.Now}
}

func (s *AgentRowStep) Name() string { return NameAgentRow }

func (s *AgentRowStep) Execute(ctx context.Context, sc saga.Context) (saga.Result, error) {
	org, err := saga.Lookup[int64](sc, KeyOrganizationID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	data, err := saga.Lookup[AgentData](sc, KeyAgentData)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	nowMs := s.now().UnixMilli()
	agent := &repository.Agent{
		AgentID:        id,
		OrganizationID: org,
		Name:           data.Name,
		Description:    data.Description,
		Model:          data.Model,
		Config:         data.Config,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	s.agentID = id
	return saga.Result{KeyAgentID: id, KeyAgentName: data.Name}, nil
}

func (s *AgentRowStep) Compensate(ctx context.Context, _ saga.Context) error {
	if s.agentID == 0 {
		return nil
	}
	if err := s.store.DeactivateAgent(ctx, s.agentID, s.now().UnixMilli()); err != nil {
		return saga.NewStepError(s.Name(), saga.OpCompensate, err)
	}
	return nil
}
