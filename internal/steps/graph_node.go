package steps

import (
	"context"
	"errors"
	"strconv"

	"github.com/agentops/platform/internal/graph"
	"github.com/agentops/platform/pkg/saga"
)

type GraphWriter interface {
	CreateNode(ctx context.Context, node *graph.Node, rels []graph.Relationship) error
	DeleteNode(ctx context.Context, org int64, id string) (bool, error)
}

// GraphNodeStep creates the agent's node and declared relationships;
// compensation removes the node with all of its edges.
type GraphNodeStep struct {
	graph GraphWriter

	org    int64
	nodeID string
}

func NewGraphNodeStep(g GraphWriter) *GraphNodeStep {
	return &GraphNodeStep{graph: g}
}

func (s *GraphNodeStep) Name() string { return NameGraphNode }

// AgentNodeID is the graph id of an agent.
func AgentNodeID(agentID int64) string {
	return "agent:" + strconv.FormatInt(agentID, 10)
}

func (s *GraphNodeStep) Execute(ctx context.Context, sc saga.Context) (saga.Result, error) {
	agentID, err := saga.Lookup[int64](sc, KeyAgentID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	org, err := saga.Lookup[int64](sc, KeyOrganizationID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	rels, err := saga.Lookup[[]graph.Relationship](sc, KeyRelationships)
	if err != nil && !errors.Is(err, saga.ErrMissingKey) {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	props := map[string]any{}
	if name, err := saga.Lookup[string](sc, KeyAgentName); err == nil {
		props["name"] = name
	}
	node := &graph.Node{
		ID:             AgentNodeID(agentID),
		OrganizationID: org,
		Kind:           "agent",
		Properties:     props,
	}
	if err := s.graph.CreateNode(ctx, node, rels); err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	s.org, s.nodeID = org, node.ID
	return saga.Result{KeyGraphNodeID: node.ID}, nil
}

func (s *GraphNodeStep) Compensate(ctx context.Context, _ saga.Context) error {
	if s.nodeID == "" {
		return nil
	}
	if _, err := s.graph.DeleteNode(ctx, s.org, s.nodeID); err != nil {
		return saga.NewStepError(s.Name(), saga.OpCompensate, err)
	}
	return nil
}
