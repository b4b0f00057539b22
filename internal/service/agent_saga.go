// Package service assembles sagas for application use cases.
package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentops/platform/internal/graph"
	"github.com/agentops/platform/internal/metrics"
	"github.com/agentops/platform/internal/repository"
	"github.com/agentops/platform/internal/steps"
	"github.com/agentops/platform/pkg/audit"
	commonerrors "github.com/agentops/platform/pkg/errors"
	"github.com/agentops/platform/pkg/logger"
	"github.com/agentops/platform/pkg/saga"
	"github.com/agentops/platform/pkg/validate"
)

const CreateAgentSagaName = "create_agent"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Deps are the stores and collaborators of AgentSagaService. Store, Audit
// and Metrics are optional.
type Deps struct {
	Agents   steps.AgentWriter
	IDs      steps.IDSource
	Sessions steps.SessionWriter
	Vectors  steps.VectorWriter
	Graph    steps.GraphWriter

	Store   saga.Store
	Audit   audit.Logger
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// AgentSagaService runs the create-agent saga across the relational row,
// session cache, vector index and graph.
type AgentSagaService struct {
	deps    Deps
	log     *logger.Logger
	newTxID func() string
}

func NewAgentSagaService(deps Deps) *AgentSagaService {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &AgentSagaService{deps: deps, log: log, newTxID: uuid.NewString}
}

type CreateAgentSagaRequest struct {
	OrganizationID int64
	Agent          steps.AgentData
	Session        map[string]any
	Embeddings     [][]float32
	Relationships  []graph.Relationship
	// TransactionID is generated when empty.
	TransactionID string
}

type CreateAgentSagaResponse struct {
	Status               string                     `json:"status"`
	TransactionID        string                     `json:"transactionId,omitempty"`
	AgentID              int64                      `json:"agentId,omitempty"`
	FailedStep           string                     `json:"failedStep,omitempty"`
	Compensated          bool                       `json:"compensated"`
	CompensationFailures []string                   `json:"compensationFailures,omitempty"`
	ErrorCode            commonerrors.Code          `json:"errorCode,omitempty"`
	Errors               []validate.ValidationError `json:"errors,omitempty"`
}

// Steps returns fresh step instances in execution order. A step instance
// carries its own execution record and must not be shared across sagas.
func (s *AgentSagaService) Steps() []saga.Step {
	return []saga.Step{
		steps.NewAgentRowStep(s.deps.Agents, s.deps.IDs),
		steps.NewSessionCacheStep(s.deps.Sessions),
		steps.NewVectorIndexStep(s.deps.Vectors),
		steps.NewGraphNodeStep(s.deps.Graph),
	}
}

// CreateAgentSaga never returns an error: every outcome, including a
// rejected request, is reported in the response.
func (s *AgentSagaService) CreateAgentSaga(ctx context.Context, req *CreateAgentSagaRequest) *CreateAgentSagaResponse {
	if req == nil {
		return s.reject(ctx, &CreateAgentSagaRequest{}, validate.New().
			Check("request", commonerrors.New(commonerrors.CodeInvalidParam, "request is required")))
	}
	if v := validateRequest(req); v.HasErrors() {
		return s.reject(ctx, req, v)
	}

	txID := req.TransactionID
	if txID == "" {
		txID = s.newTxID()
	}
	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"transaction_id":  txID,
		"organization_id": req.OrganizationID,
	})

	opts := []saga.Option{saga.WithName(CreateAgentSagaName), saga.WithLogger(s.log)}
	if s.deps.Metrics != nil {
		opts = append(opts, saga.WithObserver(s.deps.Metrics))
	}
	if s.deps.Store != nil {
		opts = append(opts, saga.WithStore(s.deps.Store))
	}
	tx, err := saga.NewTransaction(txID, s.Steps(), opts...)
	if err != nil {
		log.WithError(err).Error("build create agent saga failed")
		return &CreateAgentSagaResponse{Status: StatusFailed, TransactionID: txID, ErrorCode: commonerrors.CodeInternal}
	}

	initial := saga.Context{
		steps.KeyOrganizationID: req.OrganizationID,
		steps.KeyAgentData:      req.Agent,
		steps.KeyEmbeddings:     req.Embeddings,
		steps.KeyRelationships:  req.Relationships,
	}
	if req.Session != nil {
		initial[steps.KeySessionData] = req.Session
	}

	out, err := tx.Execute(ctx, initial)
	if err != nil {
		return s.failed(ctx, log, req, txID, err)
	}

	agentID, _ := saga.Lookup[int64](out, steps.KeyAgentID)
	log.Infof("agent created", map[string]interface{}{"agent_id": agentID})
	s.record(ctx, audit.NewRecord(audit.EventAgentCreated, req.OrganizationID, txID).
		WithResource("agent", strconv.FormatInt(agentID, 10)).
		WithParams(auditParams(req)))
	return &CreateAgentSagaResponse{Status: StatusSuccess, TransactionID: txID, AgentID: agentID}
}

func (s *AgentSagaService) failed(ctx context.Context, log *logger.Logger, req *CreateAgentSagaRequest, txID string, err error) *CreateAgentSagaResponse {
	resp := &CreateAgentSagaResponse{Status: StatusFailed, TransactionID: txID}

	var txErr *saga.TransactionError
	if !errors.As(err, &txErr) {
		log.WithError(err).Error("create agent saga did not run")
		resp.ErrorCode = commonerrors.CodeInternal
		return resp
	}

	resp.FailedStep = txErr.FailedStep
	resp.Compensated = txErr.Compensated
	resp.CompensationFailures = txErr.FailedCompensations()
	resp.ErrorCode = errorCode(txErr)

	event := audit.EventAgentRolledBack
	if !txErr.Compensated {
		event = audit.EventAgentSagaFailed
		log.Errorf("agent saga left stores inconsistent", map[string]interface{}{
			"failed_step":         txErr.FailedStep,
			"compensation_failed": resp.CompensationFailures,
			"error":               txErr.Cause,
		})
	} else {
		log.Warnf("agent saga rolled back", map[string]interface{}{
			"failed_step": txErr.FailedStep,
			"error":       txErr.Cause,
		})
	}
	s.record(ctx, audit.NewRecord(event, req.OrganizationID, txID).
		WithResource("agent", req.Agent.Name).
		WithParams(auditParams(req)).
		WithFailure(txErr.FailedStep, err))
	return resp
}

func (s *AgentSagaService) reject(ctx context.Context, req *CreateAgentSagaRequest, v *validate.Validator) *CreateAgentSagaResponse {
	first := v.FirstError()
	s.deps.Metrics.IncRequestRejected(string(first.Code))
	s.log.WithContext(ctx).Warnf("create agent rejected", map[string]interface{}{
		"field": first.Field,
		"code":  string(first.Code),
		"error": first.Message,
	})
	s.record(ctx, audit.NewRecord(audit.EventAgentRejected, req.OrganizationID, "").
		WithResource("agent", req.Agent.Name).
		WithFailure("", errors.New(first.Message)))
	return &CreateAgentSagaResponse{Status: StatusFailed, ErrorCode: first.Code, Errors: v.Errors()}
}

// record writes an audit entry. Audit failures never change the outcome.
func (s *AgentSagaService) record(ctx context.Context, rec *audit.Record) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(context.WithoutCancel(ctx), rec); err != nil {
		s.log.WithContext(ctx).Warnf("audit write failed", map[string]interface{}{
			"event": string(rec.EventType),
			"error": err,
		})
	}
}

func validateRequest(req *CreateAgentSagaRequest) *validate.Validator {
	v := validate.New().
		Check("organizationId", validate.OrganizationID(req.OrganizationID)).
		Check("agent.name", validate.AgentName(req.Agent.Name)).
		Check("embeddings", validate.Embeddings(req.Embeddings))
	if len(req.Relationships) > validate.MaxRelationships {
		v.Check("relationships", commonerrors.Newf(commonerrors.CodeInvalidParam,
			"too many relationships: %d (max %d)", len(req.Relationships), validate.MaxRelationships))
	}
	for i, r := range req.Relationships {
		field := "relationships[" + strconv.Itoa(i) + "]"
		v.Check(field+".type", validate.RelationshipType(r.Type)).
			Check(field+".targetId", validate.NodeID(r.TargetID))
	}
	return v
}

// errorCode maps the cause of a failed saga to a caller-facing code.
func errorCode(txErr *saga.TransactionError) commonerrors.Code {
	switch {
	case !txErr.Compensated:
		return commonerrors.CodeCompensationFailed
	case txErr.Canceled():
		return commonerrors.CodeCanceled
	case errors.Is(txErr, repository.ErrAgentExists):
		return commonerrors.CodeAgentExists
	case errors.Is(txErr, repository.ErrOrganizationNotFound):
		return commonerrors.CodeOrganizationNotFound
	case errors.Is(txErr, graph.ErrTargetNotFound):
		return commonerrors.CodeRelationshipInvalid
	}
	if code := commonerrors.CodeOf(txErr); code != commonerrors.CodeUnknown {
		return code
	}
	return commonerrors.CodeSagaFailed
}

func auditParams(req *CreateAgentSagaRequest) map[string]interface{} {
	return map[string]interface{}{
		"name":          req.Agent.Name,
		"model":         req.Agent.Model,
		"config":        req.Agent.Config,
		"embeddings":    len(req.Embeddings),
		"relationships": len(req.Relationships),
	}
}
