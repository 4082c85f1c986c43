// Package claims validates claim submissions and dispatches them to the
// cached agent for the requested retrieval strategy.
package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/terellcodes/claim-assist/agent"
	"github.com/terellcodes/claim-assist/decision"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/metrics"
	"github.com/terellcodes/claim-assist/model"
	"github.com/terellcodes/claim-assist/retrieval"
)

// NamespaceChecker reports a NamespaceNotFoundError for unknown policies.
type NamespaceChecker interface {
	Require(ctx context.Context, namespace string) error
}

// Response is the flat shape returned to API clients.
type Response struct {
	Success           bool                `json:"success"`
	Message           string              `json:"message"`
	PolicyID          string              `json:"policy_id"`
	IsValid           bool                `json:"is_valid"`
	ClaimStatus       model.Status        `json:"claim_status"`
	Evaluation        string              `json:"evaluation"`
	EmailDraft        *string             `json:"email_draft"`
	Suggestions       model.Suggestions   `json:"suggestions"`
	Citations         []model.Citation    `json:"citations"`
	RetrievalStrategy retrieval.Strategy  `json:"retrieval_strategy"`
	EffectiveStrategy retrieval.Strategy  `json:"effective_strategy"`
	Iterations        int                 `json:"iterations"`
	ProcessedAt       time.Time           `json:"processed_at"`
	Decision          model.ClaimDecision `json:"-"`
}

type StatusResponse struct {
	PolicyID string `json:"policy_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

type Options struct {
	DefaultStrategy      retrieval.Strategy
	MinDescriptionLength int
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
}

type Service struct {
	agents          *agent.Cache
	namespaces      NamespaceChecker
	defaultStrategy retrieval.Strategy
	minDescription  int
	logger          *zap.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

func NewService(agents *agent.Cache, namespaces NamespaceChecker, opts Options) *Service {
	s := &Service{
		agents:          agents,
		namespaces:      namespaces,
		defaultStrategy: opts.DefaultStrategy,
		minDescription:  opts.MinDescriptionLength,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             time.Now,
	}
	if !s.defaultStrategy.Valid() {
		s.defaultStrategy = retrieval.Basic
	}
	if s.minDescription <= 0 {
		s.minDescription = model.DefaultMinDescriptionLength
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Submit validates the request, confirms the policy namespace exists and
// runs the agent. Validation and unknown policies fail before any model call.
func (s *Service) Submit(ctx context.Context, req model.ClaimRequest) (*Response, error) {
	req = req.Normalized()
	if err := req.Validate(s.minDescription); err != nil {
		return nil, err
	}

	requested := s.defaultStrategy
	if req.RetrievalStrategy != "" {
		parsed, err := retrieval.ParseStrategy(req.RetrievalStrategy)
		if err != nil {
			return nil, &model.ValidationError{Fields: map[string]string{"retrieval_strategy": err.Error()}}
		}
		requested = parsed
	}
	req.RetrievalStrategy = string(requested)

	if err := s.namespaces.Require(ctx, req.PolicyID); err != nil {
		return nil, err
	}

	a, err := s.agents.GetOrCreate(ctx, requested)
	if err != nil {
		s.metrics.EvaluationFailed("agent_construction")
		return nil, fmt.Errorf("get agent: %w", err)
	}

	logger := s.logger.With(
		zap.String("policy_id", req.PolicyID),
		zap.String("requested", string(requested)),
		zap.String("effective", string(a.Strategy())),
	)
	logger.Info("evaluating claim")

	start := s.now()
	res, err := a.Evaluate(ctx, req, a.Bind(req.PolicyID))
	if err != nil {
		s.metrics.EvaluationFailed(failureReason(err))
		logger.Error("claim evaluation failed", zap.Error(err))
		return nil, err
	}
	elapsed := s.now().Sub(start)
	s.metrics.ObserveEvaluation(string(res.Strategy), string(res.Decision.ClaimStatus), res.Iterations, elapsed)

	d := res.Decision
	citations := d.Citations
	if citations == nil {
		citations = []model.Citation{}
	}
	return &Response{
		Success:           true,
		Message:           "Claim evaluated successfully",
		PolicyID:          req.PolicyID,
		IsValid:           d.IsValid,
		ClaimStatus:       d.ClaimStatus,
		Evaluation:        d.Evaluation,
		EmailDraft:        d.EmailDraft,
		Suggestions:       d.Suggestions,
		Citations:         citations,
		RetrievalStrategy: requested,
		EffectiveStrategy: res.Strategy,
		Iterations:        res.Iterations,
		ProcessedAt:       s.now().UTC(),
		Decision:          d,
	}, nil
}

// Status reports whether a policy is ready to receive claims.
func (s *Service) Status(ctx context.Context, policyID string) (*StatusResponse, error) {
	if err := s.namespaces.Require(ctx, policyID); err != nil {
		return nil, err
	}
	return &StatusResponse{
		PolicyID: policyID,
		Status:   "ready",
		Message:  "Policy ready for claim submission",
	}, nil
}

func failureReason(err error) string {
	var ferr *decision.FormatError
	switch {
	case errors.As(err, &ferr):
		return "decision_format"
	case errors.Is(err, index.ErrNamespaceNotFound):
		return "namespace_not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
