// Package agent runs the claim consultant reasoning loop and caches agents
// per retrieval strategy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/terellcodes/claim-assist/decision"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/llm"
	"github.com/terellcodes/claim-assist/metrics"
	"github.com/terellcodes/claim-assist/model"
	"github.com/terellcodes/claim-assist/retrieval"
	"github.com/terellcodes/claim-assist/websearch"
)

const DefaultMaxIterations = 6

// Retriever is the namespace-bound policy lookup supplied per evaluation.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]index.Match, error)
}

type WebSearcher interface {
	Search(ctx context.Context, query string) []websearch.Result
}

type Result struct {
	Decision   model.ClaimDecision
	Strategy   retrieval.Strategy
	Iterations int
	Evidence   []index.Match
	// Truncated is set when the iteration cap forced the decision.
	Truncated bool
	Retried   bool
}

type Options struct {
	MaxIterations int
	LLMTimeout    time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Agent holds strategy-level bindings only. The policy retriever is passed
// to each Evaluate call, so one Agent serves concurrent claims against
// different policies.
type Agent struct {
	client        llm.Client
	pipeline      *retrieval.Pipeline
	search        WebSearcher
	validator     *decision.Validator
	maxIterations int
	llmTimeout    time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func New(client llm.Client, pipeline *retrieval.Pipeline, search WebSearcher, opts Options) *Agent {
	a := &Agent{
		client:        client,
		pipeline:      pipeline,
		search:        search,
		validator:     decision.NewValidator(),
		maxIterations: opts.MaxIterations,
		llmTimeout:    opts.LLMTimeout,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxIterations
	}
	if a.llmTimeout <= 0 {
		a.llmTimeout = 60 * time.Second
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// Strategy is the effective retrieval strategy, or empty without a pipeline.
func (a *Agent) Strategy() retrieval.Strategy {
	if a.pipeline == nil {
		return ""
	}
	return a.pipeline.Strategy()
}

// Bind returns a retriever for the policy namespace using this agent's pipeline.
func (a *Agent) Bind(namespace string) Retriever {
	return a.pipeline.Bind(namespace)
}

// run is the caller-local state of one evaluation.
type run struct {
	agent     *Agent
	retriever Retriever
	logger    *zap.Logger
	messages  []llm.Message
	evidence  decision.Evidence
	gathered  []index.Match
	seen      map[string]bool
	retried   bool
}

// Evaluate drives START -> REASON -> (TOOL_CALL -> TOOL_RESULT -> REASON)*
// -> DECIDE. Cancellation is observed between iterations.
func (a *Agent) Evaluate(ctx context.Context, claim model.ClaimRequest, retriever Retriever) (*Result, error) {
	if retriever == nil {
		return nil, errors.New("agent requires a policy retriever")
	}

	r := &run{
		agent:     a,
		retriever: retriever,
		logger:    a.logger.With(zap.String("policy_id", claim.PolicyID), zap.String("strategy", string(a.Strategy()))),
		evidence:  decision.NewEvidence(),
		seen:      make(map[string]bool),
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: FormatClaim(claim)},
		},
	}

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if iteration > a.maxIterations {
			r.logger.Warn("iteration limit reached, forcing decision", zap.Int("max_iterations", a.maxIterations))
			r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: forceDecisionPrompt})
			reply, err := r.chat(ctx, false)
			if err != nil {
				return nil, err
			}
			d, err := r.decide(ctx, reply.Content)
			if err != nil {
				return nil, err
			}
			return r.result(degrade(d, a.maxIterations), a.maxIterations, true), nil
		}

		reply, err := r.chat(ctx, true)
		if err != nil {
			return nil, err
		}

		if len(reply.ToolCalls) == 0 {
			d, err := r.decide(ctx, reply.Content)
			if err != nil {
				return nil, err
			}
			return r.result(d, iteration, false), nil
		}

		r.messages = append(r.messages, reply)
		for _, call := range reply.ToolCalls {
			content, err := r.invoke(ctx, call)
			if err != nil {
				return nil, err
			}
			r.messages = append(r.messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
}

func (r *run) chat(ctx context.Context, withTools bool) (llm.Message, error) {
	// Every turn carries the decision schema, so a reply without tool calls
	// is already the structured verdict.
	req := llm.Request{
		Messages: r.messages,
		Schema:   &llm.Schema{Name: "claim_decision", Definition: decision.Schema()},
	}
	if withTools {
		req.Tools = toolDefinitions()
	}

	callCtx, cancel := context.WithTimeout(ctx, r.agent.llmTimeout)
	defer cancel()

	reply, err := r.agent.client.Chat(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Message{}, ctx.Err()
		}
		return llm.Message{}, fmt.Errorf("call llm: %w", err)
	}
	reply.Role = llm.RoleAssistant
	return reply, nil
}

// invoke executes one tool call. Tool failures become tool messages so the
// model can continue; only cancellation aborts the evaluation.
func (r *run) invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	query, err := queryArgument(call.Arguments)
	if err != nil {
		r.agent.metrics.ToolCall(call.Name, "bad_arguments")
		return fmt.Sprintf("Tool call rejected: %v", err), nil
	}

	switch call.Name {
	case ToolRetrievePolicyClauses:
		matches, err := r.retriever.Retrieve(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.agent.metrics.ToolCall(call.Name, "error")
			r.logger.Warn("policy retrieval failed", zap.String("tool", call.Name), zap.Error(err))
			return "Policy retrieval failed. Try a different query.", nil
		}
		r.agent.metrics.ToolCall(call.Name, "ok")
		r.record(matches)
		r.logger.Debug("policy clauses retrieved", zap.String("query", query), zap.Int("matches", len(matches)))
		return renderClauses(matches), nil

	case ToolWebSearch:
		if r.agent.search == nil {
			return renderSearch(nil), nil
		}
		results := r.agent.search.Search(ctx, query)
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return renderSearch(results), nil

	default:
		r.agent.metrics.ToolCall(call.Name, "unknown")
		return fmt.Sprintf("Unknown tool %q. Available tools: %s, %s.", call.Name, ToolRetrievePolicyClauses, ToolWebSearch), nil
	}
}

func (r *run) record(matches []index.Match) {
	for _, m := range matches {
		r.evidence.Add(m.Locator, m.Text)
		key := fmt.Sprintf("%s/%d", m.Namespace, m.Index)
		if r.seen[key] {
			continue
		}
		r.seen[key] = true
		r.gathered = append(r.gathered, m)
	}
}

// decide parses and validates a decision, re-prompting once on failure.
func (r *run) decide(ctx context.Context, raw string) (model.ClaimDecision, error) {
	d, err := r.check(raw)
	if err == nil {
		return d, nil
	}
	var ferr *decision.FormatError
	if !errors.As(err, &ferr) {
		return model.ClaimDecision{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.ClaimDecision{}, err
	}

	r.retried = true
	r.agent.metrics.DecisionRetry()
	r.logger.Warn("malformed decision, re-prompting", zap.Strings("problems", ferr.Problems))

	r.messages = append(r.messages,
		llm.Message{Role: llm.RoleAssistant, Content: raw},
		llm.Message{Role: llm.RoleUser, Content: correctivePrompt(ferr)},
	)
	reply, err := r.chat(ctx, false)
	if err != nil {
		return model.ClaimDecision{}, err
	}
	d, err = r.check(reply.Content)
	if err != nil {
		r.logger.Error("decision still malformed after re-prompt", zap.Error(err))
		return model.ClaimDecision{}, err
	}
	return d, nil
}

func (r *run) check(raw string) (model.ClaimDecision, error) {
	d, err := decision.Parse(raw)
	if err != nil {
		return model.ClaimDecision{}, err
	}
	if err := r.agent.validator.Validate(d, r.evidence); err != nil {
		var ferr *decision.FormatError
		if errors.As(err, &ferr) {
			ferr.Raw = raw
		}
		return model.ClaimDecision{}, err
	}
	return d, nil
}

func (r *run) result(d model.ClaimDecision, iterations int, truncated bool) *Result {
	r.logger.Info("claim evaluated",
		zap.String("claim_status", string(d.ClaimStatus)),
		zap.Int("iterations", iterations),
		zap.Bool("truncated", truncated),
		zap.Int("citations", len(d.Citations)),
	)
	evidence := r.gathered
	if evidence == nil {
		evidence = []index.Match{}
	}
	return &Result{
		Decision:   d,
		Strategy:   r.agent.Strategy(),
		Iterations: iterations,
		Evidence:   evidence,
		Truncated:  truncated,
		Retried:    r.retried,
	}
}

// degrade turns a decision reached under the iteration cap into needs_review.
func degrade(d model.ClaimDecision, limit int) model.ClaimDecision {
	if d.ClaimStatus == model.StatusNeedsReview && d.EmailDraft == nil {
		return d
	}
	evaluation := fmt.Sprintf("The evaluation stopped after %d reasoning steps before the evidence was conclusive. Preliminary assessment: %s", limit, d.Evaluation)
	out := decision.NeedsReview(evaluation, d.Citations)
	if len(d.Suggestions) > 0 {
		out.Suggestions = append(out.Suggestions, d.Suggestions...)
	}
	return out
}
