package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/reactor/unifiedllm"
)

const emptyReplyNudge = "Your last reply was empty. Call a capability or give your final answer."

// partialStreamError marks a stream that failed after tokens were already
// delivered to the consumer. Replaying it would duplicate those tokens.
type partialStreamError struct {
	err error
}

func (e *partialStreamError) Error() string {
	return "stream failed after partial output: " + e.err.Error()
}

func (e *partialStreamError) Unwrap() error { return e.err }

// run drives the reason-act cycle until a final answer, a failure, or
// cancellation.
func (a *Agent) run(ctx context.Context, ex *execution) (*FinalResult, error) {
	log := a.logger.With(zap.String("session_id", ex.id))
	if strings.TrimSpace(ex.mission) != "" {
		ex.history = append(ex.history, UserMessage(ex.mission))
	}
	log.Info("execution started",
		zap.Int("prior_messages", len(ex.history)-1),
		zap.Int("max_iterations", a.cfg.MaxIterations))

	for ex.iterations < a.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return a.fail(ctx, ex, ReasonCancelled, err)
		}
		ex.iterations++
		ex.events.emit(ctx, Event{Kind: EventStepStart, Iteration: ex.iterations})

		system := BuildSystemPrompt(a.cfg.Kernel, a.plan.ReadPlan())
		ex.history = a.maybeCompress(ctx, system, ex.history)

		msgs, state, truncated := a.budget.Preflight(system, ex.history)
		if truncated {
			log.Debug("request truncated to fit budget",
				zap.Int("iteration", ex.iterations),
				zap.Int("estimated_tokens", state.EstimatedTokens))
		}

		resp, err := a.callModel(ctx, ex, a.buildRequest(ex, system, msgs))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return a.fail(ctx, ex, ReasonCancelled, ctxErr)
			}
			return a.fail(ctx, ex, ReasonModelUnavailable, fmt.Errorf("%w: %w", ErrModelUnavailable, err))
		}
		ex.usage = ex.usage.Add(resp.Usage)

		text := resp.Text()
		calls := resp.ToolCalls()
		if len(calls) == 0 {
			if strings.TrimSpace(text) == "" {
				log.Warn("model returned an empty reply", zap.Int("iteration", ex.iterations))
				ex.history = append(ex.history, UserMessage(emptyReplyNudge))
				continue
			}
			ex.history = append(ex.history, AssistantMessage(text, nil))
			return a.finish(ctx, ex, text)
		}

		invocations, prefailed := normalizeInvocations(calls)
		for _, inv := range invocations {
			ex.events.emit(ctx, Event{Kind: EventToolCall, Iteration: ex.iterations, Invocation: &inv})
		}

		planBefore, planVersion := a.plan.Steps(), a.plan.Version()
		started := time.Now()
		results := a.dispatch(ctx, invocations, prefailed)
		if err := ctx.Err(); err != nil {
			// The discarded results must not leave plan changes behind.
			if a.plan.Version() != planVersion {
				a.plan.Restore(planBefore)
			}
			log.Info("discarding tool results after cancellation", zap.Int("results", len(results)))
			return a.fail(ctx, ex, ReasonCancelled, err)
		}
		log.Debug("tools dispatched",
			zap.Int("iteration", ex.iterations),
			zap.Int("invocations", len(invocations)),
			zap.Duration("elapsed", time.Since(started)))

		ex.history = append(ex.history, AssistantMessage(text, invocations))
		for _, r := range results {
			ex.history = append(ex.history, ToolMessage(r))
			ex.events.emit(ctx, Event{Kind: EventToolResult, Iteration: ex.iterations, Result: &r})
		}
		if a.plan.Version() != planVersion {
			ex.events.emit(ctx, Event{Kind: EventPlanUpdated, Iteration: ex.iterations, Plan: a.plan.Steps()})
		}

		if a.cfg.LoopDetection && DetectLoop(ex.history, a.cfg.LoopWindow) {
			log.Warn("repeating capability pattern detected", zap.Int("window", a.cfg.LoopWindow))
			ex.history = append(ex.history, UserMessage(loopWarning(a.cfg.LoopWindow)))
		}

		a.save(ctx, ex, statusRunning)
	}

	return a.fail(ctx, ex, ReasonStepBudgetExhausted, ErrStepBudgetExhausted)
}

func (a *Agent) buildRequest(ex *execution, system string, history []Message) unifiedllm.Request {
	messages := make([]unifiedllm.Message, 0, len(history)+1)
	messages = append(messages, unifiedllm.SystemMessage(system))
	messages = append(messages, ToLLMMessages(history)...)

	req := unifiedllm.Request{
		Model:       a.cfg.Model,
		Provider:    a.cfg.Provider,
		Messages:    messages,
		ToolDefs:    a.toolDefs,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Metadata:    map[string]string{"session_id": ex.id},
	}
	if len(a.toolDefs) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	return req
}

// maybeCompress replaces aging history when the configured trigger fires.
func (a *Agent) maybeCompress(ctx context.Context, system string, history []Message) []Message {
	var trigger bool
	switch a.cfg.CompressionTrigger {
	case TriggerCount:
		trigger = len(history) > a.cfg.MaxMessages
	default:
		trigger = a.budget.ShouldCompress(a.budget.State(system, history))
	}
	if !trigger {
		return history
	}
	return a.compressor.Compress(ctx, history)
}

// callModel sends req with retries. With a stream attached the response is
// streamed and text deltas become answer_token events.
func (a *Agent) callModel(ctx context.Context, ex *execution, req unifiedllm.Request) (*unifiedllm.Response, error) {
	policy := a.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			a.logger.Warn("retrying model call",
				zap.String("session_id", ex.id),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}

	if ex.events == nil {
		return unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
			return a.client.Complete(ctx, req)
		})
	}

	inner := policy.ShouldRetry
	policy.ShouldRetry = func(err error) bool {
		var partial *partialStreamError
		if errors.As(err, &partial) {
			return false
		}
		if inner != nil {
			return inner(err)
		}
		return unifiedllm.IsRetryable(err)
	}
	return unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
		return a.streamOnce(ctx, ex, req)
	})
}

func (a *Agent) streamOnce(ctx context.Context, ex *execution, req unifiedllm.Request) (*unifiedllm.Response, error) {
	stream, err := a.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := unifiedllm.NewStreamAccumulator()
	emitted := false
	for ev := range stream {
		acc.Process(ev)
		if ev.Type == unifiedllm.TextDelta && ev.Delta != "" {
			emitted = true
			ex.events.emit(ctx, Event{Kind: EventAnswerToken, Iteration: ex.iterations, Token: ev.Delta})
		}
	}
	if err := acc.Err(); err != nil {
		if emitted {
			return nil, &partialStreamError{err: err}
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return acc.Response(), nil
}

func (a *Agent) finish(ctx context.Context, ex *execution, answer string) (*FinalResult, error) {
	result := &FinalResult{
		SessionID:  ex.id,
		Answer:     answer,
		Iterations: ex.iterations,
		History:    CloneMessages(ex.history),
		Plan:       a.plan.Steps(),
		Usage:      ex.usage,
	}
	a.logger.Info("execution finished",
		zap.String("session_id", ex.id),
		zap.Int("iterations", ex.iterations),
		zap.Int("total_tokens", ex.usage.TotalTokens),
		zap.Duration("elapsed", time.Since(ex.started)))

	a.save(ctx, ex, statusCompleted)
	ex.events.finish(Event{Kind: EventFinalAnswer, Iteration: ex.iterations, Answer: answer})
	return result, nil
}

func (a *Agent) fail(ctx context.Context, ex *execution, reason FailureReason, err error) (*FinalResult, error) {
	failure := &Failure{Reason: reason, Iterations: ex.iterations, SessionID: ex.id, Err: err}
	a.logger.Warn("execution failed",
		zap.String("session_id", ex.id),
		zap.String("reason", string(reason)),
		zap.Int("iterations", ex.iterations),
		zap.Error(err))

	a.save(ctx, ex, statusFailed)
	ex.events.finish(Event{Kind: EventError, Iteration: ex.iterations, Reason: reason, Err: failure})
	return nil, failure
}
