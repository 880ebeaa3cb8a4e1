// Package rca performs root-cause analysis for actionable incidents. The
// Engine drives an LLM through an investigation tool loop and distills the
// final answer into a structured analysis; the Heuristic provider offers a
// deterministic fallback for dev mode.
package rca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/tools"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/rca")

const (
	MaxToolRounds  = 15
	MaxTokens      = 100000
	ResponseTokens = 4096

	// evidenceMaxBytes caps how much of one tool result is kept as evidence.
	evidenceMaxBytes = 2048
)

// EngineHooks lets the engine report LLM and tool activity. All optional.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes one finished analysis run.
type CompleteEvent struct {
	Outcome   string
	Model     string
	Duration  float64
	LLMTime   float64
	ToolTime  float64
	TokensIn  int
	TokensOut int
	ToolCalls int
}

// EngineConfig tunes the analysis engine.
type EngineConfig struct {
	// DefaultRepository receives remediation PRs when the analysis does not
	// name a repository itself.
	DefaultRepository string
}

// Engine is the LLM-backed incident.AnalysisProvider.
type Engine struct {
	provider Provider
	registry *tools.Registry
	cfg      EngineConfig
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates an analysis engine with the given dependencies.
func NewEngine(provider Provider, registry *tools.Registry, cfg EngineConfig, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}
}

// analysisPayload is the JSON shape the model must produce as its final turn.
type analysisPayload struct {
	RootCause         string  `json:"root_cause"`
	Category          string  `json:"category"`
	Confidence        float64 `json:"confidence"`
	TargetRepository  string  `json:"target_repository"`
	TargetFile        string  `json:"target_file"`
	RecommendedAction string  `json:"recommended_action"`
}

// Analyze investigates the alert through the tool loop and returns the
// structured root-cause analysis.
func (e *Engine) Analyze(ctx context.Context, incidentID string, va *incident.ValidatedAlert, ev *alert.Event) (*incident.RootCauseAnalysis, error) {
	start := time.Now()
	L := e.logger.With("incident_id", incidentID, "service", va.ServiceName)

	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: buildInitialPrompt(va, ev)},
		}},
	}

	var (
		tokensIn, tokensOut int
		toolCalls           int
		llmTime, toolTime   float64
		model               string
		evidence            []incident.Evidence
		finalText           string
		runErr              error
		chatSeq             int
	)

	for {
		if toolCalls >= MaxToolRounds {
			runErr = incident.PermanentError(incident.StageAnalysis,
				fmt.Errorf("analysis terminated: tool call budget (%d) exhausted", MaxToolRounds))
			break
		}
		if tokensIn+tokensOut >= MaxTokens {
			runErr = incident.PermanentError(incident.StageAnalysis,
				fmt.Errorf("analysis terminated: token budget (%d) exhausted", MaxTokens))
			break
		}

		resp, err := e.sendLLM(ctx, incidentID, chatSeq, messages)
		chatSeq++
		if err != nil {
			L.Error(ctx, err, "llm call failed")
			runErr = err
			break
		}

		tokensIn += resp.Usage.InputTokens
		tokensOut += resp.Usage.OutputTokens
		llmTime += resp.duration
		if resp.Model != "" {
			model = resp.Model
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		if resp.StopReason == StopEnd {
			for _, block := range resp.Content {
				if block.Type == "text" {
					finalText = block.Text
				}
			}
			break
		}

		if resp.StopReason == StopToolUse {
			results, ev2, n, dur := e.executeTools(ctx, L, incidentID, resp.Content)
			toolCalls += n
			toolTime += dur
			evidence = append(evidence, ev2...)
			messages = append(messages, Message{Role: "user", Content: results})
		}
	}

	outcome := "success"
	if runErr != nil {
		outcome = "error"
	}
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Outcome:   outcome,
			Model:     model,
			Duration:  time.Since(start).Seconds(),
			LLMTime:   llmTime,
			ToolTime:  toolTime,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			ToolCalls: toolCalls,
		})
	}
	if runErr != nil {
		return nil, runErr
	}

	rca, err := e.parseAnalysis(finalText, va)
	if err != nil {
		L.Error(ctx, err, "analysis output unparseable", "text_len", len(finalText))
		return nil, incident.PermanentError(incident.StageAnalysis, err)
	}
	rca.EvidenceChain = evidence

	L.Info(ctx, "analysis complete",
		"root_cause", rca.RootCause,
		"category", rca.Category,
		"confidence", rca.Confidence,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"tool_calls", toolCalls,
	)
	return rca, nil
}

// timedResponse pairs a provider response with its wall-clock duration.
type timedResponse struct {
	*LLMResponse
	duration float64
}

func (e *Engine) sendLLM(ctx context.Context, incidentID string, seq int, messages []Message) (*timedResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("remedy.incident.id", incidentID),
		attribute.Int("remedy.chat.seq", seq),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(messages)),
	))

	start := time.Now()
	resp, err := e.provider.Send(ctx, &LLMRequest{
		MaxTokens: ResponseTokens,
		System:    buildSystemPrompt(),
		Messages:  messages,
		Tools:     e.registry.ToToolDefs(),
	})
	dur := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("gen_ai.response.model", resp.Model))
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.stop_reason", string(resp.StopReason)),
		attribute.Int("llm.response.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.response.output_tokens", resp.Usage.OutputTokens),
	))
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur)
	}
	return &timedResponse{LLMResponse: resp, duration: dur}, nil
}

// executeTools runs every tool_use block in the assistant turn, collecting
// tool_result blocks for the next turn and evidence entries for the final
// analysis. Tool failures feed back to the model as error results.
func (e *Engine) executeTools(ctx context.Context, L log.Logger, incidentID string, content []ContentBlock) (results []ContentBlock, evidence []incident.Evidence, calls int, totalDur float64) {
	for _, block := range content {
		if block.Type != "tool_use" {
			continue
		}
		calls++

		output, isErr, dur := e.executeTool(ctx, incidentID, block)
		totalDur += dur

		if isErr {
			L.Warn(ctx, "tool execution failed", "tool", block.Name, "output", output)
			results = append(results, ContentBlock{
				Type:      "tool_result",
				ToolUseID: block.ID,
				Content:   output,
				IsError:   true,
			})
			continue
		}

		results = append(results, ContentBlock{
			Type:      "tool_result",
			ToolUseID: block.ID,
			Content:   output,
		})
		evidence = append(evidence, incident.Evidence{
			Source:    block.Name,
			Timestamp: time.Now().UTC(),
			Content:   truncate(output, evidenceMaxBytes),
		})
	}
	return results, evidence, calls, totalDur
}

func (e *Engine) executeTool(ctx context.Context, incidentID string, block ContentBlock) (output string, isErr bool, duration float64) {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", block.Name),
		attribute.String("remedy.incident.id", incidentID),
		attribute.String("remedy.tool.input", string(block.Input)),
	))
	defer span.End()

	span.AddEvent("tool.request", trace.WithAttributes(
		attribute.String("tool.request.body", string(block.Input)),
	))

	start := time.Now()

	tool, ok := e.registry.Get(block.Name)
	if !ok {
		output = fmt.Sprintf("unknown tool: %s", block.Name)
		isErr = true
	} else {
		raw, err := tool.Execute(ctx, block.Input)
		if err != nil {
			span.RecordError(err)
			output = fmt.Sprintf("tool error: %v", err)
			isErr = true
		} else {
			output = string(raw)
		}
	}
	duration = time.Since(start).Seconds()

	span.SetAttributes(attribute.Bool("remedy.tool.is_error", isErr))
	span.AddEvent("tool.result", trace.WithAttributes(
		attribute.String("tool.result.body", output),
	))
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(block.Name, duration, len(block.Input), len(output), isErr)
	}
	return output, isErr, duration
}

// parseAnalysis extracts the JSON analysis from the model's final text and
// fills gaps with conservative defaults.
func (e *Engine) parseAnalysis(text string, va *incident.ValidatedAlert) (*incident.RootCauseAnalysis, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, errors.New("final analysis contains no JSON object")
	}

	var p analysisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if p.RootCause == "" {
		return nil, errors.New("analysis missing root_cause")
	}

	if p.Category == "" {
		p.Category = "code_bug"
	}
	if p.Confidence <= 0 || p.Confidence > 1 {
		p.Confidence = va.Confidence
	}
	if p.TargetRepository == "" {
		p.TargetRepository = e.cfg.DefaultRepository
	}
	if p.TargetFile == "" {
		p.TargetFile = fmt.Sprintf("services/%s/remediation.md", va.ServiceName)
	}
	if p.RecommendedAction == "" {
		p.RecommendedAction = "fix_code"
	}

	return &incident.RootCauseAnalysis{
		RootCause:         p.RootCause,
		Category:          p.Category,
		Confidence:        p.Confidence,
		TargetRepository:  p.TargetRepository,
		TargetFile:        p.TargetFile,
		RecommendedAction: p.RecommendedAction,
	}, nil
}

// extractJSON returns the outermost {...} object embedded in text, or "".
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

func buildSystemPrompt() string {
	return `You are Remedy, an incident root-cause analyst. You investigate production
incidents using the available tools (metrics, logs) and identify the root cause.

Investigate methodically: query metrics to confirm the symptom, then search logs
for the failing component. When you are confident, respond with ONLY a JSON object:

{
  "root_cause": "clear one-sentence statement of the root cause",
  "category": "code_bug | config_error | dependency_failure | resource_exhaustion",
  "confidence": 0.0-1.0,
  "target_repository": "owner/repo that needs the fix",
  "target_file": "path of the file that needs the fix",
  "recommended_action": "what the fix should change"
}

Do not include any text outside the JSON object in your final answer.`
}

func buildInitialPrompt(va *incident.ValidatedAlert, ev *alert.Event) string {
	labels, _ := json.MarshalIndent(ev.Labels, "", "  ")
	metrics, _ := json.MarshalIndent(ev.Metrics, "", "  ")

	return fmt.Sprintf(`Incident under investigation.

Service: %s
Error type: %s
Severity: %s
Triage: %s
Affected endpoints: %s

Alert title: %s
Alert description: %s

Labels:
%s

Reported metrics:
%s

Investigate this incident using the available tools and produce the root-cause analysis.`,
		va.ServiceName,
		va.ErrorType,
		va.Severity,
		va.TriageReason,
		strings.Join(va.AffectedEndpoints, ", "),
		ev.Title,
		ev.Description,
		string(labels),
		string(metrics),
	)
}
