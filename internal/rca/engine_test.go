package rca

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/tools"
)

const claudeTestModel = "claude-sonnet-4-20250514"

// mockProvider returns preconfigured responses in sequence.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	callIdx   int
}

func (m *mockProvider) Send(_ context.Context, _ *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	// fallback: end turn with a valid analysis
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// mockTool returns preconfigured Execute results.
type mockTool struct {
	name   string
	output json.RawMessage
	err    error
}

func (m *mockTool) Name() string                { return m.name }
func (m *mockTool) Description() string         { return "mock tool" }
func (m *mockTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return m.output, m.err
}

func finalAnalysisText() string {
	return `{
  "root_cause": "nil pointer dereference in payment handler",
  "category": "code_bug",
  "confidence": 0.85,
  "target_repository": "acme/checkout",
  "target_file": "internal/payment/handler.go",
  "recommended_action": "guard the nil receipt before formatting"
}`
}

func testVerdict() *incident.ValidatedAlert {
	return &incident.ValidatedAlert{
		IsActionable: true,
		Severity:     incident.SeverityHigh,
		ServiceName:  "checkout",
		ErrorType:    "HighErrorRate",
		TriageReason: "error rate over threshold",
		Score:        5.0,
		Confidence:   0.72,
	}
}

func testEvent() *alert.Event {
	return &alert.Event{
		Source:      "prometheus",
		ServiceName: "checkout",
		Title:       "HighErrorRate",
		Description: "5xx rate above 10% for 5m",
		Labels:      map[string]string{"alertname": "HighErrorRate", "severity": "high"},
	}
}

func TestAnalyze_SingleTurn(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	provider := &mockProvider{
		responses: []*LLMResponse{{
			Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
			StopReason: StopEnd,
			Usage:      Usage{InputTokens: 100, OutputTokens: 50},
			Model:      claudeTestModel,
		}},
	}
	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), EngineHooks{})

	rca, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent())
	if err != nil {
		t.Fatalf("Analyze = %v", err)
	}
	if rca.RootCause != "nil pointer dereference in payment handler" {
		t.Errorf("root cause = %q", rca.RootCause)
	}
	if rca.Category != "code_bug" {
		t.Errorf("category = %q", rca.Category)
	}
	if rca.Confidence != 0.85 {
		t.Errorf("confidence = %v", rca.Confidence)
	}
	if rca.TargetRepository != "acme/checkout" || rca.TargetFile != "internal/payment/handler.go" {
		t.Errorf("target = %s/%s", rca.TargetRepository, rca.TargetFile)
	}
	if len(rca.EvidenceChain) != 0 {
		t.Errorf("evidence = %v, want empty without tool calls", rca.EvidenceChain)
	}
}

func TestAnalyze_ToolUseLoop(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "prometheus_query",
		output: json.RawMessage(`{"error_rate":"0.12"}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "prometheus_query", Input: json.RawMessage(`{"query":"rate"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 200, OutputTokens: 100},
			},
		},
	}
	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), EngineHooks{})

	rca, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent())
	if err != nil {
		t.Fatalf("Analyze = %v", err)
	}
	if len(rca.EvidenceChain) != 1 {
		t.Fatalf("evidence = %d entries, want 1", len(rca.EvidenceChain))
	}
	if rca.EvidenceChain[0].Source != "prometheus_query" {
		t.Errorf("evidence source = %q", rca.EvidenceChain[0].Source)
	}
	if rca.EvidenceChain[0].Content != `{"error_rate":"0.12"}` {
		t.Errorf("evidence content = %q", rca.EvidenceChain[0].Content)
	}
}

func TestAnalyze_UnknownToolFedBackAsError(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry() // empty
	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "nonexistent_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 50, OutputTokens: 30},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 100, OutputTokens: 60},
			},
		},
	}
	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), EngineHooks{})

	rca, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent())
	if err != nil {
		t.Fatalf("Analyze = %v, want recovery from unknown tool", err)
	}
	if len(rca.EvidenceChain) != 0 {
		t.Errorf("failed tool call produced evidence: %v", rca.EvidenceChain)
	}
}

func TestAnalyze_ToolExecutionError(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name: "loki_query",
		err:  errors.New("connection refused"),
	})

	var toolErr bool
	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "loki_query", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 50, OutputTokens: 30},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 100, OutputTokens: 60},
			},
		},
	}
	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), EngineHooks{
		OnToolCall: func(_ string, _ float64, _, _ int, isErr bool) { toolErr = isErr },
	})

	if _, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent()); err != nil {
		t.Fatalf("Analyze = %v, want recovery from tool error", err)
	}
	if !toolErr {
		t.Error("tool hook did not observe the error")
	}
}

func TestAnalyze_LLMErrorPropagates(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{errs: []error{errors.New("api key expired")}}
	engine := NewEngine(provider, tools.NewRegistry(), EngineConfig{}, log.Nop(), EngineHooks{})

	_, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "api key expired") {
		t.Errorf("err = %v, want the provider error", err)
	}
}

func TestAnalyze_ToolBudgetExhausted(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "loop_tool", output: json.RawMessage(`"ok"`)})

	responses := make([]*LLMResponse, MaxToolRounds)
	for i := range MaxToolRounds {
		responses[i] = &LLMResponse{
			Content: []ContentBlock{
				{Type: "tool_use", ID: "call-" + strings.Repeat("x", i+1), Name: "loop_tool", Input: json.RawMessage(`{}`)},
			},
			StopReason: StopToolUse,
			Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		}
	}
	engine := NewEngine(&mockProvider{responses: responses}, registry, EngineConfig{}, log.Nop(), EngineHooks{})

	_, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "tool call budget") {
		t.Fatalf("err = %v, want tool budget exhaustion", err)
	}
	if incident.IsTransient(err) {
		t.Error("budget exhaustion should be permanent")
	}
}

func TestAnalyze_TokenBudgetExhausted(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "token_tool", output: json.RawMessage(`"ok"`)})

	// Two calls at 60k tokens each blow the 100k budget.
	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "token_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 30000, OutputTokens: 30000},
			},
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-2", Name: "token_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 30000, OutputTokens: 30000},
			},
		},
	}
	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), EngineHooks{})

	_, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "token budget") {
		t.Errorf("err = %v, want token budget exhaustion", err)
	}
}

func TestAnalyze_HooksCalled(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "hook_tool", output: json.RawMessage(`{"result":"ok"}`)})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "c-1", Name: "hook_tool", Input: json.RawMessage(`{"q":"x"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
				Model:      claudeTestModel,
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 200, OutputTokens: 80},
				Model:      claudeTestModel,
			},
		},
	}

	var (
		mu            sync.Mutex
		llmCalls      int
		tokensIn      int
		tokensOut     int
		toolCalls     int
		lastToolName  string
		completeCalls int
		completeEvent *CompleteEvent
	)
	hooks := EngineHooks{
		OnLLMCall: func(in, out int, _ float64) {
			mu.Lock()
			defer mu.Unlock()
			llmCalls++
			tokensIn += in
			tokensOut += out
		},
		OnToolCall: func(name string, _ float64, _, _ int, _ bool) {
			mu.Lock()
			defer mu.Unlock()
			toolCalls++
			lastToolName = name
		},
		OnComplete: func(e *CompleteEvent) {
			mu.Lock()
			defer mu.Unlock()
			completeCalls++
			completeEvent = e
		},
	}

	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), hooks)
	if _, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent()); err != nil {
		t.Fatalf("Analyze = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if llmCalls != 2 {
		t.Errorf("llm hook calls = %d, want 2", llmCalls)
	}
	if tokensIn != 300 || tokensOut != 130 {
		t.Errorf("tokens = %d/%d, want 300/130", tokensIn, tokensOut)
	}
	if toolCalls != 1 || lastToolName != "hook_tool" {
		t.Errorf("tool hook = %d calls, last %q", toolCalls, lastToolName)
	}
	if completeCalls != 1 {
		t.Fatalf("complete hook calls = %d, want 1", completeCalls)
	}
	if completeEvent.Outcome != "success" || completeEvent.Model != claudeTestModel {
		t.Errorf("complete event = %+v", completeEvent)
	}
	if completeEvent.TokensIn != 300 || completeEvent.ToolCalls != 1 {
		t.Errorf("complete event totals = %+v", completeEvent)
	}
}

func TestParseAnalysis_Defaults(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&mockProvider{}, tools.NewRegistry(), EngineConfig{DefaultRepository: "acme/default"}, log.Nop(), EngineHooks{})
	va := testVerdict()

	rca, err := engine.parseAnalysis(`prose around {"root_cause":"cache stampede"} the object`, va)
	if err != nil {
		t.Fatalf("parseAnalysis = %v", err)
	}
	if rca.RootCause != "cache stampede" {
		t.Errorf("root cause = %q", rca.RootCause)
	}
	if rca.Category != "code_bug" {
		t.Errorf("default category = %q", rca.Category)
	}
	if rca.Confidence != va.Confidence {
		t.Errorf("default confidence = %v, want triage confidence %v", rca.Confidence, va.Confidence)
	}
	if rca.TargetRepository != "acme/default" {
		t.Errorf("default repository = %q", rca.TargetRepository)
	}
	if rca.TargetFile != "services/checkout/remediation.md" {
		t.Errorf("default target file = %q", rca.TargetFile)
	}
	if rca.RecommendedAction != "fix_code" {
		t.Errorf("default action = %q", rca.RecommendedAction)
	}
}

func TestParseAnalysis_Rejections(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&mockProvider{}, tools.NewRegistry(), EngineConfig{}, log.Nop(), EngineHooks{})
	va := testVerdict()

	for _, text := range []string{
		"no json here at all",
		"{broken json",
		`{"category":"code_bug"}`, // missing root_cause
	} {
		if _, err := engine.parseAnalysis(text, va); err == nil {
			t.Errorf("parseAnalysis(%q) = nil error, want rejection", text)
		}
	}
}

func TestParseAnalysis_OutOfRangeConfidence(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&mockProvider{}, tools.NewRegistry(), EngineConfig{}, log.Nop(), EngineHooks{})
	va := testVerdict()

	rca, err := engine.parseAnalysis(`{"root_cause":"x","confidence":1.7}`, va)
	if err != nil {
		t.Fatal(err)
	}
	if rca.Confidence != va.Confidence {
		t.Errorf("confidence = %v, want clamped to triage confidence", rca.Confidence)
	}
}

func TestAnalyze_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "span_tool", output: json.RawMessage(`{"ok":true}`)})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "c-1", Name: "span_tool", Input: json.RawMessage(`{"q":"x"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
				Model:      claudeTestModel,
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: finalAnalysisText()}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 200, OutputTokens: 80},
				Model:      claudeTestModel,
			},
		},
	}

	engine := NewEngine(provider, registry, EngineConfig{}, log.Nop(), EngineHooks{})
	if _, err := engine.Analyze(context.Background(), "INC-TEST", testVerdict(), testEvent()); err != nil {
		t.Fatalf("Analyze = %v", err)
	}

	spans := exporter.GetSpans()
	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}
	if counts["llm.call"] != 2 {
		t.Errorf("llm.call spans = %d, want 2", counts["llm.call"])
	}
	if counts["tool.execute"] != 1 {
		t.Errorf("tool.execute spans = %d, want 1", counts["tool.execute"])
	}

	var chatSeq int64
	for _, s := range spans {
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		switch s.Name {
		case "llm.call":
			if v := attrs["gen_ai.operation.name"]; v != "llm.call" {
				t.Errorf("llm.call gen_ai.operation.name = %v", v)
			}
			if v := attrs["remedy.incident.id"]; v != "INC-TEST" {
				t.Errorf("llm.call remedy.incident.id = %v", v)
			}
			if v := attrs["remedy.chat.seq"]; v != chatSeq {
				t.Errorf("llm.call remedy.chat.seq = %v, want %d", v, chatSeq)
			}
			if v := attrs["gen_ai.response.model"]; v != claudeTestModel {
				t.Errorf("llm.call gen_ai.response.model = %v", v)
			}
			eventNames := make(map[string]bool)
			for _, ev := range s.Events {
				eventNames[ev.Name] = true
			}
			if !eventNames["llm.request"] || !eventNames["llm.response"] {
				t.Errorf("llm.call span missing request/response events: %v", eventNames)
			}
			chatSeq++
		case "tool.execute":
			if v := attrs["gen_ai.tool.name"]; v != "span_tool" {
				t.Errorf("tool span gen_ai.tool.name = %v", v)
			}
			if v := attrs["remedy.tool.is_error"]; v != false {
				t.Errorf("tool span remedy.tool.is_error = %v", v)
			}
			if v := attrs["remedy.tool.input"]; v != `{"q":"x"}` {
				t.Errorf("tool span remedy.tool.input = %v", v)
			}
		}
	}
}
