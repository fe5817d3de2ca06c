package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/httpclient"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// OllamaProvider talks to a local Ollama-compatible /api/chat endpoint.
// The same provider type serves the main, small and code model roles; the
// model name is fixed per instance.
type OllamaProvider struct {
	cfg        *config.LLMConfig
	model      string
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Type     string                 `json:"type"`
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaProvider creates a provider bound to one model name. An empty
// model falls back to the configured default model.
func NewOllamaProvider(cfg *config.LLMConfig, model string) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &OllamaProvider{
		cfg:   cfg,
		model: model,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
		),
		baseURL: baseURL,
	}, nil
}

func (p *OllamaProvider) ModelName() string {
	return p.model
}

func (p *OllamaProvider) Close() error {
	return nil
}

// Generate performs a non-streaming chat completion.
func (p *OllamaProvider) Generate(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	return p.generate(ctx, messages, tools, nil)
}

// GenerateStructured performs a non-streaming completion constrained to
// the given JSON schema. The schema is both passed as the Ollama format
// field and restated in a system preamble, which keeps smaller local
// models on track.
func (p *OllamaProvider) GenerateStructured(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*protocol.ToolCall, int, error) {
	if preamble := schemaPreamble(structCfg); preamble != "" {
		messages = append([]ChatMessage{{Role: protocol.RoleSystem, Content: preamble}}, messages...)
	}
	return p.generate(ctx, messages, tools, structCfg)
}

func (p *OllamaProvider) generate(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*protocol.ToolCall, int, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("hausgeist.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.Bool("streaming", false),
			attribute.Bool("structured", structCfg != nil),
		),
	)
	defer span.End()

	request := p.buildRequest(messages, false, tools, structCfg)

	response, err := p.makeRequest(ctx, request)
	duration := time.Since(startTime)

	if err == nil && response.Error != "" {
		err = fmt.Errorf("ollama API error: %s", response.Error)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, 0, err)
		return "", nil, 0, err
	}

	text := response.Message.Content
	tokensUsed := response.PromptEvalCount + response.EvalCount

	var toolCalls []*protocol.ToolCall
	if len(response.Message.ToolCalls) > 0 {
		toolCalls = parseToolCalls(response.Message.ToolCalls)
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, response.EvalCount),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, response.PromptEvalCount, response.EvalCount, nil)

	return text, toolCalls, tokensUsed, nil
}

// GenerateStreaming starts a streaming chat completion. The returned
// channel is closed when the stream ends; errors arrive as a chunk of
// type "error".
func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, nil)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()
	return outputCh, nil
}

func (p *OllamaProvider) buildRequest(messages []ChatMessage, stream bool, tools []ToolDefinition, structCfg *StructuredOutputConfig) ollamaRequest {
	ollamaMessages := make([]ollamaMessage, 0, len(messages))
	toolCallIDToName := make(map[string]string)

	for _, msg := range messages {
		if msg.Role == protocol.RoleTool {
			toolName := msg.ToolName
			if toolName == "" {
				toolName = toolCallIDToName[msg.ToolCallID]
			}
			ollamaMessages = append(ollamaMessages, ollamaMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolName,
			})
			continue
		}

		om := ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			om.ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = make(map[string]any)
				}
				toolCallIDToName[tc.ID] = tc.ToolName
				om.ToolCalls[i] = ollamaToolCall{
					Type: "function",
					Function: ollamaToolCallFunction{
						Index:     i,
						Name:      tc.ToolName,
						Arguments: args,
					},
				}
			}
		}
		ollamaMessages = append(ollamaMessages, om)
	}

	request := ollamaRequest{
		Model:    p.model,
		Messages: ollamaMessages,
		Stream:   stream,
	}

	if p.cfg.Temperature > 0 || p.cfg.MaxTokens > 0 {
		request.Options = &ollamaOptions{
			Temperature: p.cfg.Temperature,
			NumPredict:  p.cfg.MaxTokens,
		}
	}

	if structCfg != nil && structCfg.Format == "json" {
		if structCfg.Schema != nil {
			request.Format = structCfg.Schema
		} else {
			request.Format = "json"
		}
	}

	if len(tools) > 0 {
		request.Tools = make([]ollamaTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = ollamaTool{
				Type: "function",
				Function: ollamaToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
	}

	return request
}

func parseToolCalls(calls []ollamaToolCall) []*protocol.ToolCall {
	out := make([]*protocol.ToolCall, 0, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]any)
		}
		var id string
		if tc.Function.Index >= 0 {
			id = fmt.Sprintf("call_%d_%s", tc.Function.Index, tc.Function.Name)
		} else {
			id = fmt.Sprintf("call_%d_%d", time.Now().UnixNano(), i)
		}
		out = append(out, &protocol.ToolCall{
			ID:       id,
			ToolName: tc.Function.Name,
			Args:     args,
		})
	}
	return out
}

func (p *OllamaProvider) makeRequest(ctx context.Context, request ollamaRequest) (*ollamaResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request ollamaRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			var errorJSON struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(bodyBytes, &errorJSON) == nil && errorJSON.Error != "" {
				return fmt.Errorf("ollama API error: %s", errorJSON.Error)
			}
			return fmt.Errorf("ollama API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
		}
	}
	if err != nil {
		return fmt.Errorf("failed to make streaming request: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("failed to make streaming request: no response received")
	}

	reader := bufio.NewReader(resp.Body)
	// Tool call fragments accumulate by index until the final chunk.
	toolCallsMap := make(map[int]*ollamaToolCall)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			outputCh <- StreamChunk{Type: "text", Text: chunk.Message.Content}
		}
		if chunk.Message.Thinking != "" {
			outputCh <- StreamChunk{Type: "thinking", Text: chunk.Message.Thinking}
		}

		for _, tc := range chunk.Message.ToolCalls {
			idx := tc.Function.Index
			if idx < 0 {
				idx = len(toolCallsMap)
			}
			if existing, ok := toolCallsMap[idx]; ok {
				for k, v := range tc.Function.Arguments {
					existing.Function.Arguments[k] = v
				}
			} else {
				cp := tc
				if cp.Function.Arguments == nil {
					cp.Function.Arguments = make(map[string]any)
				}
				toolCallsMap[idx] = &cp
			}
		}

		if chunk.Done {
			if len(toolCallsMap) > 0 {
				var accumulated []ollamaToolCall
				for i := 0; i < len(toolCallsMap); i++ {
					if tc, ok := toolCallsMap[i]; ok {
						accumulated = append(accumulated, *tc)
					}
				}
				for _, tc := range parseToolCalls(accumulated) {
					outputCh <- StreamChunk{Type: "tool_call", ToolCall: tc}
				}
			}
			outputCh <- StreamChunk{
				Type:   "done",
				Tokens: chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}

	return nil
}

func schemaPreamble(structCfg *StructuredOutputConfig) string {
	if structCfg == nil || structCfg.Schema == nil {
		return ""
	}
	schemaJSON, err := json.MarshalIndent(structCfg.Schema, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified`, string(schemaJSON))
}
