package tools

import (
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

	"github.com/hausgeist/hausgeist/pkg/httpclient"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Hub routes one tool invocation to the server that announced it.
type Hub struct {
	registry   *Registry
	httpClient *httpclient.Client
}

// callRequest is the wire format tool servers accept on POST /call.
type callRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type callResponse struct {
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
}

func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
		),
	}
}

// Call invokes one tool by exact name. The returned ToolCall always has a
// terminal status; transport and server failures surface as status error,
// never as a Go error, so the tool loop can feed them back to the model.
func (h *Hub) Call(ctx context.Context, call *protocol.ToolCall) *protocol.ToolCall {
	startTime := time.Now()

	tracer := observability.GetTracer("hausgeist.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, call.ToolName)),
	)
	defer span.End()

	result := h.dispatch(ctx, call)

	duration := time.Since(startTime)
	var callErr error
	if result.Status == protocol.ToolCallError {
		callErr = fmt.Errorf("%s", result.Error)
		span.RecordError(callErr)
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	observability.GetGlobalMetrics().RecordToolExecution(ctx, call.ToolName, duration, callErr)

	return result
}

func (h *Hub) dispatch(ctx context.Context, call *protocol.ToolCall) *protocol.ToolCall {
	out := &protocol.ToolCall{
		ID:       call.ID,
		ToolName: call.ToolName,
		Args:     call.Args,
	}

	tool, ok := h.registry.Get(call.ToolName)
	if !ok {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("unknown tool: %s", call.ToolName)
		return out
	}

	body, err := json.Marshal(callRequest{Tool: call.ToolName, Args: call.Args})
	if err != nil {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("failed to encode args: %v", err)
		return out
	}

	url := strings.TrimSuffix(tool.ServerAddr, "/") + "/call"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("failed to create request: %v", err)
		return out
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("tool server unreachable: %v", err)
		return out
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("failed to read tool response: %v", err)
		return out
	}
	if resp.StatusCode != http.StatusOK {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("tool server returned status %d: %s", resp.StatusCode, string(respBody))
		return out
	}

	var cr callResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		out.Status = protocol.ToolCallError
		out.Error = fmt.Sprintf("invalid tool response: %v", err)
		return out
	}

	out.ContainerID = cr.ContainerID
	if cr.Error != "" {
		out.Status = protocol.ToolCallError
		out.Error = cr.Error
		return out
	}

	out.Status = protocol.ToolCallSuccess
	out.Result = cr.Result
	return out
}
