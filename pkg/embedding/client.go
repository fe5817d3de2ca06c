package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/httpclient"
	"github.com/hausgeist/hausgeist/pkg/observability"
)

// Client embeds text via whichever target the router resolves. The wire
// format is the Ollama-compatible embeddings endpoint both targets speak.
type Client struct {
	cfg        *config.EmbeddingConfig
	router     *Router
	model      string
	callerRole string
	httpClient *httpclient.Client
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func NewClient(cfg *config.EmbeddingConfig, router *Router, model, callerRole string) *Client {
	return &Client{
		cfg:        cfg,
		router:     router,
		model:      model,
		callerRole: callerRole,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
		),
	}
}

// Embed resolves a target and requests one embedding. A hard routing
// error fails the call; the caller decides whether that is fatal.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	decision := c.router.Resolve(ctx, "", c.callerRole)
	if decision.HardError {
		return nil, fmt.Errorf("no embedding target available (code %d)", decision.ErrorCode)
	}

	baseURL := c.cfg.CPUBaseURL
	if decision.EffectiveTarget == TargetGPU {
		baseURL = c.cfg.GPUBaseURL
	}

	startTime := time.Now()
	vector, err := c.embedAt(ctx, baseURL, text)
	observability.GetGlobalMetrics().RecordEmbeddingLatency(ctx, decision.EffectiveTarget, time.Since(startTime))
	if err != nil {
		observability.GetGlobalMetrics().RecordRoutingTargetError(ctx, decision.EffectiveTarget)
		return nil, err
	}
	return vector, nil
}

func (c *Client) embedAt(ctx context.Context, baseURL, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var er embedResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("invalid embed response: %w", err)
	}
	if er.Error != "" {
		return nil, fmt.Errorf("embed target error: %s", er.Error)
	}
	if len(er.Embedding) == 0 {
		return nil, fmt.Errorf("embed target returned empty vector")
	}
	return er.Embedding, nil
}

// ChromemFunc adapts the client to chromem's embedding function type so
// the fact store and tool selector can share the routed pipeline.
func (c *Client) ChromemFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.Embed(ctx, text)
	}
}
