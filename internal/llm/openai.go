package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OpenAIBaseURL     = "https://api.openai.com/v1"

	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	// Name is reported by Name(), e.g. "openrouter" or "openai".
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	VisionModel string
	Timeout     time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// That covers both OpenRouter and OpenAI.
type OpenAIClient struct {
	name        string
	apiKey      string
	baseURL     string
	model       string
	visionModel string
	timeout     time.Duration
	httpClient  *http.Client
	backoff     time.Duration
}

func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.VisionModel == "" {
		opts.VisionModel = opts.Model
	}
	return &OpenAIClient{
		name:        opts.Name,
		apiKey:      opts.APIKey,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		visionModel: opts.VisionModel,
		timeout:     opts.Timeout,
		httpClient:  &http.Client{},
		backoff:     initialBackoff,
	}
}

func (c *OpenAIClient) Name() string { return c.name }

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function oaFunctionCall `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    any          `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaRequest struct {
	Model    string      `json:"model"`
	Messages []oaMessage `json:"messages"`
	Tools    []oaTool    `json:"tools,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content   *string      `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion request, retrying on HTTP 429 with
// exponential backoff.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doComplete(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !isRateLimit(err) {
			return Response{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return Response{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *OpenAIClient) buildRequest(req Request) oaRequest {
	model := c.model
	if req.Vision {
		model = c.visionModel
	}

	out := oaRequest{Model: model}
	if req.System != "" {
		out.Messages = append(out.Messages, oaMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		wm := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if len(m.Images) > 0 {
			parts := []oaContentPart{{Type: "text", Text: m.Content}}
			for _, img := range m.Images {
				parts = append(parts, oaContentPart{
					Type:     "image_url",
					ImageURL: &oaImageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)},
				})
			}
			wm.Content = parts
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, oaTool{
			Type:     "function",
			Function: oaFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func (c *OpenAIClient) doComplete(ctx context.Context, body []byte) (Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/stephen-kim/cinepyle")
	httpReq.Header.Set("X-Title", "cinepyle")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: response has no choices", c.name)
	}

	msg := decoded.Choices[0].Message
	out := Response{Provider: c.name}
	if msg.Content != nil {
		out.Text = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}
