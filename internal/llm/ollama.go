package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultOllamaURL = "http://localhost:11434"

// OllamaOptions configures an OllamaClient.
type OllamaOptions struct {
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     time.Duration
}

// OllamaClient talks to a local Ollama instance over /api/chat.
type OllamaClient struct {
	baseURL     string
	model       string
	visionModel string
	timeout     time.Duration
	httpClient  *http.Client
}

func NewOllamaClient(opts OllamaOptions) *OllamaClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOllamaURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.VisionModel == "" {
		opts.VisionModel = opts.Model
	}
	return &OllamaClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		visionModel: opts.VisionModel,
		timeout:     opts.Timeout,
		httpClient:  &http.Client{},
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

type olFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type olToolCall struct {
	Function olFunctionCall `json:"function"`
}

type olMessage struct {
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Images    []string     `json:"images,omitempty"`
	ToolCalls []olToolCall `json:"tool_calls,omitempty"`
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string      `json:"model"`
	Messages []olMessage `json:"messages"`
	Tools    []oaTool    `json:"tools,omitempty"`
	Stream   bool        `json:"stream"`
}

// chatResponse is the JSON returned by POST /api/chat (non-streaming).
type chatResponse struct {
	Message olMessage `json:"message"`
}

func (c *OllamaClient) Complete(ctx context.Context, req Request) (Response, error) {
	cr := chatRequest{Model: c.model}
	if req.Vision {
		cr.Model = c.visionModel
	}
	if req.System != "" {
		cr.Messages = append(cr.Messages, olMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := olMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, base64.StdEncoding.EncodeToString(img))
		}
		for _, tc := range m.ToolCalls {
			args := json.RawMessage(tc.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			om.ToolCalls = append(om.ToolCalls, olToolCall{Function: olFunctionCall{Name: tc.Name, Arguments: args}})
		}
		cr.Messages = append(cr.Messages, om)
	}
	for _, t := range req.Tools {
		cr.Tools = append(cr.Tools, oaTool{
			Type:     "function",
			Function: oaFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("decoding chat response: %w", err)
	}

	out := Response{Text: result.Message.Content, Provider: c.Name()}
	for i, tc := range result.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}
	return out, nil
}
