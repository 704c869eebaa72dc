package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// AnthropicProvider calls the Messages API. Grounded on
// llm_council.py's call_anthropic.
type AnthropicProvider struct {
	apiKeyEnv string
	model     string
	baseURL   string
	client    *rateLimitedClient
}

func NewAnthropicProvider(apiKeyEnv, model, baseURL string, callsPerMinute int) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1/messages"
	}
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	return &AnthropicProvider{apiKeyEnv: apiKeyEnv, model: model, baseURL: baseURL, client: newRateLimitedClient(callsPerMinute)}
}

func (p *AnthropicProvider) Name() string { return "claude" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (p *AnthropicProvider) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	apiKey := os.Getenv(p.apiKeyEnv)
	if apiKey == "" {
		return "", ErrProviderDisabled
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     p.model,
		System:    systemPrompt,
		MaxTokens: 1024,
		Messages:  []anthropicMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(out))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return parsed.Content[0].Text, nil
}
