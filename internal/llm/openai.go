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

// OpenAIProvider calls the Chat Completions API. Grounded on
// llm_council.py's call_openai: reads the key from an env var, POSTs a
// system+user prompt pair, returns the raw text for defensive JSON
// parsing by the caller.
type OpenAIProvider struct {
	apiKeyEnv string
	model     string
	baseURL   string
	client    *rateLimitedClient
}

func NewOpenAIProvider(apiKeyEnv, model, baseURL string, callsPerMinute int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/chat/completions"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{apiKeyEnv: apiKeyEnv, model: model, baseURL: baseURL, client: newRateLimitedClient(callsPerMinute)}
}

func (p *OpenAIProvider) Name() string { return "gpt" }

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	apiKey := os.Getenv(p.apiKeyEnv)
	if apiKey == "" {
		return "", ErrProviderDisabled
	}

	body, err := json.Marshal(openAIChatRequest{
		Model: p.model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

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
		return "", fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(out))
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
