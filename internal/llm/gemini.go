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

// GeminiProvider calls the generateContent API. Grounded on
// llm_council.py's call_gemini.
type GeminiProvider struct {
	apiKeyEnv string
	model     string
	baseURL   string
	client    *rateLimitedClient
}

func NewGeminiProvider(apiKeyEnv, model, baseURL string, callsPerMinute int) *GeminiProvider {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent"
	}
	return &GeminiProvider{apiKeyEnv: apiKeyEnv, model: model, baseURL: baseURL, client: newRateLimitedClient(callsPerMinute)}
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"system_instruction"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *GeminiProvider) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	apiKey := os.Getenv(p.apiKeyEnv)
	if apiKey == "" {
		return "", ErrProviderDisabled
	}

	body, err := json.Marshal(geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Parts: []geminiPart{{Text: userPrompt}}}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, p.baseURL+"?key="+apiKey, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

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
		return "", fmt.Errorf("gemini: status %d: %s", resp.StatusCode, string(out))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
