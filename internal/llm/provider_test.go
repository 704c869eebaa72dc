package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type extractTarget struct {
	Uncertainty float64 `json:"uncertainty"`
	Label       string  `json:"label"`
}

func TestSafeJSONExtractParsesDirectJSON(t *testing.T) {
	var out extractTarget
	ok := SafeJSONExtract(`{"uncertainty":0.4,"label":"calm"}`, &out)
	assert.True(t, ok)
	assert.Equal(t, 0.4, out.Uncertainty)
	assert.Equal(t, "calm", out.Label)
}

func TestSafeJSONExtractFallsBackToEmbeddedBraces(t *testing.T) {
	var out extractTarget
	ok := SafeJSONExtract("here is the answer: {\"uncertainty\":0.9,\"label\":\"shock\"} thanks", &out)
	assert.True(t, ok)
	assert.Equal(t, 0.9, out.Uncertainty)
	assert.Equal(t, "shock", out.Label)
}

func TestSafeJSONExtractReturnsFalseWithNoJSON(t *testing.T) {
	var out extractTarget
	ok := SafeJSONExtract("not json at all", &out)
	assert.False(t, ok)
}

func TestSafeJSONExtractReturnsFalseOnMalformedEmbeddedBraces(t *testing.T) {
	var out extractTarget
	ok := SafeJSONExtract("{not valid json}", &out)
	assert.False(t, ok)
}

func TestOpenAIProviderNameAndDisabledWithoutAPIKey(t *testing.T) {
	p := NewOpenAIProvider("OPENAI_TEST_KEY_UNSET_VAR", "", "", 60)
	assert.Equal(t, "gpt", p.Name())

	_, err := p.Call(context.Background(), "sys", "user")
	assert.True(t, errors.Is(err, ErrProviderDisabled))
}

func TestAnthropicProviderNameAndDisabledWithoutAPIKey(t *testing.T) {
	p := NewAnthropicProvider("ANTHROPIC_TEST_KEY_UNSET_VAR", "", "", 60)
	assert.Equal(t, "claude", p.Name())

	_, err := p.Call(context.Background(), "sys", "user")
	assert.True(t, errors.Is(err, ErrProviderDisabled))
}

func TestGeminiProviderNameAndDisabledWithoutAPIKey(t *testing.T) {
	p := NewGeminiProvider("GEMINI_TEST_KEY_UNSET_VAR", "", "", 60)
	assert.Equal(t, "gemini", p.Name())

	_, err := p.Call(context.Background(), "sys", "user")
	assert.True(t, errors.Is(err, ErrProviderDisabled))
}
