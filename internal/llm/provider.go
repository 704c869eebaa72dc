// Package llm implements the LLM provider contract (spec.md §6) used by
// both the uncertainty loop (§4.D) and the triple-confirmation council
// (§4.H). Grounded on original_source/services/llm_council.py's
// call_openai/call_anthropic/call_gemini (env-sourced API key, POST with
// a per-call timeout, returning (ok, text, error)) and
// original_source/meta/regime_council.py's defensive JSON parsing
// (_safe_json_parse: direct json.loads, else first "{...}" match).
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrProviderDisabled is returned when a provider's API key env var is
// unset; the caller drops the vote rather than surfacing an error
// (spec.md §6 "A provider may be absent; the system degrades
// gracefully").
var ErrProviderDisabled = errors.New("llm: provider disabled (no api key)")

// Provider is the capability interface every LLM backend satisfies
// (spec.md §6 "LLM provider contract": call(system_prompt, user_prompt)
// -> string). A provider may be absent; callers degrade gracefully.
type Provider interface {
	Name() string
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// SafeJSONExtract tries a direct json.Unmarshal of text into v; on
// failure it falls back to the first brace-delimited {...} substring,
// mirroring llm_council.py's _safe_json_extract / regime_council.py's
// _safe_json_parse. Returns false if neither parse succeeds.
func SafeJSONExtract(text string, v any) bool {
	trimmed := strings.TrimSpace(text)
	if json.Unmarshal([]byte(trimmed), v) == nil {
		return true
	}
	match := jsonObjectPattern.FindString(trimmed)
	if match == "" {
		return false
	}
	return json.Unmarshal([]byte(match), v) == nil
}
