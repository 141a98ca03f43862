package pipeline

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// TokensFromResponse extracts tokens-used from a provider response payload.
// Reads _cost_metrics.tokens_total, then usage.total_tokens, else 0.
// Absence is not an error.
func TokensFromResponse(response []byte) int64 {
	if len(response) == 0 {
		return 0
	}
	if value := gjson.GetBytes(response, "_cost_metrics.tokens_total"); value.Exists() {
		return value.Int()
	}
	if value := gjson.GetBytes(response, "usage.total_tokens"); value.Exists() {
		return value.Int()
	}
	return 0
}

// EstimateTokens derives a forward token estimate from the request payload:
// an explicit estimated_tokens or max_tokens field, else a tokenizer count
// over a prompt text field. Returns 0 when nothing usable is present.
func EstimateTokens(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	if value := gjson.GetBytes(payload, "estimated_tokens"); value.Exists() && value.Int() > 0 {
		return value.Int()
	}
	if value := gjson.GetBytes(payload, "max_tokens"); value.Exists() && value.Int() > 0 {
		return value.Int()
	}
	if prompt := gjson.GetBytes(payload, "prompt"); prompt.Exists() && prompt.Type == gjson.String {
		return countTokens(prompt.String())
	}
	return 0
}

func countTokens(text string) int64 {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		loaded, errGet := tokenizer.Get(tokenizer.Cl100kBase)
		if errGet != nil {
			return
		}
		codec = loaded
	})
	if codec == nil {
		return 0
	}
	count, errCount := codec.Count(text)
	if errCount != nil {
		return 0
	}
	return int64(count)
}
