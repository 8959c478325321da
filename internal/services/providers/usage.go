package providers

import (
	"github.com/tidwall/gjson"

	"github.com/spendgate/spendgate/internal/models"
)

// extractUsage reads the token accounting out of a response document.
// The field names differ per dialect but never collide, so one reader
// covers all three: prompt/completion tokens on Chat Completions,
// input/output tokens on Responses and Messages, cache counters where
// each dialect puts them. A document with no usage object yields the
// Unavailable sentinel.
func extractUsage(body []byte) models.Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		// Anthropic streams carry the opening counters one level down.
		usage = gjson.GetBytes(body, "message.usage")
	}
	if !usage.Exists() || !usage.IsObject() {
		return models.Usage{Unavailable: true}
	}
	return models.Usage{
		InputTokens:      firstInt(usage, "input_tokens", "prompt_tokens"),
		OutputTokens:     firstInt(usage, "output_tokens", "completion_tokens"),
		CacheReadTokens:  firstInt(usage, "cache_read_input_tokens", "input_tokens_details.cached_tokens", "prompt_tokens_details.cached_tokens"),
		CacheWriteTokens: firstInt(usage, "cache_creation_input_tokens"),
	}
}

func firstInt(doc gjson.Result, paths ...string) int64 {
	for _, path := range paths {
		if v := doc.Get(path); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// mergeUsage folds one stream event's counters into the running total.
// Counters are cumulative in every dialect, so later nonzero values
// overwrite earlier ones rather than add. Reports whether the event
// carried any usage at all.
func mergeUsage(total *models.Usage, event []byte) bool {
	u := extractUsage(event)
	if u.Unavailable {
		return false
	}
	if u.InputTokens > 0 {
		total.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		total.OutputTokens = u.OutputTokens
	}
	if u.CacheReadTokens > 0 {
		total.CacheReadTokens = u.CacheReadTokens
	}
	if u.CacheWriteTokens > 0 {
		total.CacheWriteTokens = u.CacheWriteTokens
	}
	return true
}
