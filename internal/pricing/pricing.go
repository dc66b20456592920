// Package pricing maps model token usage to USD cost.
package pricing

import "math"

// ModelPricing holds per-1k-token costs in USD.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Known model pricing as of Jan 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// OpenAI
	"gpt-4-turbo-preview": {0.01, 0.03},
	"gpt-4o":              {0.005, 0.015},
	"gpt-4o-mini":         {0.00015, 0.0006},
	// Anthropic
	"claude-3-opus-20240229":   {0.015, 0.075},
	"claude-3-haiku-20240307":  {0.00025, 0.00125},
	"claude-sonnet-4-5":        {0.003, 0.015},
	// Google
	"gemini-1.5-pro":   {0.00125, 0.005},
	"gemini-2.5-flash": {0.000075, 0.0003},
	// DeepSeek
	"deepseek-chat":     {0.00014, 0.00028},
	"deepseek-reasoner": {0.00055, 0.00219},
}

// Default pricing applied to models missing from the table. Documented
// fallback: roughly the corpus average for mid-tier chat models.
var defaultPricing = ModelPricing{InputPer1K: 0.001, OutputPer1K: 0.002}

// Lookup returns the pricing for a model and whether it was known.
// Unknown models get the documented default.
func Lookup(model string) (ModelPricing, bool) {
	p, ok := knownModels[model]
	if !ok {
		return defaultPricing, false
	}
	return p, true
}

// Cost returns the USD cost for the given token counts, rounded to six
// decimal places.
func Cost(model string, tokensIn, tokensOut int) float64 {
	p, _ := Lookup(model)
	raw := float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
	return math.Round(raw*1e6) / 1e6
}
