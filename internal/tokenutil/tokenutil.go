// Package tokenutil gives a cheap local token estimate for prompt
// sizing, where a provider tokenizer round trip is not worth it.
package tokenutil

import "strings"

// English prose averages roughly 1.33 tokens per word; text with
// little whitespace (code, CJK) is closer to one token per four bytes.
const (
	tokensPerWord = 1.33
	bytesPerToken = 4
)

// EstimateTokens approximates the token count of content. It takes the
// larger of the word-based and byte-based estimates so whitespace-poor
// input is not undercounted.
func EstimateTokens(content string) int {
	byWords := int(float64(len(strings.Fields(content))) * tokensPerWord)
	byBytes := len(content) / bytesPerToken
	return max(byWords, byBytes)
}
