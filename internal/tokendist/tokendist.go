// Package tokendist implements the shared 1:2:25 input/cache-creation/cache-read
// token distribution ratio used by both the OpenAI and Claude protocol adapters.
package tokendist

// Threshold is the minimum input token count below which no distribution is
// applied; small requests are reported as plain input tokens.
const Threshold = 100

// totalParts is the sum of the 1:2:25 ratio.
const totalParts = 28

// Usage holds the distributed token counts for a single request.
type Usage struct {
	InputTokens              int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Distribute splits inputTokens across input/cache-creation/cache-read buckets
// using a fixed 1:2:25 ratio. Below Threshold tokens, the full count is
// reported as InputTokens with no distribution, matching the reference
// Node.js RatioTokenDistribution.js behavior this proxy replaces.
func Distribute(inputTokens int) Usage {
	if inputTokens < Threshold {
		return Usage{InputTokens: inputTokens}
	}

	input := inputTokens * 1 / totalParts
	creation := inputTokens * 2 / totalParts
	read := inputTokens - input - creation // remainder absorbs rounding

	return Usage{
		InputTokens:              input,
		CacheCreationInputTokens: creation,
		CacheReadInputTokens:     read,
	}
}

// Total returns the sum of all input-related buckets.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}
