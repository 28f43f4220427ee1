package chat

// EstimateTokens approximates the model token count of text with a
// character-class weighting: CJK and fullwidth characters count as 1/1.5
// tokens, everything else as 1/4. Used only for usage reporting.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		switch {
		case r >= 0x4e00 && r <= 0x9fff,
			r >= 0x3000 && r <= 0x303f,
			r >= 0xff00 && r <= 0xffef:
			cjk++
		default:
			other++
		}
	}
	total := int(float64(cjk)/1.5 + float64(other)/4.0)
	if total < 1 {
		return 1
	}
	return total
}

// UsageStats computes deterministic usage statistics from the inbound
// message list and the produced content/reasoning text.
func UsageStats(messages []Message, content, reasoning string) Usage {
	prompt := CombinedPrompt(messages)
	promptTokens := EstimateTokens(prompt)

	completion := content + reasoning
	completionTokens := EstimateTokens(completion)

	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
