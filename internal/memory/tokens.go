package memory

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/nugget/vektra-agent/internal/message"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a reasonable approximation
// for every supported model.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text, or a
// length-based estimate when the tokenizer is unavailable.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return len(text) / 4
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// CountTokens estimates the tokens a message contributes to a prompt.
func CountTokens(m message.Message) int {
	n := 0
	for _, p := range m.Parts {
		switch p.Type {
		case message.PartText:
			n += EstimateTokens(p.Text)
		case message.PartTool:
			n += EstimateTokens(p.ToolName) + EstimateTokens(p.OutputText())
			for k, v := range p.Input {
				if s, ok := v.(string); ok {
					n += EstimateTokens(k) + EstimateTokens(s)
				}
			}
		}
	}
	return n
}
