// Package tokens estimates token counts for audit records using tiktoken encodings.
package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// charsPerToken is the rough ratio used when no encoding can be loaded.
const charsPerToken = 4

// Counter counts tokens per model. Models without a native tiktoken encoding
// (Gemma, MedGemma and other open-weight models) are approximated with cl100k_base.
type Counter struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{codecCache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *Counter) getCodec(model string) (tokenizer.Codec, error) {
	model = strings.ToLower(strings.TrimSpace(model))
	if isOpenAIModel(model) {
		if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
			return codec, nil
		}
	}

	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

func isOpenAIModel(model string) bool {
	for _, p := range []string{"gpt-", "o1", "o3", "o4", "text-embedding", "text-davinci"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// modelToEncoding picks an encoding for models tiktoken does not know by name.
func modelToEncoding(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// Count returns the number of tokens in text for model. It never fails: when
// encoding is impossible it falls back to a character estimate.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.getCodec(model)
	if err == nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return Estimate(text)
}

// Estimate approximates a token count from the rune length.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(1, (n+charsPerToken-1)/charsPerToken)
}

// Usage returns the token_usage block recorded for one exchange.
func (c *Counter) Usage(model, prompt, completion string) map[string]int {
	p := c.Count(model, prompt)
	out := c.Count(model, completion)
	return map[string]int{
		"prompt":     p,
		"completion": out,
		"total":      p + out,
	}
}
