package tokens

import (
	"sync"
	"testing"
)

func TestCounter_Count(t *testing.T) {
	c := NewCounter()

	tests := []struct {
		name      string
		model     string
		text      string
		minTokens int
		maxTokens int
	}{
		{name: "empty", model: "gpt-4o", text: "", minTokens: 0, maxTokens: 0},
		{name: "openai model", model: "gpt-4o", text: "Hello, how are you?", minTokens: 4, maxTokens: 8},
		{name: "open weight model", model: "alibayram/medgemma:27b", text: "Hello, how are you?", minTokens: 4, maxTokens: 8},
		{name: "unknown model", model: "", text: "What is the recommended dose of metformin?", minTokens: 6, maxTokens: 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Count(tt.model, tt.text)
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("Count() = %d, want between %d and %d", got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestCounter_Usage(t *testing.T) {
	c := NewCounter()
	usage := c.Usage("gemma3:4b", "Hello there", "General Kenobi")
	if usage["total"] != usage["prompt"]+usage["completion"] {
		t.Errorf("total = %d, want %d", usage["total"], usage["prompt"]+usage["completion"])
	}
	if usage["prompt"] == 0 || usage["completion"] == 0 {
		t.Errorf("expected non-zero counts, got %v", usage)
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCounter_ConcurrentCodecCache(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Count("gemma3:4b", "concurrent access")
		}()
	}
	wg.Wait()
	if len(c.codecCache) != 1 {
		t.Errorf("codec cache size = %d, want 1", len(c.codecCache))
	}
}
