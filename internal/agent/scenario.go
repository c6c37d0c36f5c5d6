// Package agent provides the compliance agents the console submits questions to.
// Every agent appends exactly one audit record per handled request before returning.
package agent

// Scenario binds a scenario id to the model configuration that answers it.
type Scenario struct {
	ID     string `json:"id" koanf:"id"`
	Label  string `json:"label" koanf:"label"`
	Model  string `json:"model" koanf:"model"`
	UseRAG bool   `json:"use_rag" koanf:"use_rag"`
}

// DefaultScenarios returns the built-in scenario matrix.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{ID: "A", Label: "gemma3-4B (no RAG)", Model: "gemma3:4b", UseRAG: false},
		{ID: "B", Label: "gemma3-4B + RAG", Model: "gemma3:4b", UseRAG: true},
		{ID: "C", Label: "medgemma3-4B (no RAG)", Model: "alibayram/medgemma:4b", UseRAG: false},
		{ID: "D", Label: "medgemma3-4B + RAG", Model: "alibayram/medgemma:4b", UseRAG: true},
		{ID: "E", Label: "medgemma3-27B (no RAG)", Model: "alibayram/medgemma:27b", UseRAG: false},
		{ID: "F", Label: "medgemma3-27B + RAG", Model: "alibayram/medgemma:27b", UseRAG: true},
	}
}

// Find returns the scenario with id.
func Find(scenarios []Scenario, id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}
