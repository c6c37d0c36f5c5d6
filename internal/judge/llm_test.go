package judge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/llm"
	"github.com/tjfontaine/audit-timeline/internal/testutil"
)

func TestLLMJudge_Evaluate(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "ollama_judge")
	defer cleanup()

	client := llm.NewClient(llm.ModeOllama, "", llm.WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	j := NewLLMJudge(client, "", "", nil)
	assert.Equal(t, "alibayram/medgemma:27b-judge", j.ID())

	res, err := j.Evaluate(context.Background(), ports.JudgeRequest{
		Question:  "Who can see my discharge summary?",
		FinalText: "Only your care team; ask them about sharing.",
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	require.NotNil(t, res.Compliance)
	assert.Equal(t, 4.5, *res.Compliance)
	require.NotNil(t, res.Helpfulness)
	assert.Equal(t, 4.0, *res.Helpfulness)
	assert.Equal(t, "Defers to the care team and cites APP 6.", res.Reasoning)
	assert.Contains(t, res.RawText, "Here is my assessment")
}

func TestLLMJudge_AbstainsOnBackendError(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "ollama_judge")
	defer cleanup()

	client := llm.NewClient(llm.ModeOllamaChat, "", llm.WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	j := NewLLMJudge(client, "missing", "local", nil)

	res, err := j.Evaluate(context.Background(), ports.JudgeRequest{Question: "q"})
	require.NoError(t, err)
	assert.Nil(t, res)
}
